package exposures

import _ "embed"

// Exposure categories reported by the screening API. Each becomes a stable
// output column so rows stay aligned even when a result omits a category.

//go:embed categories.json
var Categories []byte
