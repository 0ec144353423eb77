package flatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	fixtureexp "github.com/AIAleph/addrscreen/fixtures/exposures"
)

// Result columns that follow the echoed input columns.
const (
	ColRisk            = "risk_classification"
	ColScore           = "risk_score"
	ColRiskReason      = "risk_reason"
	ColClusterName     = "cluster_name"
	ColClusterCategory = "cluster_category"
	ColError           = "error"
	ColErrorDetail     = "error_detail"

	exposurePrefix       = "exposure_"
	identificationPrefix = "identification_"
	inputPrefix          = "input_"
)

// Identification keys every API version returns; they lead the column set.
var leadingKeys = []string{"category", "name", "description"}

var knownExposures []string

func init() {
	if err := json.Unmarshal(fixtureexp.Categories, &knownExposures); err != nil {
		panic(fmt.Sprintf("flatten: unable to parse exposure categories: %v", err))
	}
}

// Schema is the column layout of the output. A dynamic schema grows with
// every observed identification key and exposure category; a declared one is
// fixed up front so rows can be streamed before the batch ends.
type Schema struct {
	declared      bool
	declaredOrder []string
	idKeys        map[string]bool
	expCats       map[string]bool
}

// NewSchema returns a dynamic schema seeded with the well-known identification
// keys and exposure categories.
func NewSchema() *Schema {
	s := &Schema{idKeys: map[string]bool{}, expCats: map[string]bool{}}
	for _, k := range leadingKeys {
		s.idKeys[k] = true
	}
	for _, c := range knownExposures {
		s.expCats[c] = true
	}
	return s
}

// DeclaredSchema pins the identification columns to fields, in that order.
// Exposure columns are the well-known categories; others are not emitted.
func DeclaredSchema(fields []string) *Schema {
	s := &Schema{declared: true, idKeys: map[string]bool{}, expCats: map[string]bool{}}
	for _, c := range knownExposures {
		s.expCats[c] = true
	}
	s.declaredOrder = append([]string(nil), fields...)
	return s
}

// Declared reports whether the column set is fixed.
func (s *Schema) Declared() bool { return s.declared }

// Observe extends a dynamic schema with the keys carried by rows.
func (s *Schema) Observe(rows ...Row) {
	if s.declared {
		return
	}
	for _, r := range rows {
		for k := range r.Identification {
			s.idKeys[k] = true
		}
		for c := range r.Exposures {
			s.expCats[c] = true
		}
	}
}

// IdentificationKeys lists identification attribute columns in output order.
func (s *Schema) IdentificationKeys() []string {
	if s.declared {
		return append([]string(nil), s.declaredOrder...)
	}
	out := append(make([]string, 0, len(s.idKeys)), leadingKeys...)
	var rest []string
	for k := range s.idKeys {
		if !isLeading(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// ExposureCategories lists exposure columns: well-known ones first, then any
// extra observed categories sorted.
func (s *Schema) ExposureCategories() []string {
	out := append([]string(nil), knownExposures...)
	known := make(map[string]bool, len(knownExposures))
	for _, c := range knownExposures {
		known[c] = true
	}
	var extra []string
	for c := range s.expCats {
		if !known[c] {
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Header renders the column names for the given echoed input columns. Input
// columns that reuse a result column name are echoed as input_<name>, and
// identification keys that collide with either as identification_<key>.
func (s *Schema) Header(inputCols []string) []string {
	result := []string{ColRisk, ColScore, ColRiskReason, ColClusterName, ColClusterCategory}
	exposures := make([]string, 0, len(s.expCats))
	for _, c := range s.ExposureCategories() {
		exposures = append(exposures, exposurePrefix+c)
	}
	reserved := map[string]bool{ColError: true, ColErrorDetail: true}
	for _, c := range append(append([]string(nil), result...), exposures...) {
		reserved[strings.ToLower(c)] = true
	}

	h := make([]string, 0, len(inputCols)+len(result)+len(exposures)+len(s.idKeys)+2)
	taken := make(map[string]bool, len(reserved)+len(inputCols))
	for k := range reserved {
		taken[k] = true
	}
	for _, c := range inputCols {
		name := c
		if reserved[strings.ToLower(c)] {
			name = inputPrefix + c
		}
		taken[strings.ToLower(name)] = true
		h = append(h, name)
	}
	h = append(h, result...)
	for _, k := range s.IdentificationKeys() {
		h = append(h, idColumn(k, taken))
	}
	h = append(h, exposures...)
	return append(h, ColError, ColErrorDetail)
}

// Record renders r against the current columns. Missing attributes are blank,
// never dropped, so every record has len(Header(inputCols)) fields.
func (s *Schema) Record(inputCols []string, r Row) []string {
	rec := make([]string, 0, len(inputCols)+16)
	for _, c := range inputCols {
		rec = append(rec, r.Input.Fields[c])
	}
	score := ""
	if r.Score != nil {
		score = strconv.FormatFloat(*r.Score, 'f', -1, 64)
	}
	rec = append(rec, r.Risk, score, r.RiskReason, r.ClusterName, r.ClusterCategory)
	for _, k := range s.IdentificationKeys() {
		switch {
		case r.Failed():
			rec = append(rec, "")
		case r.NoIdentification:
			rec = append(rec, NoneMarker)
		default:
			rec = append(rec, r.Identification[k])
		}
	}
	for _, c := range s.ExposureCategories() {
		switch v, ok := r.Exposures[c]; {
		case r.Failed():
			rec = append(rec, "")
		case ok:
			rec = append(rec, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			rec = append(rec, "0")
		}
	}
	return append(rec, r.ErrCode, r.ErrDetail)
}

func isLeading(k string) bool {
	for _, l := range leadingKeys {
		if k == l {
			return true
		}
	}
	return false
}

// idColumn prefixes identification keys that would collide with input or
// result columns.
func idColumn(k string, taken map[string]bool) string {
	if taken[strings.ToLower(k)] {
		return identificationPrefix + k
	}
	return k
}
