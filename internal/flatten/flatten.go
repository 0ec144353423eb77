// Package flatten converts nested screening results into flat, column-stable
// rows. Flatten is pure; the batch-wide column union lives in Schema.
package flatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/AIAleph/addrscreen/internal/csvio"
	"github.com/AIAleph/addrscreen/internal/screening"
)

// NoneMarker fills identification columns when a result has no identifications.
const NoneMarker = "none"

// Row is one output record: the input row, the shared risk fields and at most
// one identification.
type Row struct {
	Input           csvio.InputRow
	Risk            string
	Score           *float64
	RiskReason      string
	ClusterName     string
	ClusterCategory string
	// Identification holds one flattened identification; nil when NoIdentification.
	Identification   map[string]string
	NoIdentification bool
	Exposures        map[string]float64
	// ErrCode and ErrDetail are set only on error placeholder rows.
	ErrCode   string
	ErrDetail string
}

// Failed reports whether r is an error placeholder.
func (r Row) Failed() bool { return r.ErrCode != "" }

// Flatten yields max(1, len(res.Identifications)) rows in identification order.
func Flatten(in csvio.InputRow, res screening.Result) []Row {
	base := Row{
		Input:           in,
		Risk:            res.Risk,
		RiskReason:      res.RiskReason,
		ClusterName:     res.Cluster.Name,
		ClusterCategory: res.Cluster.Category,
	}
	if res.Score != nil {
		s := *res.Score
		base.Score = &s
	}
	if len(res.Exposures) > 0 {
		base.Exposures = make(map[string]float64, len(res.Exposures))
		for _, e := range res.Exposures {
			base.Exposures[e.Category] = e.Value
		}
	}

	if len(res.Identifications) == 0 {
		base.NoIdentification = true
		return []Row{base}
	}
	out := make([]Row, 0, len(res.Identifications))
	for _, id := range res.Identifications {
		r := base
		r.Exposures = copyExposures(base.Exposures)
		r.Identification = Attributes(id)
		out = append(out, r)
	}
	return out
}

// ErrorRow is the placeholder written in place of a row that could not be screened.
func ErrorRow(in csvio.InputRow, code, detail string) Row {
	return Row{Input: in, ErrCode: code, ErrDetail: detail}
}

// Attributes flattens one identification. Nested objects join keys with "_",
// arrays are JSON-encoded and null becomes blank. When a literal key and a
// nested path join to the same column the literal key wins; between nested
// paths the first in key order wins.
func Attributes(id screening.Identification) map[string]string {
	out := make(map[string]string, len(id))
	flattenMap("", id, out)
	return out
}

// flattenMap writes leaf values before descending into nested objects, both in
// key order, and never overwrites a column already written.
func flattenMap(prefix string, m map[string]any, out map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var nested []string
	for _, k := range keys {
		if _, ok := m[k].(map[string]any); ok {
			nested = append(nested, k)
			continue
		}
		setOnce(out, joinKey(prefix, k), scalar(m[k]))
	}
	for _, k := range nested {
		child := m[k].(map[string]any)
		if len(child) == 0 {
			setOnce(out, joinKey(prefix, k), "")
			continue
		}
		flattenMap(joinKey(prefix, k), child, out)
	}
}

func setOnce(out map[string]string, key, val string) {
	if _, ok := out[key]; !ok {
		out[key] = val
	}
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "_" + k
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

func copyExposures(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
