package screening

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Request registers one address for screening.
type Request struct {
	Address string
	Asset   string
	UserID  string
	// Reference is a client-generated token unique per row, sent as the
	// Idempotency-Key so transport retries of the registration are harmless.
	Reference string
}

// Handle identifies a registered job.
type Handle struct {
	ID          string
	Address     string
	Reference   string
	SubmittedAt time.Time
}

// Status is the lifecycle state of a screening job.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Cluster is the entity the address was attributed to, if any.
type Cluster struct {
	Name     string
	Category string
}

// Exposure is the value exposed to one category.
type Exposure struct {
	Category string
	Value    float64
}

// Identification is a semi-structured finding. Keys vary by category.
type Identification map[string]any

// Result is a completed assessment.
type Result struct {
	Address         string
	Risk            string
	Score           *float64
	RiskReason      string
	Cluster         Cluster
	Identifications []Identification
	Exposures       []Exposure
}

// wireResult tolerates both the Chainalysis entity shape and generic job APIs.
type wireResult struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	Address    string          `json:"address"`
	Status     string          `json:"status"`
	Risk       json.RawMessage `json:"risk"`
	RiskScore  *float64        `json:"riskScore"`
	Score      *float64        `json:"score"`
	RiskReason string          `json:"riskReason"`
	Cluster    *struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"cluster"`
	AddressIdentifications []Identification `json:"addressIdentifications"`
	Identifications        []Identification `json:"identifications"`
	Exposures              []struct {
		Category string  `json:"category"`
		Value    float64 `json:"value"`
	} `json:"exposures"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func (w wireResult) jobID() string {
	if w.ID != "" {
		return w.ID
	}
	return w.JobID
}

func (w wireResult) risk() string { return scalarString(w.Risk) }

func (w wireResult) status() Status {
	switch strings.ToUpper(strings.TrimSpace(w.Status)) {
	case "COMPLETE", "COMPLETED", "DONE", "SUCCESS":
		return StatusComplete
	case "FAILED", "FAILURE", "ERROR":
		return StatusFailed
	case "":
		// entity-style APIs omit status and simply return the risk when ready
		if w.risk() != "" {
			return StatusComplete
		}
		return StatusPending
	default:
		return StatusPending
	}
}

func (w wireResult) errorDetail() string {
	if d := scalarString(w.Error); d != "" {
		return d
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if len(w.Error) > 0 && json.Unmarshal(w.Error, &obj) == nil && obj.Message != "" {
		if obj.Code != "" {
			return obj.Code + ": " + obj.Message
		}
		return obj.Message
	}
	return w.Message
}

func (w wireResult) result(fallbackAddr string) Result {
	r := Result{
		Address:    w.Address,
		Risk:       w.risk(),
		Score:      w.RiskScore,
		RiskReason: w.RiskReason,
	}
	if r.Address == "" {
		r.Address = fallbackAddr
	}
	if r.Score == nil {
		r.Score = w.Score
	}
	if w.Cluster != nil {
		r.Cluster = Cluster{Name: w.Cluster.Name, Category: w.Cluster.Category}
	}
	ids := w.AddressIdentifications
	if len(ids) == 0 {
		ids = w.Identifications
	}
	for _, id := range ids {
		if id == nil {
			continue
		}
		r.Identifications = append(r.Identifications, id)
	}
	for _, e := range w.Exposures {
		r.Exposures = append(r.Exposures, Exposure{Category: e.Category, Value: e.Value})
	}
	return r
}

// scalarString renders a JSON string or number; anything else is empty.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
