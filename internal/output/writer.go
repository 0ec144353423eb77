// Package output writes flattened screening rows to a delimited file. The file
// only appears at its final path once Close succeeds.
package output

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/AIAleph/addrscreen/internal/flatten"
	"github.com/AIAleph/addrscreen/internal/logging"
)

// PartialSuffix marks an output file that is still being written.
const PartialSuffix = ".partial"

var ErrClosed = errors.New("output writer closed")

// Writer accumulates rows for one batch. With a declared schema rows are
// streamed to the partial file as CSV as they arrive. Otherwise the header
// must cover every observed column, so the partial file holds one JSON line
// per row until Close rewrites it as CSV.
type Writer struct {
	path      string
	inputCols []string
	schema    *flatten.Schema

	f       *os.File
	csv     *csv.Writer
	spool   *json.Encoder
	pending []flatten.Row
	rows    int
	closed  bool
}

// Create opens path+PartialSuffix, creating the parent directory when needed.
func Create(path string, inputCols []string, schema *flatten.Schema) (*Writer, error) {
	if schema == nil {
		schema = flatten.NewSchema()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path + PartialSuffix)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	w := &Writer{
		path:      path,
		inputCols: append([]string(nil), inputCols...),
		schema:    schema,
		f:         f,
		csv:       csv.NewWriter(f),
	}
	if schema.Declared() {
		if err := w.csv.Write(schema.Header(w.inputCols)); err != nil {
			w.Abort()
			return nil, fmt.Errorf("write header: %w", err)
		}
	} else {
		w.spool = json.NewEncoder(f)
	}
	return w, nil
}

// Path is the final output path.
func (w *Writer) Path() string { return w.path }

// Rows counts rows accepted so far.
func (w *Writer) Rows() int { return w.rows }

// Append adds rows in order.
func (w *Writer) Append(rows ...flatten.Row) error {
	if w.closed {
		return ErrClosed
	}
	w.rows += len(rows)
	if !w.schema.Declared() {
		w.schema.Observe(rows...)
		w.pending = append(w.pending, rows...)
		for _, r := range rows {
			if err := w.spool.Encode(spoolRecord(r)); err != nil {
				return fmt.Errorf("spool row: %w", err)
			}
		}
		return nil
	}
	for _, r := range rows {
		if err := w.csv.Write(w.schema.Record(w.inputCols, r)); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close writes any buffered rows, then renames the partial file into place.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if !w.schema.Declared() {
		if err := w.f.Truncate(0); err != nil {
			return w.fail(fmt.Errorf("reset spool: %w", err))
		}
		if _, err := w.f.Seek(0, io.SeekStart); err != nil {
			return w.fail(fmt.Errorf("reset spool: %w", err))
		}
		if err := w.csv.Write(w.schema.Header(w.inputCols)); err != nil {
			return w.fail(fmt.Errorf("write header: %w", err))
		}
		for _, r := range w.pending {
			if err := w.csv.Write(w.schema.Record(w.inputCols, r)); err != nil {
				return w.fail(fmt.Errorf("write row: %w", err))
			}
		}
		w.pending = nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return w.fail(fmt.Errorf("flush output: %w", err))
	}
	if err := w.f.Close(); err != nil {
		return w.fail(fmt.Errorf("close output: %w", err))
	}
	if err := os.Rename(w.path+PartialSuffix, w.path); err != nil {
		return w.fail(fmt.Errorf("publish output: %w", err))
	}
	w.f = nil
	logging.Logger().Info("output_written", "component", "output", "path", w.path, "rows", w.rows)
	return nil
}

// Abort discards the partial file. It is safe to call after Close.
func (w *Writer) Abort() {
	if w.closed && w.f == nil {
		return
	}
	w.closed = true
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	_ = os.Remove(w.path + PartialSuffix)
}

func (w *Writer) fail(err error) error {
	w.Abort()
	return err
}

// spooled is the on-disk form of a row before the column set is final.
type spooled struct {
	Row             int                `json:"row"`
	Fields          map[string]string  `json:"fields"`
	Risk            string             `json:"risk,omitempty"`
	Score           *float64           `json:"score,omitempty"`
	RiskReason      string             `json:"risk_reason,omitempty"`
	ClusterName     string             `json:"cluster_name,omitempty"`
	ClusterCategory string             `json:"cluster_category,omitempty"`
	Identification  map[string]string  `json:"identification,omitempty"`
	Exposures       map[string]float64 `json:"exposures,omitempty"`
	Error           string             `json:"error,omitempty"`
	ErrorDetail     string             `json:"error_detail,omitempty"`
}

func spoolRecord(r flatten.Row) spooled {
	return spooled{
		Row:             r.Input.Index,
		Fields:          r.Input.Fields,
		Risk:            r.Risk,
		Score:           r.Score,
		RiskReason:      r.RiskReason,
		ClusterName:     r.ClusterName,
		ClusterCategory: r.ClusterCategory,
		Identification:  r.Identification,
		Exposures:       r.Exposures,
		Error:           r.ErrCode,
		ErrorDetail:     r.ErrDetail,
	}
}
