package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AIAleph/addrscreen/internal/address"
	"github.com/AIAleph/addrscreen/internal/screening"
)

var (
	ErrEmptyInput           = errors.New("input file has no header")
	ErrMissingAddressColumn = errors.New("input header has no address column")
)

// InputRow is one data row of the input file. Rows are immutable once read.
type InputRow struct {
	// Index is the 1-based data row number (the header is row 0).
	Index   int
	Address string
	UserID  string
	Asset   string
	// Fields echoes every input column keyed by its header name.
	Fields map[string]string
	// Err is set when the row failed local validation; it is screened as an error row.
	Err error
}

// Input is a parsed input file.
type Input struct {
	Columns []string
	Rows    []InputRow
}

// Invalid counts rows that failed local validation.
func (in Input) Invalid() int {
	n := 0
	for _, r := range in.Rows {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// ReadInputFile opens path and parses it with ReadInput.
func ReadInputFile(path string) (Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return Input{}, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return ReadInput(f)
}

// ReadInput parses a delimited file with a header row. A missing address
// column is a file-level validation error; an empty or malformed address only
// marks its own row.
func ReadInput(r io.Reader) (Input, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return Input{}, fileErr(ErrEmptyInput)
	}
	if err != nil {
		return Input{}, fileErr(err)
	}
	cols := make([]string, len(header))
	addrIdx, userIdx, assetIdx := -1, -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		cols[i] = h
		switch normalizeHeader(h) {
		case "address":
			if addrIdx < 0 {
				addrIdx = i
			}
		case "user_id", "userid":
			if userIdx < 0 {
				userIdx = i
			}
		case "asset":
			if assetIdx < 0 {
				assetIdx = i
			}
		}
	}
	if addrIdx < 0 {
		return Input{}, fileErr(ErrMissingAddressColumn)
	}

	in := Input{Columns: cols}
	for idx := 1; ; idx++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Input{}, fileErr(fmt.Errorf("row %d: %w", idx, err))
		}
		row := InputRow{Index: idx, Fields: make(map[string]string, len(cols))}
		for i, c := range cols {
			if _, dup := row.Fields[c]; dup {
				continue
			}
			row.Fields[c] = field(rec, i)
		}
		row.Address = strings.TrimSpace(field(rec, addrIdx))
		row.UserID = strings.TrimSpace(field(rec, userIdx))
		row.Asset = strings.TrimSpace(field(rec, assetIdx))
		if err := address.Validate(row.Address); err != nil {
			row.Err = &screening.Error{
				Op:     "read_input",
				Kind:   screening.KindValidation,
				Detail: fmt.Sprintf("row %d", idx),
				Err:    err,
			}
		}
		in.Rows = append(in.Rows, row)
	}
	return in, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func normalizeHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

func fileErr(err error) error {
	return &screening.Error{Op: "read_input", Kind: screening.KindValidation, Err: err}
}
