package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AIAleph/addrscreen/internal/address"
	"github.com/AIAleph/addrscreen/internal/csvio"
	"github.com/AIAleph/addrscreen/internal/flatten"
	"github.com/AIAleph/addrscreen/internal/logging"
	"github.com/AIAleph/addrscreen/internal/screening"
)

// stubScreener answers per address and records the requests it saw.
type stubScreener struct {
	results map[string]screening.Result
	errs    map[string]error
	seen    []screening.Request
	onCall  func(req screening.Request)
}

func (s *stubScreener) Screen(_ context.Context, req screening.Request, _, _ time.Duration) (screening.Result, error) {
	s.seen = append(s.seen, req)
	if s.onCall != nil {
		s.onCall(req)
	}
	if err, ok := s.errs[req.Address]; ok {
		return screening.Result{}, err
	}
	if res, ok := s.results[req.Address]; ok {
		return res, nil
	}
	return screening.Result{Address: req.Address, Risk: "low"}, nil
}

type failingSink struct{}

func (failingSink) Append(...flatten.Row) error { return errors.New("disk full") }

func rowsFor(addrs ...string) []csvio.InputRow {
	out := make([]csvio.InputRow, len(addrs))
	for i, a := range addrs {
		out[i] = csvio.InputRow{Index: i + 1, Address: a, Fields: map[string]string{"address": a}}
	}
	return out
}

func newDriver(t *testing.T, s Screener, sink Sink, opts Options) *Driver {
	t.Helper()
	logging.DiscardLogging()
	d, err := New(s, sink, opts)
	require.NoError(t, err)
	return d
}

func TestRun_TwoIdentificationsPlusTimeout(t *testing.T) {
	s := &stubScreener{
		results: map[string]screening.Result{
			"A": {Address: "A", Risk: "high", Identifications: []screening.Identification{
				{"category": "sanctions", "name": "one"},
				{"category": "scam", "name": "two"},
			}},
		},
		errs: map[string]error{
			"B": &screening.Error{Op: "poll", Kind: screening.KindTimeout, Detail: "still pending"},
		},
	}
	sink := &Collector{}
	var progress [][2]int
	d := newDriver(t, s, sink, Options{Progress: func(done, total int) { progress = append(progress, [2]int{done, total}) }})

	sum, err := d.Run(context.Background(), rowsFor("A", "B"))
	require.NoError(t, err)
	require.Len(t, sink.Rows, 3)
	assert.Equal(t, "one", sink.Rows[0].Identification["name"])
	assert.Equal(t, "two", sink.Rows[1].Identification["name"])
	assert.Equal(t, "B", sink.Rows[2].Input.Address)
	assert.Equal(t, string(screening.KindTimeout), sink.Rows[2].ErrCode)

	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 3, sum.OutputRows)
	assert.Equal(t, map[string]int{"timeout": 1}, sum.FailuresByCode)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, progress)
}

func TestRun_FailureIsolationKeepsOrder(t *testing.T) {
	s := &stubScreener{errs: map[string]error{
		"B": &screening.Error{Op: "register", Kind: screening.KindTransport, Status: 503},
		"D": &screening.Error{Op: "poll", Kind: screening.KindScreeningFailed, Detail: "unsupported asset"},
	}}
	sink := &Collector{}
	d := newDriver(t, s, sink, Options{})

	sum, err := d.Run(context.Background(), rowsFor("A", "B", "C", "D", "E"))
	require.NoError(t, err)
	require.Len(t, sink.Rows, 5)
	for i, want := range []string{"A", "B", "C", "D", "E"} {
		assert.Equal(t, want, sink.Rows[i].Input.Address)
	}
	assert.Equal(t, "transport", sink.Rows[1].ErrCode)
	assert.Equal(t, "screening_failed", sink.Rows[3].ErrCode)
	assert.Contains(t, sink.Rows[3].ErrDetail, "unsupported asset")
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, s.seen, 5)
}

func TestRun_InvalidRowsSkipNetwork(t *testing.T) {
	rows := rowsFor("", "A")
	rows[0].Err = &screening.Error{Op: "read_input", Kind: screening.KindValidation, Detail: "row 1", Err: address.ErrEmpty}
	s := &stubScreener{}
	sink := &Collector{}
	d := newDriver(t, s, sink, Options{})

	sum, err := d.Run(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, sink.Rows, 2)
	assert.Equal(t, "validation", sink.Rows[0].ErrCode)
	assert.Contains(t, sink.Rows[0].ErrDetail, "row 1")
	require.Len(t, s.seen, 1)
	assert.Equal(t, "A", s.seen[0].Address)
	assert.Equal(t, map[string]int{"validation": 1}, sum.FailuresByCode)
}

func TestRun_AuthIsFatal(t *testing.T) {
	s := &stubScreener{errs: map[string]error{
		"B": &screening.Error{Op: "register", Kind: screening.KindAuth, Status: 401},
	}}
	sink := &Collector{}
	d := newDriver(t, s, sink, Options{})

	sum, err := d.Run(context.Background(), rowsFor("A", "B", "C"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, screening.ErrAuth))
	assert.Len(t, sink.Rows, 1, "rows before the failure stay in the sink")
	assert.Len(t, s.seen, 2, "no row after the auth failure is attempted")
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
}

func TestRun_CancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &stubScreener{onCall: func(req screening.Request) {
		if req.Address == "B" {
			cancel()
		}
	}}
	s.errs = map[string]error{"B": &screening.Error{Op: "poll", Kind: screening.KindTransport, Err: context.Canceled}}
	sink := &Collector{}
	d := newDriver(t, s, sink, Options{})

	_, err := d.Run(ctx, rowsFor("A", "B", "C"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sink.Rows, 1)
	assert.Len(t, s.seen, 2)
}

func TestRun_SinkErrorStops(t *testing.T) {
	d := newDriver(t, &stubScreener{}, failingSink{}, Options{})
	_, err := d.Run(context.Background(), rowsFor("A", "B"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRun_ReferencesAndRequestFields(t *testing.T) {
	rows := rowsFor("A", "B")
	rows[0].Asset, rows[0].UserID = "ETH", "u1"
	s := &stubScreener{}
	n := 0
	d := newDriver(t, s, &Collector{}, Options{
		PollInterval: time.Second,
		PollTimeout:  time.Minute,
		NewReference: func() string { n++; return fmt.Sprintf("ref-%d", n) },
	})
	_, err := d.Run(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, s.seen, 2)
	assert.Equal(t, screening.Request{Address: "A", Asset: "ETH", UserID: "u1", Reference: "ref-1"}, s.seen[0])
	assert.Equal(t, "ref-2", s.seen[1].Reference)
}

func TestRun_DefaultReferenceIsUUID(t *testing.T) {
	s := &stubScreener{}
	d := newDriver(t, s, &Collector{}, Options{})
	_, err := d.Run(context.Background(), rowsFor("A", "B"))
	require.NoError(t, err)
	require.Len(t, s.seen, 2)
	assert.Len(t, s.seen[0].Reference, 36)
	assert.NotEqual(t, s.seen[0].Reference, s.seen[1].Reference)
}

func TestRun_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	s := &stubScreener{errs: map[string]error{
		"B": &screening.Error{Op: "poll", Kind: screening.KindTimeout},
	}}
	d := newDriver(t, s, &Collector{}, Options{Tracer: tp.Tracer("test")})

	_, err := d.Run(context.Background(), rowsFor("A", "B"))
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "screen_row", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "timeout", spans[1].Status().Description)

	attrs := map[string]string{}
	for _, kv := range spans[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "B", attrs["row.address"])
	assert.Equal(t, "timeout", attrs["row.outcome"])
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &Collector{}, Options{})
	assert.Error(t, err)
	_, err = New(&stubScreener{}, nil, Options{})
	assert.Error(t, err)
}
