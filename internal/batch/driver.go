// Package batch drives a screening run: one row at a time, in input order,
// isolating per-row failures as error rows.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AIAleph/addrscreen/internal/csvio"
	"github.com/AIAleph/addrscreen/internal/flatten"
	"github.com/AIAleph/addrscreen/internal/logging"
	"github.com/AIAleph/addrscreen/internal/screening"
)

const instrumentationName = "github.com/AIAleph/addrscreen/internal/batch"

// Screener resolves one request to a completed result.
type Screener interface {
	Screen(ctx context.Context, req screening.Request, interval, timeout time.Duration) (screening.Result, error)
}

// Sink receives flattened rows in output order.
type Sink interface {
	Append(rows ...flatten.Row) error
}

// Options configure a run of the driver.
type Options struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Progress, if set, is called after each input row with rows done so far.
	Progress func(done, total int)
	// NewReference mints the per-row idempotency reference (uuid by default).
	NewReference func() string
	Tracer       trace.Tracer
	Meter        metric.Meter
}

// Summary reports the outcome of a run.
type Summary struct {
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	OutputRows     int            `json:"output_rows"`
	FailuresByCode map[string]int `json:"failures_by_code,omitempty"`
	Elapsed        time.Duration  `json:"elapsed"`
}

// Driver runs a batch against a Screener and writes to a Sink.
type Driver struct {
	screener Screener
	sink     Sink
	opts     Options
	tracer   trace.Tracer
	rowsCtr  metric.Int64Counter
}

// New returns a Driver. A nil Tracer or Meter falls back to the global providers.
func New(s Screener, sink Sink, opts Options) (*Driver, error) {
	if s == nil {
		return nil, errors.New("batch: nil screener")
	}
	if sink == nil {
		return nil, errors.New("batch: nil sink")
	}
	if opts.NewReference == nil {
		opts.NewReference = uuid.NewString
	}
	d := &Driver{screener: s, sink: sink, opts: opts, tracer: opts.Tracer}
	if d.tracer == nil {
		d.tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	ctr, err := meter.Int64Counter(
		"addrscreen.rows",
		metric.WithDescription("Input rows processed, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rows counter: %w", err)
	}
	d.rowsCtr = ctr
	return d, nil
}

// Run screens rows sequentially. Per-row failures become error rows and the
// run continues; an auth failure or a cancelled context stops it. Rows handed
// to the sink before the stop are left there.
func (d *Driver) Run(ctx context.Context, rows []csvio.InputRow) (Summary, error) {
	start := time.Now()
	sum := Summary{Total: len(rows), FailuresByCode: map[string]int{}}
	log := logging.Logger().With("component", "batch")

	finish := func(err error) (Summary, error) {
		sum.Elapsed = time.Since(start)
		log.Info("batch_finished",
			"total", sum.Total,
			"succeeded", sum.Succeeded,
			"failed", sum.Failed,
			"output_rows", sum.OutputRows,
			"elapsed_ms", sum.Elapsed.Milliseconds(),
			"stopped", err != nil,
		)
		return sum, err
	}

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		out, err := d.screenRow(ctx, row)
		if err != nil {
			if screening.IsFatal(err) {
				log.Error("batch_aborted", "row", row.Index, "error", err.Error())
				return finish(err)
			}
			if screening.IsContextErr(err) && ctx.Err() != nil {
				return finish(ctx.Err())
			}
			code := string(screening.KindOf(err))
			sum.Failed++
			sum.FailuresByCode[code]++
			log.Warn("row_failed", "row", row.Index, "address", row.Address, "code", code, "error", err.Error())
			out = []flatten.Row{flatten.ErrorRow(row, code, err.Error())}
		} else {
			sum.Succeeded++
		}
		if err := d.sink.Append(out...); err != nil {
			return finish(fmt.Errorf("write rows for row %d: %w", row.Index, err))
		}
		sum.OutputRows += len(out)
		if d.opts.Progress != nil {
			d.opts.Progress(i+1, len(rows))
		}
	}
	return finish(nil)
}

func (d *Driver) screenRow(ctx context.Context, row csvio.InputRow) (out []flatten.Row, err error) {
	ctx, span := d.tracer.Start(ctx, "screen_row", trace.WithAttributes(
		attribute.Int("row.index", row.Index),
		attribute.String("row.address", row.Address),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(screening.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("row.outcome", outcome), attribute.Int("row.output_rows", len(out)))
		span.End()
		d.rowsCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	if row.Err != nil {
		return nil, row.Err
	}
	req := screening.Request{
		Address:   row.Address,
		Asset:     row.Asset,
		UserID:    row.UserID,
		Reference: d.opts.NewReference(),
	}
	res, err := d.screener.Screen(ctx, req, d.opts.PollInterval, d.opts.PollTimeout)
	if err != nil {
		return nil, err
	}
	out = flatten.Flatten(row, res)
	logging.Logger().Debug("row_screened",
		"component", "batch",
		"row", row.Index,
		"address", row.Address,
		"risk", res.Risk,
		"identifications", len(res.Identifications),
	)
	return out, nil
}

// Collector is an in-memory Sink.
type Collector struct {
	Rows []flatten.Row
}

func (c *Collector) Append(rows ...flatten.Row) error {
	c.Rows = append(c.Rows, rows...)
	return nil
}
