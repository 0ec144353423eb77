package screening

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AIAleph/addrscreen/internal/logging"
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configure a Client. Zero values fall back to the defaults in New.
type Options struct {
	BaseURL      string
	APIKey       string
	AuthScheme   string // "bearer" (default) or "token"
	RegisterPath string
	StatusPath   string // must contain {id}
	HTTPTimeout  time.Duration
	Retries      int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Client drives the register-then-poll protocol of the screening API. It keeps
// no state between calls beyond its configuration.
type Client struct {
	base         *url.URL
	apiKey       string
	authScheme   string
	registerPath string
	statusPath   string
	hc           httpDoer
	clock        Clock
	maxRetries   int
	backoffBase  time.Duration
	backoffMax   time.Duration
}

// New validates opts and builds a Client using the given http.Client (or a
// default one with opts.HTTPTimeout if nil).
func New(opts Options, client *http.Client) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("empty base url")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	if opts.StatusPath == "" {
		opts.StatusPath = "/api/risk/v2/entities/{id}"
	}
	if !strings.Contains(opts.StatusPath, "{id}") {
		return nil, fmt.Errorf("status path %q has no {id} placeholder", opts.StatusPath)
	}
	if opts.RegisterPath == "" {
		opts.RegisterPath = "/api/risk/v2/entities"
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = "bearer"
	}
	if client == nil {
		timeout := opts.HTTPTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	c := &Client{
		base:         base,
		apiKey:       opts.APIKey,
		authScheme:   strings.ToLower(opts.AuthScheme),
		registerPath: opts.RegisterPath,
		statusPath:   opts.StatusPath,
		hc:           client,
		clock:        SystemClock{},
		maxRetries:   opts.Retries,
		backoffBase:  opts.BackoffBase,
		backoffMax:   opts.BackoffMax,
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 200 * time.Millisecond
	}
	if c.backoffMax < c.backoffBase {
		c.backoffMax = c.backoffBase
	}
	return c, nil
}

// WithClock swaps the time source; intended for tests and simulations.
func (c *Client) WithClock(clk Clock) *Client {
	c.clock = clk
	return c
}

type registerBody struct {
	Address string `json:"address"`
	Asset   string `json:"asset,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// Submit registers req with the remote service and returns the job handle.
func (c *Client) Submit(ctx context.Context, req Request) (Handle, error) {
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		return Handle{}, &Error{Op: "register", Kind: KindValidation, Detail: "empty address"}
	}
	body, _ := json.Marshal(registerBody{Address: addr, Asset: req.Asset, UserID: req.UserID})
	headers := map[string]string{}
	if req.Reference != "" {
		headers["Idempotency-Key"] = req.Reference
	}
	raw, err := c.do(ctx, "register", http.MethodPost, c.registerPath, body, headers)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{ID: addr, Address: addr, Reference: req.Reference, SubmittedAt: c.clock.Now()}
	if len(bytes.TrimSpace(raw)) > 0 {
		var w wireResult
		if err := json.Unmarshal(raw, &w); err != nil {
			return Handle{}, &Error{Op: "register", Kind: KindTransport, Detail: "undecodable response", Err: err}
		}
		if id := w.jobID(); id != "" {
			h.ID = id
		}
	}
	return h, nil
}

// Await polls the job every interval until it completes, fails, or timeout
// elapses while it is still pending.
func (c *Client) Await(ctx context.Context, h Handle, interval, timeout time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	start := c.clock.Now()
	deadline := start.Add(timeout)
	path := strings.ReplaceAll(c.statusPath, "{id}", url.PathEscape(h.ID))
	polls := 0
	for {
		raw, err := c.do(ctx, "poll", http.MethodGet, path, nil, nil)
		if err != nil {
			return Result{}, err
		}
		polls++
		var w wireResult
		if err := json.Unmarshal(raw, &w); err != nil {
			return Result{}, &Error{Op: "poll", Kind: KindTransport, Detail: "undecodable response", Err: err}
		}
		switch w.status() {
		case StatusComplete:
			logging.Logger().Debug("screening_complete",
				"component", "screening.client",
				"job_id", h.ID,
				"polls", polls,
				"elapsed_ms", c.clock.Now().Sub(start).Milliseconds(),
			)
			return w.result(h.Address), nil
		case StatusFailed:
			return Result{}, &Error{Op: "poll", Kind: KindScreeningFailed, Detail: w.errorDetail()}
		}
		now := c.clock.Now()
		if !now.Before(deadline) {
			return Result{}, &Error{
				Op:     "poll",
				Kind:   KindTimeout,
				Detail: fmt.Sprintf("job %s still pending after %s (%d polls)", h.ID, timeout, polls),
			}
		}
		wait := interval
		if rem := deadline.Sub(now); rem < wait {
			wait = rem
		}
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return Result{}, err
		}
	}
}

// Screen is Submit followed by Await.
func (c *Client) Screen(ctx context.Context, req Request, interval, timeout time.Duration) (Result, error) {
	h, err := c.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return c.Await(ctx, h, interval, timeout)
}

func (c *Client) endpoint(path string) string {
	// path is already escaped; concatenate rather than round-trip through url.URL
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// do performs one logical HTTP call. Network errors, 429 and 5xx are retried
// with capped exponential backoff; 401/403 and other 4xx are returned at once.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	target := c.endpoint(path)
	var lastErr error
	attempts := c.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return nil, &Error{Op: op, Kind: KindTransport, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.authorize(req)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = &Error{Op: op, Kind: KindTransport, Err: err}
		} else {
			b, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			sc := resp.StatusCode
			switch {
			case sc/100 == 2 && readErr == nil:
				return b, nil
			case sc/100 == 2:
				lastErr = &Error{Op: op, Kind: KindTransport, Status: sc, Err: readErr}
			case sc == http.StatusUnauthorized || sc == http.StatusForbidden:
				return nil, &Error{Op: op, Kind: KindAuth, Status: sc, Detail: remoteDetail(b)}
			case sc == http.StatusTooManyRequests || sc >= 500:
				lastErr = &Error{Op: op, Kind: KindTransport, Status: sc, Detail: remoteDetail(b)}
			default:
				return nil, &Error{Op: op, Kind: KindValidation, Status: sc, Detail: remoteDetail(b)}
			}
		}
		if attempt < attempts-1 {
			logging.Logger().Warn("screening_retry",
				"component", "screening.client",
				"op", op,
				"attempt", attempt+1,
				"error", lastErr.Error(),
			)
			if err := c.clock.Sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase
	for i := 0; i < attempt && d < c.backoffMax; i++ {
		d *= 2
	}
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	if c.authScheme == "token" {
		req.Header.Set("Token", c.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// remoteDetail extracts a message from an error body, falling back to a
// truncated raw body.
func remoteDetail(b []byte) string {
	var w wireResult
	if err := json.Unmarshal(b, &w); err == nil {
		if d := w.errorDetail(); d != "" {
			return d
		}
	}
	return truncate(strings.TrimSpace(string(b)), 200)
}

// IsContextErr reports whether err came from ctx cancellation or deadline.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
