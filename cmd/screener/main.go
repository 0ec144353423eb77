package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/AIAleph/addrscreen/internal/batch"
	cfgpkg "github.com/AIAleph/addrscreen/internal/config"
	"github.com/AIAleph/addrscreen/internal/csvio"
	"github.com/AIAleph/addrscreen/internal/flatten"
	"github.com/AIAleph/addrscreen/internal/logging"
	"github.com/AIAleph/addrscreen/internal/output"
	"github.com/AIAleph/addrscreen/internal/screening"
	"github.com/AIAleph/addrscreen/internal/storage"
	"github.com/AIAleph/addrscreen/internal/telemetry"
)

const defaultOutput = "results/screening_results.csv"

// uploader is the part of storage.Mirror the CLI needs.
type uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

var (
	// version is set via -ldflags "-X main.version=..."
	version = "dev"
	// exit is aliased to os.Exit to allow overriding in tests.
	exit = os.Exit
	// function variables allow tests to inject stubs
	newScreener func(cfg cfgpkg.Config) (batch.Screener, error)
	newMirror   func(ctx context.Context, opts storage.Options) (uploader, error)
)

func defaultNewScreener(cfg cfgpkg.Config) (batch.Screener, error) {
	return screening.New(screening.Options{
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		AuthScheme:   cfg.AuthScheme,
		RegisterPath: cfg.RegisterPath,
		StatusPath:   cfg.StatusPath,
		HTTPTimeout:  cfg.HTTPTimeout,
		Retries:      cfg.HTTPRetries,
		BackoffBase:  cfg.HTTPBackoffBase,
		BackoffMax:   cfg.HTTPBackoffMax,
	}, nil)
}

func defaultNewMirror(ctx context.Context, opts storage.Options) (uploader, error) {
	return storage.New(ctx, opts)
}

func wireDefaults() {
	newScreener = defaultNewScreener
	newMirror = defaultNewMirror
}

func init() { wireDefaults() }

// printUsage prints a detailed CLI help with env mappings and examples.
func printUsage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "\nUsage:\n  %s [flags] <input.csv> [output.csv]\n\n", os.Args[0])
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
	fmt.Fprintln(out, "\nEnvironment variables (defaults):")
	fmt.Fprintln(out, "  API_KEY               Screening API key [required]")
	fmt.Fprintln(out, "  API_BASE_URL          API base URL (default "+cfgpkg.DefaultBaseURL+")")
	fmt.Fprintln(out, "  API_REGISTER_PATH     Registration path (default "+cfgpkg.DefaultRegisterPath+")")
	fmt.Fprintln(out, "  API_STATUS_PATH       Status path with {id} (default "+cfgpkg.DefaultStatusPath+")")
	fmt.Fprintln(out, "  API_AUTH_SCHEME       bearer | token (default bearer)")
	fmt.Fprintln(out, "  POLL_INTERVAL         Delay between status polls (default 2s)")
	fmt.Fprintln(out, "  POLL_TIMEOUT          Per-address completion deadline (default 2m)")
	fmt.Fprintln(out, "  HTTP_TIMEOUT          Per-request timeout (default 60s)")
	fmt.Fprintln(out, "  HTTP_RETRIES          Retries on 5xx/429/network (default 3)")
	fmt.Fprintln(out, "  HTTP_BACKOFF_BASE     Backoff base for retries (default 200ms)")
	fmt.Fprintln(out, "  HTTP_BACKOFF_MAX      Backoff cap (default 5s)")
	fmt.Fprintln(out, "  IDENTIFICATION_FIELDS Fixed identification columns, comma separated (optional)")
	fmt.Fprintln(out, "  LOG_LEVEL/LOG_FORMAT  debug|info|warn|error, json|text (default info, json)")
	fmt.Fprintln(out, "  LOG_FILE              Log file, or stderr (default logs/progress.log)")
	fmt.Fprintln(out, "  MIRROR_ENDPOINT       S3-compatible endpoint for an output copy (optional)")
	fmt.Fprintln(out, "  MIRROR_BUCKET/PREFIX  Bucket and key prefix for the copy")
	fmt.Fprintln(out, "  SCREEN_CONFIG         YAML config file applied under the environment (optional)")
	fmt.Fprintln(out, "  DOTENV_PATH           .env file to load (default .env)")
	fmt.Fprintln(out, "\nExamples:")
	fmt.Fprintln(out, "  Screen a file into the default output:")
	fmt.Fprintln(out, "    screener addresses.csv")
	fmt.Fprintln(out, "  Show the plan without calling the API:")
	fmt.Fprintln(out, "    screener --dry-run addresses.csv out.csv")
}

// Batch screening entrypoint: read addresses, screen each, write one CSV.
func main() {
	defaults, err := cfgpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		exit(2)
		return
	}
	var (
		input        string
		outPath      string
		baseURL      string
		pollInterval time.Duration
		pollTimeout  time.Duration
		fields       string
		logLevel     string
		logFile      string
		noMirror     bool
		dryRun       bool
		showVersion  bool
	)

	flag.Usage = printUsage
	flag.StringVar(&input, "input", "", "Input CSV with an address column (or first positional argument)")
	flag.StringVar(&outPath, "output", "", "Output CSV (or second positional argument; default "+defaultOutput+")")
	flag.StringVar(&baseURL, "api-url", defaults.BaseURL, "Screening API base URL (API_BASE_URL)")
	flag.DurationVar(&pollInterval, "poll-interval", defaults.PollInterval, "Delay between status polls (POLL_INTERVAL)")
	flag.DurationVar(&pollTimeout, "poll-timeout", defaults.PollTimeout, "Per-address completion deadline (POLL_TIMEOUT)")
	flag.StringVar(&fields, "fields", strings.Join(defaults.IdentificationFields, ","), "Fixed identification columns; rows then stream straight to the CSV (IDENTIFICATION_FIELDS)")
	flag.StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (LOG_LEVEL)")
	flag.StringVar(&logFile, "log-file", defaults.LogFile, "Log file, empty or - for stderr (LOG_FILE)")
	flag.BoolVar(&noMirror, "no-mirror", false, "Skip the bucket copy even if MIRROR_* is set")
	flag.BoolVar(&dryRun, "dry-run", false, "Print plan and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		exit(2)
		return
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	args := flag.Args()
	if input == "" && len(args) > 0 {
		input, args = args[0], args[1:]
	}
	if outPath == "" && len(args) > 0 {
		outPath, args = args[0], args[1:]
	}
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %s\n", strings.Join(args, " "))
		exit(2)
		return
	}
	if input == "" {
		fmt.Fprintln(os.Stderr, "missing input file; see --help")
		exit(2)
		return
	}
	if outPath == "" {
		outPath = defaultOutput
	}
	if pollInterval <= 0 || pollTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "--poll-interval and --poll-timeout must be > 0")
		exit(2)
		return
	}

	cfg := defaults
	cfg.BaseURL = baseURL
	cfg.PollInterval = pollInterval
	cfg.PollTimeout = pollTimeout
	cfg.IdentificationFields = cfgpkg.SplitList(fields)
	cfg.LogLevel = logLevel
	cfg.LogFile = logFile
	if cfg.LogFile == "-" {
		cfg.LogFile = ""
	}
	if noMirror {
		cfg.Mirror = cfgpkg.Mirror{}
	}

	if dryRun {
		printPlan(cfg, input, outPath)
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		exit(2)
		return
	}
	closer, err := logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup error: %v\n", err)
		exit(1)
		return
	}
	defer closer.Close()
	shutdown := telemetry.Install(telemetry.NewLogExporter(logging.Logger))
	defer func() { _ = shutdown(context.Background()) }()

	if code := run(cfg, input, outPath); code != 0 {
		_ = shutdown(context.Background())
		_ = closer.Close()
		exit(code)
	}
}

// run executes one batch and returns the process exit code.
func run(cfg cfgpkg.Config, input, outPath string) int {
	log := logging.Logger().With("component", "cli")
	in, err := csvio.ReadInputFile(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
		log.Error("input_rejected", "path", input, "error", err.Error())
		return 1
	}
	log.Info("batch_started",
		"input", input,
		"output", outPath,
		"rows", len(in.Rows),
		"invalid_rows", in.Invalid(),
		"api", cfg.BaseURL,
		"api_key", cfgpkg.RedactKey(cfg.APIKey),
	)

	scr, err := newScreener(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client error: %v\n", err)
		return 1
	}
	schema := flatten.NewSchema()
	if len(cfg.IdentificationFields) > 0 {
		schema = flatten.DeclaredSchema(cfg.IdentificationFields)
	}
	w, err := output.Create(outPath, in.Columns, schema)
	if err != nil {
		fmt.Fprintf(os.Stderr, "output error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := batch.New(scr, w, batch.Options{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
		Progress:     progressPrinter(),
	})
	if err != nil {
		w.Abort()
		fmt.Fprintf(os.Stderr, "batch error: %v\n", err)
		return 1
	}
	sum, runErr := d.Run(ctx, in.Rows)
	fmt.Fprintln(os.Stderr)

	interrupted := runErr != nil && screening.IsContextErr(runErr) && ctx.Err() != nil
	if runErr != nil && !interrupted {
		w.Abort()
		if errors.Is(runErr, screening.ErrAuth) {
			fmt.Fprintf(os.Stderr, "authentication failed, no output written: %v\n", runErr)
		} else {
			fmt.Fprintf(os.Stderr, "batch failed, no output written: %v\n", runErr)
		}
		return 1
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "output error: %v\n", err)
		return 1
	}
	printSummary(sum, w.Path())
	if interrupted {
		fmt.Fprintf(os.Stderr, "interrupted: partial output with %d of %d rows written to %s\n", sum.Succeeded+sum.Failed, sum.Total, w.Path())
		return 1
	}

	if cfg.Mirror.Enabled() {
		mctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := mirrorOutput(mctx, cfg.Mirror, w.Path()); err != nil {
			// the local file is complete; a failed copy is reported but not fatal
			fmt.Fprintf(os.Stderr, "mirror warning: %v\n", err)
			log.Warn("mirror_failed", "error", err.Error())
		}
	}
	fmt.Println(w.Path())
	return 0
}

func mirrorOutput(ctx context.Context, m cfgpkg.Mirror, path string) error {
	up, err := newMirror(ctx, storage.Options{
		Endpoint:  m.Endpoint,
		Region:    m.Region,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
	})
	if err != nil {
		return err
	}
	url, err := up.Upload(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "mirrored to %s\n", url)
	return nil
}

func progressPrinter() func(done, total int) {
	return func(done, total int) {
		pct := 100
		if total > 0 {
			pct = done * 100 / total
		}
		fmt.Fprintf(os.Stderr, "\rscreening %d/%d (%d%%)", done, total, pct)
	}
}

func printSummary(sum batch.Summary, path string) {
	fmt.Fprintf(os.Stderr, "screened %d addresses: %d ok, %d failed, %d output rows in %s\n",
		sum.Total, sum.Succeeded, sum.Failed, sum.OutputRows, sum.Elapsed.Round(time.Millisecond))
	if len(sum.FailuresByCode) > 0 {
		codes := make([]string, 0, len(sum.FailuresByCode))
		for c := range sum.FailuresByCode {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		for _, c := range codes {
			fmt.Fprintf(os.Stderr, "  %s: %d\n", c, sum.FailuresByCode[c])
		}
	}
	fmt.Fprintf(os.Stderr, "results: %s\n", path)
}

// printPlan writes the resolved run as JSON without touching the network.
func printPlan(cfg cfgpkg.Config, input, outPath string) {
	plan := map[string]any{
		"input":                 input,
		"output":                outPath,
		"api_url":               cfg.BaseURL,
		"register_path":         cfg.RegisterPath,
		"status_path":           cfg.StatusPath,
		"auth_scheme":           cfg.AuthScheme,
		"api_key":               cfgpkg.RedactKey(cfg.APIKey),
		"poll_interval":         cfg.PollInterval.String(),
		"poll_timeout":          cfg.PollTimeout.String(),
		"http_retries":          cfg.HTTPRetries,
		"identification_fields": cfg.IdentificationFields,
		"log_file":              cfg.LogFile,
		"mirror":                cfg.Mirror.Enabled(),
	}
	if in, err := csvio.ReadInputFile(input); err == nil {
		plan["rows"] = len(in.Rows)
		plan["invalid_rows"] = in.Invalid()
	} else {
		plan["input_error"] = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(plan)
}
