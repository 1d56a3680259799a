package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"coldchain-cloud/internal/alerts/application"
	"coldchain-cloud/internal/auth"
	"coldchain-cloud/internal/logging"

	"go.uber.org/zap"
)

// sensor_sim replays synthetic storage-unit readings against a running API.
// Readings go to the signed gateway route when an ingest secret is set,
// otherwise to /api/v1/readings with a bearer token.

type config struct {
	baseURL      string
	token        string
	ingestSecret string
	unitPrefix   string
	unitCount    int
	start        string
	duration     time.Duration
	interval     time.Duration
	baseline     float64
	jitter       float64
	excursionAt  time.Duration
	excursionFor time.Duration
	excursionTo  float64
	doorAt       time.Duration
	doorFor      time.Duration
	batchSize    int
	seed         uint64
	dryRun       bool
}

func main() {
	cfg := parseConfig()
	logger, err := logging.NewLogger("", envOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validate(cfg); err != nil {
		logger.Fatal("invalid flags", zap.Error(err))
	}
	start, err := parseStart(cfg.start, cfg.duration)
	if err != nil {
		logger.Fatal("invalid start", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	readings := generate(cfg, start)
	logger.Info("generated readings",
		zap.Int("units", cfg.unitCount),
		zap.Int("readings", len(readings)),
		zap.Time("start", start),
	)
	if cfg.dryRun {
		enc := json.NewEncoder(os.Stdout)
		for _, reading := range readings {
			_ = enc.Encode(reading)
		}
		return
	}

	client := &http.Client{Timeout: 15 * time.Second}
	var accepted, rejected, failed int
	for from := 0; from < len(readings); from += cfg.batchSize {
		to := min(from+cfg.batchSize, len(readings))
		result, err := post(ctx, client, cfg, readings[from:to])
		if err != nil {
			logger.Fatal("post batch", zap.Int("offset", from), zap.Error(err))
		}
		accepted += result.Accepted
		rejected += len(result.Rejected)
		failed += result.Failed
		for _, rejection := range result.Rejected {
			logger.Warn("reading rejected",
				zap.String("unit_id", rejection.UnitID),
				zap.String("reason", string(rejection.Reason)),
			)
		}
	}
	logger.Info("replay completed",
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Int("failed", failed),
	)
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.baseURL, "base-url", envOrDefault("BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.token, "token", envOrDefault("API_TOKEN", ""), "bearer token with operator role")
	flag.StringVar(&cfg.ingestSecret, "ingest-secret", envOrDefault("INGEST_SECRET", ""), "gateway ingest HMAC secret")
	flag.StringVar(&cfg.unitPrefix, "unit-prefix", envOrDefault("UNIT_PREFIX", "unit-sim-"), "unit id prefix")
	flag.IntVar(&cfg.unitCount, "unit-count", envOrInt("UNIT_COUNT", 3), "number of units")
	flag.StringVar(&cfg.start, "start", envOrDefault("START", ""), "first reading time (RFC3339); defaults to now minus duration")
	flag.DurationVar(&cfg.duration, "duration", 2*time.Hour, "simulated span")
	flag.DurationVar(&cfg.interval, "interval", 5*time.Minute, "reading interval per unit")
	flag.Float64Var(&cfg.baseline, "baseline", 4.0, "baseline temperature in Celsius")
	flag.Float64Var(&cfg.jitter, "jitter", 0.3, "uniform jitter around the baseline")
	flag.DurationVar(&cfg.excursionAt, "excursion-at", 0, "offset of a temperature excursion on the first unit; 0 disables")
	flag.DurationVar(&cfg.excursionFor, "excursion-for", 30*time.Minute, "excursion length")
	flag.Float64Var(&cfg.excursionTo, "excursion-to", 12.0, "excursion temperature in Celsius")
	flag.DurationVar(&cfg.doorAt, "door-at", 0, "offset of a door opening on the first unit; 0 disables")
	flag.DurationVar(&cfg.doorFor, "door-for", 10*time.Minute, "door open length")
	flag.IntVar(&cfg.batchSize, "batch-size", envOrInt("BATCH_SIZE", 50), "readings per request")
	flag.Uint64Var(&cfg.seed, "seed", 1, "random seed")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "print readings as JSON lines instead of posting")
	flag.Parse()
	return cfg
}

func validate(cfg config) error {
	switch {
	case cfg.unitCount <= 0:
		return fmt.Errorf("unit-count must be > 0")
	case cfg.interval <= 0 || cfg.duration <= 0:
		return fmt.Errorf("interval and duration must be > 0")
	case cfg.batchSize <= 0:
		return fmt.Errorf("batch-size must be > 0")
	case !cfg.dryRun && cfg.token == "" && cfg.ingestSecret == "":
		return fmt.Errorf("token or ingest-secret is required")
	}
	return nil
}

func parseStart(value string, span time.Duration) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC().Add(-span).Truncate(time.Minute), nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// generate orders readings by time across units, the way a gateway forwards them.
func generate(cfg config, start time.Time) []application.ReadingInput {
	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	steps := int(cfg.duration / cfg.interval)
	out := make([]application.ReadingInput, 0, steps*cfg.unitCount)
	for step := 0; step <= steps; step++ {
		offset := time.Duration(step) * cfg.interval
		for unit := 1; unit <= cfg.unitCount; unit++ {
			temp := cfg.baseline + (rng.Float64()*2-1)*cfg.jitter
			door := "closed"
			if unit == 1 {
				if within(offset, cfg.excursionAt, cfg.excursionFor) {
					temp = cfg.excursionTo
				}
				if within(offset, cfg.doorAt, cfg.doorFor) {
					door = "open"
				}
			}
			temp = float64(int(temp*100)) / 100
			out = append(out, application.ReadingInput{
				UnitID:      fmt.Sprintf("%s%03d", cfg.unitPrefix, unit),
				DeviceID:    fmt.Sprintf("sim-%03d", unit),
				Temperature: &temp,
				DoorState:   door,
				RecordedAt:  start.Add(offset),
			})
		}
	}
	return out
}

func within(offset, at, length time.Duration) bool {
	return at > 0 && offset >= at && offset < at+length
}

func post(ctx context.Context, client *http.Client, cfg config, batch []application.ReadingInput) (application.BatchResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return application.BatchResult{}, err
	}
	path := "/api/v1/readings"
	if cfg.ingestSecret != "" {
		path = "/api/v1/ingest/readings"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return application.BatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.ingestSecret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(auth.HeaderIngestTimestamp, ts)
		req.Header.Set(auth.HeaderIngestSignature, auth.SignIngest([]byte(cfg.ingestSecret), ts, body))
	} else {
		req.Header.Set("Authorization", "Bearer "+cfg.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return application.BatchResult{}, err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusAccepted {
		return application.BatchResult{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var result application.BatchResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return application.BatchResult{}, err
	}
	return result, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
