// Package quality runs threshold checks over warehouse row counts.
package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Level is the severity of a failed check.
type Level string

const (
	// LevelWarning failures are reported but do not fail the run.
	LevelWarning Level = "warning"
	// LevelError failures fail the run.
	LevelError Level = "error"
)

// Config holds thresholds. Min* checks fail below the value, Max* checks fail above it.
type Config struct {
	MinRawFetches       int     `mapstructure:"min_raw_fetches"`
	MinDailySnapshots   int     `mapstructure:"min_daily_snapshots"`
	MinDailyFacts       int     `mapstructure:"min_daily_facts"`
	MaxPriceNullRatio   float64 `mapstructure:"max_price_null_ratio"`
	MaxMissingMakeModel int     `mapstructure:"max_missing_make_model"`
	CountsAreErrors     bool    `mapstructure:"counts_are_errors"`
}

// DefaultConfig mirrors the hourly schedule: empty days only warn.
func DefaultConfig() Config {
	return Config{MaxPriceNullRatio: 0.5}
}

// Result is one evaluated check.
type Result struct {
	Name      string  `json:"name"`
	Level     Level   `json:"level"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

// Report is the outcome of a run.
type Report struct {
	Day      time.Time               `json:"day"`
	Counts   warehouse.QualityCounts `json:"counts"`
	Results  []Result                `json:"results"`
	Warnings int                     `json:"warnings"`
	Errors   int                     `json:"errors"`
}

// ErrChecksFailed is returned by Err when an error-level check failed.
var ErrChecksFailed = errors.New("data quality checks failed")

// Err returns ErrChecksFailed listing the failed error-level checks, or nil.
func (r Report) Err() error {
	if r.Errors == 0 {
		return nil
	}
	var names []string
	for _, res := range r.Results {
		if !res.Passed && res.Level == LevelError {
			names = append(names, fmt.Sprintf("%s=%g (limit %g)", res.Name, res.Value, res.Threshold))
		}
	}
	return fmt.Errorf("%w: %s", ErrChecksFailed, strings.Join(names, ", "))
}

// Checker evaluates checks for a calendar day.
type Checker struct {
	store    warehouse.QualityStore
	clock    warehouse.Clock
	location *time.Location
	cfg      Config
	logger   *zap.Logger
}

// NewChecker constructs a Checker. location defines calendar days; nil means UTC.
func NewChecker(store warehouse.QualityStore, clock warehouse.Clock, location *time.Location, cfg Config, logger *zap.Logger) (*Checker, error) {
	if store == nil || clock == nil {
		return nil, fmt.Errorf("quality store and clock are required")
	}
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{store: store, clock: clock, location: location, cfg: cfg, logger: logger}, nil
}

// Run evaluates today's checks.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	return c.RunFor(ctx, c.clock.Now())
}

// RunFor evaluates checks for the calendar day containing at.
func (c *Checker) RunFor(ctx context.Context, at time.Time) (Report, error) {
	local := at.In(c.location)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
	end := start.AddDate(0, 0, 1)
	day := warehouse.DayOf(at, c.location)

	counts, err := c.store.QualityCounts(ctx, day, start.UTC(), end.UTC())
	if err != nil {
		return Report{}, fmt.Errorf("load quality counts: %w", err)
	}

	countLevel := LevelWarning
	if c.cfg.CountsAreErrors {
		countLevel = LevelError
	}
	ratio := 0.0
	if counts.ActiveListings > 0 {
		ratio = float64(counts.ActiveWithoutPrice) / float64(counts.ActiveListings)
	}

	report := Report{Day: day, Counts: counts}
	report.add(atLeast("bronze_fetches_today", countLevel, counts.RawFetches, c.cfg.MinRawFetches))
	report.add(atLeast("silver_snapshots_today", countLevel, counts.DailySnapshots, c.cfg.MinDailySnapshots))
	report.add(atLeast("gold_facts_today", countLevel, counts.DailyFacts, c.cfg.MinDailyFacts))
	report.add(Result{
		Name: "price_null_ratio", Level: LevelError, Value: ratio,
		Threshold: c.cfg.MaxPriceNullRatio, Passed: ratio <= c.cfg.MaxPriceNullRatio,
	})
	report.add(Result{
		Name: "missing_make_model", Level: LevelError, Value: float64(counts.MissingMakeModel),
		Threshold: float64(c.cfg.MaxMissingMakeModel), Passed: counts.MissingMakeModel <= c.cfg.MaxMissingMakeModel,
	})

	for _, res := range report.Results {
		fields := []zap.Field{zap.String("check", res.Name), zap.Float64("value", res.Value), zap.Float64("threshold", res.Threshold)}
		switch {
		case res.Passed:
			c.logger.Info("quality check passed", fields...)
		case res.Level == LevelError:
			c.logger.Error("quality check failed", fields...)
		default:
			c.logger.Warn("quality check failed", fields...)
		}
	}
	return report, nil
}

func atLeast(name string, level Level, value, minimum int) Result {
	return Result{
		Name: name, Level: level, Value: float64(value),
		Threshold: float64(minimum), Passed: value >= minimum,
	}
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if res.Passed {
		return
	}
	if res.Level == LevelError {
		r.Errors++
	} else {
		r.Warnings++
	}
}
