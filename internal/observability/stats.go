package observability

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome is the result of one cached call.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeCommit   Outcome = "commit"
	OutcomeAbort    Outcome = "abort"
	OutcomeFallback Outcome = "fallback"
	OutcomeBypass   Outcome = "bypass"
)

// Stats counts cache outcomes. Totals are kept in atomics for Snapshot and
// exported through OpenTelemetry counters; per-function counts are kept for
// the most active functions report.
type Stats struct {
	hits, misses, commits, aborts, fallbacks, bypasses atomic.Int64
	rowsWritten, rowsReplayed                          atomic.Int64

	calls metric.Int64Counter
	rows  metric.Int64Counter

	mu        sync.Mutex
	functions map[string]*FunctionStats
}

// FunctionStats holds the outcome counts of one cached function.
type FunctionStats struct {
	Function string
	Calls    int64
	Outcomes map[Outcome]int64
	LastSeen time.Time
}

// Snapshot is a point-in-time copy of the totals.
type Snapshot struct {
	Hits         int64
	Misses       int64
	Commits      int64
	Aborts       int64
	Fallbacks    int64
	Bypasses     int64
	RowsWritten  int64
	RowsReplayed int64
}

// NewStats creates statistics reporting to meter. A nil meter uses the
// global meter provider, which is a no-op unless the application installs one.
func NewStats(meter metric.Meter) (*Stats, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/zuoquanxiong/cachew")
	}

	calls, err := meter.Int64Counter(
		"cachew.calls",
		metric.WithDescription("Cached calls by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	rows, err := meter.Int64Counter(
		"cachew.rows",
		metric.WithDescription("Rows written to or replayed from the cache"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	return &Stats{
		calls:     calls,
		rows:      rows,
		functions: make(map[string]*FunctionStats),
	}, nil
}

// Record counts one outcome for function.
func (s *Stats) Record(ctx context.Context, function string, outcome Outcome) {
	switch outcome {
	case OutcomeHit:
		s.hits.Add(1)
	case OutcomeMiss:
		s.misses.Add(1)
	case OutcomeCommit:
		s.commits.Add(1)
	case OutcomeAbort:
		s.aborts.Add(1)
	case OutcomeFallback:
		s.fallbacks.Add(1)
	case OutcomeBypass:
		s.bypasses.Add(1)
	}

	s.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("outcome", string(outcome)),
	))

	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.functions[function]
	if !ok {
		fs = &FunctionStats{Function: function, Outcomes: make(map[Outcome]int64)}
		s.functions[function] = fs
	}
	if outcome == OutcomeHit || outcome == OutcomeMiss || outcome == OutcomeBypass {
		fs.Calls++
	}
	fs.Outcomes[outcome]++
	fs.LastSeen = time.Now()
}

// RecordRowsWritten counts rows appended to a shadow table that committed.
func (s *Stats) RecordRowsWritten(ctx context.Context, function string, n int64) {
	s.rowsWritten.Add(n)
	s.rows.Add(ctx, n, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("direction", "written"),
	))
}

// RecordRowsReplayed counts rows served from the cache.
func (s *Stats) RecordRowsReplayed(ctx context.Context, function string, n int64) {
	s.rowsReplayed.Add(n)
	s.rows.Add(ctx, n, metric.WithAttributes(
		attribute.String("function", function),
		attribute.String("direction", "replayed"),
	))
}

// Snapshot returns the current totals.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Commits:      s.commits.Load(),
		Aborts:       s.aborts.Load(),
		Fallbacks:    s.fallbacks.Load(),
		Bypasses:     s.bypasses.Load(),
		RowsWritten:  s.rowsWritten.Load(),
		RowsReplayed: s.rowsReplayed.Load(),
	}
}

// TopFunctions returns copies of the n functions with the most calls.
func (s *Stats) TopFunctions(n int) []FunctionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || len(s.functions) == 0 {
		return []FunctionStats{}
	}

	stats := make([]FunctionStats, 0, len(s.functions))
	for _, fs := range s.functions {
		c := *fs
		c.Outcomes = make(map[Outcome]int64, len(fs.Outcomes))
		for o, count := range fs.Outcomes {
			c.Outcomes[o] = count
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Calls != stats[j].Calls {
			return stats[i].Calls > stats[j].Calls
		}
		return stats[i].Function < stats[j].Function
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune forgets functions not seen within window.
func (s *Stats) Prune(window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-window)
	for name, fs := range s.functions {
		if fs.LastSeen.Before(threshold) {
			delete(s.functions, name)
		}
	}
}
