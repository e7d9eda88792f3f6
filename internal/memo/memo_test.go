package memo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zuoquanxiong/cachew/internal/config"
	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/fingerprint"
	"github.com/zuoquanxiong/cachew/internal/store"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

type Measurement struct {
	Value float64   `cachew:"value"`
	At    time.Time `cachew:"at"`
}

type Reading interface{}

func init() {
	types.RegisterUnion[Reading](Measurement{}, types.Fault{})
}

var t0 = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func sampleReadings() []Reading {
	return []Reading{
		Measurement{Value: 20.1, At: t0},
		types.FaultOf(fmt.Errorf("sensor offline")),
		Measurement{Value: 19.8, At: t0.Add(time.Minute)},
	}
}

// source is a producer that counts its invocations.
type source[T any] struct {
	calls  atomic.Int32
	items  []T
	failAt int
	err    error
}

func newSource[T any](items ...T) *source[T] {
	return &source[T]{items: items, failAt: -1}
}

func (s *source[T]) produce(ctx context.Context) iter.Seq2[T, error] {
	s.calls.Add(1)
	return func(yield func(T, error) bool) {
		for i, v := range s.items {
			if i == s.failAt {
				var zero T
				yield(zero, s.err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func newTestCache(t *testing.T, mutate func(*config.Config), opts ...Option) *Cache {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func storeFor(t *testing.T, c *Cache, call Call) *store.Store {
	t.Helper()
	path, err := c.resolver.Path(call.Function, call.Bucket)
	require.NoError(t, err)
	ps, err := c.stores.acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.stores.release(ps) })
	return ps.store
}

func TestStream_MeasurementExample(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource(sampleReadings()...)
	call := Call{Function: "sensors.Read", Dependency: `["station-1"]`}

	first, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, sampleReadings(), first)

	second, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load(), "producer must run once")

	fault, ok := second[1].(types.Fault)
	require.True(t, ok, "fault must replay as a Fault, got %T", second[1])
	assert.Equal(t, "sensor offline", fault.Message)

	s := storeFor(t, c, call)
	schema := mustInfer[Reading](t, c)
	cd, err := c.codecFor(schema)
	require.NoError(t, err)
	var tags []any
	desc := store.Descriptor{Name: call.Function, Plan: cd.Plan()}
	for row, err := range s.Read(ctx, desc, fingerprint.New(schema, call.Dependency)) {
		require.NoError(t, err)
		tags = append(tags, row[0])
	}
	assert.Equal(t, []any{int64(0), int64(1), int64(0)}, tags)

	snap := c.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.Commits)
	assert.Equal(t, int64(1), snap.Hits)
	assert.Equal(t, int64(3), snap.RowsWritten)
	assert.Equal(t, int64(3), snap.RowsReplayed)
}

func mustInfer[T any](t *testing.T, c *Cache) *types.Schema {
	t.Helper()
	s, err := c.inferrer.Infer(reflect.TypeFor[T]())
	require.NoError(t, err)
	return s
}

func TestStream_Invalidation(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource(1, 2, 3)

	_, err := collect(Stream(ctx, c, Call{Function: "nums", Dependency: "v1"}, src.produce))
	require.NoError(t, err)

	src.items = []int{4, 5}
	got, err := collect(Stream(ctx, c, Call{Function: "nums", Dependency: "v2"}, src.produce))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, got)
	assert.Equal(t, int32(2), src.calls.Load())

	got, err = collect(Stream(ctx, c, Call{Function: "nums", Dependency: "v2"}, src.produce))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, got)
	assert.Equal(t, int32(2), src.calls.Load(), "second v2 call should hit")

	// The v1 rows are gone: asking for v1 again recomputes.
	src.items = []int{1, 2, 3}
	_, err = collect(Stream(ctx, c, Call{Function: "nums", Dependency: "v1"}, src.produce))
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestStream_AbandonKeepsPreviousCache(t *testing.T) {
	c := newTestCache(t, func(cfg *config.Config) { cfg.BatchSize = 1 })
	ctx := context.Background()
	old := newSource("a", "b", "c")
	oldCall := Call{Function: "letters", Dependency: "old"}

	_, err := collect(Stream(ctx, c, oldCall, old.produce))
	require.NoError(t, err)

	fresh := newSource("v", "w", "x", "y", "z")
	newCall := Call{Function: "letters", Dependency: "new"}
	var seen []string
	for v, err := range Stream(ctx, c, newCall, fresh.produce) {
		require.NoError(t, err)
		seen = append(seen, v)
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"v", "w"}, seen)

	// The old cache is still the readable one.
	got, err := collect(Stream(ctx, c, oldCall, old.produce))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, int32(1), old.calls.Load())

	// The abandoned rebuild left nothing behind.
	report, err := storeFor(t, c, oldCall).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Shadows)
	assert.False(t, report.HasIssues())

	got, err = collect(Stream(ctx, c, newCall, fresh.produce))
	require.NoError(t, err)
	assert.Equal(t, []string{"v", "w", "x", "y", "z"}, got)
	assert.Equal(t, int32(2), fresh.calls.Load(), "producer restarts from scratch")
	assert.Equal(t, int64(1), c.Stats().Snapshot().Aborts)
}

func TestStream_ProducerError(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	boom := errors.New("upstream exploded")
	src := newSource(1, 2, 3, 4)
	src.failAt = 2
	src.err = boom
	call := Call{Function: "flaky"}

	got, err := collect(Stream(ctx, c, call, src.produce))
	assert.Equal(t, []int{1, 2}, got)
	assert.Same(t, boom, err, "caller must see the original error")

	fp, err := storeFor(t, c, call).FingerprintOf(ctx, call.Function)
	require.NoError(t, err)
	assert.Nil(t, fp, "failed stream must not commit")

	src.failAt = -1
	got, err = collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestStream_ProducerPanicAborts(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	call := Call{Function: "panicky"}
	produce := func(ctx context.Context) iter.Seq2[int, error] {
		return func(yield func(int, error) bool) {
			yield(1, nil)
			panic("producer bug")
		}
	}

	assert.Panics(t, func() {
		for range Stream(ctx, c, call, produce) {
		}
	})

	report, err := storeFor(t, c, call).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Shadows)
	assert.Equal(t, 0, report.TotalTables)
}

func TestStream_EmptyStreamIsCached(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource[int]()
	call := Call{Function: "empty"}

	for i := 0; i < 2; i++ {
		got, err := collect(Stream(ctx, c, call, src.produce))
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStream_Disabled(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, func(cfg *config.Config) {
		cfg.Enabled = false
		cfg.Dir = dir
	})
	src := newSource(1, 2)

	for i := 0; i < 3; i++ {
		got, err := collect(Stream(context.Background(), c, Call{Function: "f"}, src.produce))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, got)
	}
	assert.Equal(t, int32(3), src.calls.Load())
	assert.Equal(t, int64(3), c.Stats().Snapshot().Bypasses)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "disabled cache must not touch the disk")
}

type withChannel struct {
	C chan int
}

func TestStream_SchemaErrorAlwaysPropagates(t *testing.T) {
	for _, strict := range []bool{false, true} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			c := newTestCache(t, func(cfg *config.Config) { cfg.Strict = strict })
			src := newSource(withChannel{})

			got, err := collect(Stream(context.Background(), c, Call{Function: "bad"}, src.produce))
			assert.Empty(t, got)
			assert.True(t, errors.Is(err, cerrors.ErrSchema), "expected schema error, got %v", err)
			assert.Equal(t, int32(0), src.calls.Load(), "producer must not run")
		})
	}
}

func TestStream_MissingFunctionIdentity(t *testing.T) {
	c := newTestCache(t, nil)
	_, err := collect(Stream(context.Background(), c, Call{}, newSource(1).produce))
	assert.True(t, errors.Is(err, cerrors.ErrSchema))
}

func TestStream_EncodeFailurePermissive(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := newTestCache(t, nil, WithLogger(zap.New(core)))
	ctx := context.Background()
	// 42 is not a Reading variant.
	src := newSource[Reading](Measurement{Value: 1, At: t0}, 42, Measurement{Value: 2, At: t0})
	call := Call{Function: "mixed"}

	got, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, src.items, got, "every element still reaches the caller")

	fp, err := storeFor(t, c, call).FingerprintOf(ctx, call.Function)
	require.NoError(t, err)
	assert.Nil(t, fp)
	assert.Equal(t, 1, logs.FilterMessage("memo: failed to write cache; continuing uncached").Len())
	assert.Equal(t, int64(1), c.Stats().Snapshot().Fallbacks)
}

func TestStream_DefaultLoggerReportsFallback(t *testing.T) {
	stderr, err := os.CreateTemp(t.TempDir(), "stderr")
	require.NoError(t, err)
	defer stderr.Close()
	saved := os.Stderr
	os.Stderr = stderr
	c := newTestCache(t, nil)
	os.Stderr = saved

	src := newSource[Reading](Measurement{Value: 1, At: t0}, 42)
	_, err = collect(Stream(context.Background(), c, Call{Function: "mixed"}, src.produce))
	require.NoError(t, err)

	out, err := os.ReadFile(stderr.Name())
	require.NoError(t, err)
	assert.Contains(t, string(out), "memo: failed to write cache; continuing uncached")
	assert.Contains(t, string(out), "WARN")
}

type edgeValues struct {
	Zero    float64
	NaN     float64
	Empty   []byte
	Missing []byte
	Label   string
}

func TestStream_EdgeValuesSurviveStorage(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	in := edgeValues{
		Zero:  math.Copysign(0, -1),
		NaN:   math.NaN(),
		Empty: []byte{},
		Label: "",
	}
	src := newSource(in)
	call := Call{Function: "edges"}

	_, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	got, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(1), src.calls.Load(), "second call must replay")

	out := got[0]
	assert.True(t, out.Zero == 0 && math.Signbit(out.Zero), "expected -0, got %v", out.Zero)
	assert.True(t, math.IsNaN(out.NaN), "expected NaN, got %v", out.NaN)
	assert.NotNil(t, out.Empty)
	assert.Empty(t, out.Empty)
	assert.Nil(t, out.Missing)
}

type jsonItemV1 struct{ A int }

type jsonItemV2 struct{ A, B int }

type ordersV1 struct{ Items []jsonItemV1 }

type ordersV2 struct{ Items []jsonItemV2 }

func TestStream_JSONLeafShapeChangeInvalidates(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	call := Call{Function: "orders"}

	v1 := newSource(ordersV1{Items: []jsonItemV1{{A: 1}}})
	_, err := collect(Stream(ctx, c, call, v1.produce))
	require.NoError(t, err)

	v2 := newSource(ordersV2{Items: []jsonItemV2{{A: 1, B: 2}}})
	got, err := collect(Stream(ctx, c, call, v2.produce))
	require.NoError(t, err)
	assert.Equal(t, []ordersV2{{Items: []jsonItemV2{{A: 1, B: 2}}}}, got)
	assert.Equal(t, int32(1), v2.calls.Load(), "new element shape must not hit the old cache")
}

func TestStream_EncodeFailureStrict(t *testing.T) {
	c := newTestCache(t, func(cfg *config.Config) { cfg.Strict = true })
	ctx := context.Background()
	src := newSource[Reading](Measurement{Value: 1, At: t0}, 42, Measurement{Value: 2, At: t0})
	call := Call{Function: "mixed"}

	got, err := collect(Stream(ctx, c, call, src.produce))
	assert.Len(t, got, 1)
	assert.True(t, errors.Is(err, cerrors.ErrEncode), "expected encode error, got %v", err)

	report, err := storeFor(t, c, call).Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Shadows)
}

// corrupt overwrites the discriminator of one stored row.
func corrupt(t *testing.T, c *Cache, call Call, seq int) {
	t.Helper()
	s := storeFor(t, c, call)
	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	db, err := sql.Open("sqlite3", s.Path())
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf(`UPDATE %q SET %q = 7 WHERE __seq = ?`,
		entries[0].DataTable, entries[0].Plan[0].Path), seq)
	require.NoError(t, err)
}

func TestStream_CorruptionBeforeFirstRowRebuilds(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := newTestCache(t, nil, WithLogger(zap.New(core)))
	ctx := context.Background()
	src := newSource(sampleReadings()...)
	call := Call{Function: "sensors.Read"}

	_, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	corrupt(t, c, call, 1)

	got, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, sampleReadings(), got)
	assert.Equal(t, int32(2), src.calls.Load(), "corrupt cache forces a rebuild")
	assert.Equal(t, 1, logs.FilterMessage("memo: cache unreadable; rebuilding").Len())

	// The rebuilt cache serves the next call.
	got, err = collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, sampleReadings(), got)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestStream_CorruptionMidReplaySurfaces(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource(sampleReadings()...)
	call := Call{Function: "sensors.Read"}

	_, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	corrupt(t, c, call, 2)

	got, err := collect(Stream(ctx, c, call, src.produce))
	assert.Len(t, got, 1)
	assert.Equal(t, cerrors.CodeBadDiscriminator, cerrors.GetCode(err))

	fp, err := storeFor(t, c, call).FingerprintOf(ctx, call.Function)
	require.NoError(t, err)
	assert.Nil(t, fp, "corrupt cache must be dropped")

	got, err = collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, sampleReadings(), got)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestStream_CorruptionStrict(t *testing.T) {
	c := newTestCache(t, func(cfg *config.Config) { cfg.Strict = true })
	ctx := context.Background()
	src := newSource(sampleReadings()...)
	call := Call{Function: "sensors.Read"}

	_, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	corrupt(t, c, call, 1)

	got, err := collect(Stream(ctx, c, call, src.produce))
	assert.Empty(t, got)
	assert.True(t, errors.Is(err, cerrors.ErrDecode), "expected decode error, got %v", err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestStream_ConcurrentRebuildPassesThrough(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource(1, 2, 3)
	call := Call{Function: "shared"}

	next, stop := iter.Pull2(Stream(ctx, c, call, src.produce))
	defer stop()
	v, err, ok := next()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// A second call while the first is still streaming runs uncached.
	got, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, int32(2), src.calls.Load())

	for {
		_, err, ok := next()
		if !ok {
			break
		}
		require.NoError(t, err)
	}

	got, err = collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, int32(2), src.calls.Load(), "first call committed")
}

func TestStream_ComplexElements(t *testing.T) {
	type Station struct {
		ID       string
		Location *struct{ Lat, Lon float64 }
		Tags     map[string]string
		Last     Reading
		Raw      []byte
	}
	c := newTestCache(t, nil)
	ctx := context.Background()
	src := newSource(
		Station{ID: "a", Location: &struct{ Lat, Lon float64 }{1.5, -2}, Tags: map[string]string{"k": "v"},
			Last: Measurement{Value: 3, At: t0}, Raw: []byte{1, 2, 3}},
		Station{ID: "b", Last: types.Fault{Name: "Timeout", Message: "no answer"}},
	)
	call := Call{Function: "stations"}

	first, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	second, err := collect(Stream(ctx, c, call, src.produce))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())
}
