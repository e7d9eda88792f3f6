// Package memo is the cache orchestrator. It decides per call whether a
// producer's stream can be replayed from disk, and otherwise runs the
// producer while writing its elements through to a shadow table.
package memo

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/zuoquanxiong/cachew/internal/codec"
	"github.com/zuoquanxiong/cachew/internal/config"
	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/fingerprint"
	"github.com/zuoquanxiong/cachew/internal/inference"
	"github.com/zuoquanxiong/cachew/internal/observability"
	"github.com/zuoquanxiong/cachew/internal/storage"
	"github.com/zuoquanxiong/cachew/internal/store"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

var errPoolClosed = cerrors.NewStorageError(cerrors.CodeHandleClosed, "memo: cache is closed", nil)

// Call identifies one cached invocation.
type Call struct {
	// Function is the identity of the wrapped function. Required.
	Function string

	// Bucket selects the database file among the function's argument
	// buckets. Empty means the function's default file.
	Bucket string

	// Dependency is the opaque depends-on value. The cache is valid only
	// while it matches the value stored with it.
	Dependency string
}

// Producer computes a fresh stream. An error element ends the stream.
type Producer[T any] func(ctx context.Context) iter.Seq2[T, error]

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger that receives cache warnings. Without it,
// warnings go to stderr at the configured log level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithResolver replaces the directory layout of cache databases.
func WithResolver(r storage.Resolver) Option {
	return func(c *Cache) { c.resolver = r }
}

// WithMeter reports statistics to meter instead of the global provider.
func WithMeter(meter metric.Meter) Option {
	return func(c *Cache) { c.meter = meter }
}

// WithInferrer uses a private schema cache.
func WithInferrer(in *inference.Inferrer) Option {
	return func(c *Cache) { c.inferrer = in }
}

// Cache runs cached calls. It is safe for concurrent use.
type Cache struct {
	cfg      config.Config
	resolver storage.Resolver
	logger   *zap.Logger
	meter    metric.Meter
	stats    *observability.Stats
	inferrer *inference.Inferrer

	stores  *storePool
	writers *writerLocks
	codecs  sync.Map // *types.Schema -> *codec.Codec
}

// New creates a Cache. A nil cfg uses config.DefaultConfig.
func New(cfg *config.Config, opts ...Option) (*Cache, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	c := &Cache{cfg: *cfg, writers: newWriterLocks()}
	c.cfg.Resolve()
	if err := c.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("memo: invalid config: %w", err)
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		logger, err := observability.NewLogger(c.cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("memo: %w", err)
		}
		c.logger = logger
	}
	if c.inferrer == nil {
		c.inferrer = inference.NewInferrer()
	}

	stats, err := observability.NewStats(c.meter)
	if err != nil {
		return nil, fmt.Errorf("memo: failed to create statistics: %w", err)
	}
	c.stats = stats

	if c.cfg.Enabled && c.resolver == nil {
		r, err := storage.NewLocalResolver(c.cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("memo: %w", err)
		}
		c.resolver = r
	}

	c.stores, err = newStorePool(c.cfg.MaxOpenStores, store.Options{
		BatchSize: c.cfg.BatchSize,
		Logger:    c.logger,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("memo: failed to create store pool: %w", err)
	}
	return c, nil
}

// Config returns a copy of the resolved configuration.
func (c *Cache) Config() config.Config { return c.cfg }

// Stats returns the cache statistics.
func (c *Cache) Stats() *observability.Stats { return c.stats }

// Close releases every open database. Calls still running keep their
// database until they finish.
func (c *Cache) Close() error {
	c.stores.close()
	return nil
}

func (c *Cache) codecFor(s *types.Schema) (*codec.Codec, error) {
	if cd, ok := c.codecs.Load(s); ok {
		return cd.(*codec.Codec), nil
	}
	cd, err := codec.New(s)
	if err != nil {
		return nil, err
	}
	actual, _ := c.codecs.LoadOrStore(s, cd)
	return actual.(*codec.Codec), nil
}

// Stream returns the elements of produce, replaying them from disk when the
// stored cache for call is still valid. The sequence is lazy; every range
// over it checks the cache again.
func Stream[T any](ctx context.Context, c *Cache, call Call, produce Producer[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		if !c.cfg.Enabled {
			c.stats.Record(ctx, call.Function, observability.OutcomeBypass)
			passThrough(ctx, produce, yield)
			return
		}
		r := &run[T]{cache: c, call: call, produce: produce, yield: yield}
		r.execute(ctx)
	}
}

// run is the state of one call.
type run[T any] struct {
	cache   *Cache
	call    Call
	produce Producer[T]
	yield   func(T, error) bool

	codec  *codec.Codec
	fp     fingerprint.Fingerprint
	pooled *pooledStore
	desc   store.Descriptor
	logger *zap.Logger
}

func (r *run[T]) execute(ctx context.Context) {
	c := r.cache
	r.logger = c.logger.With(zap.String("function", r.call.Function), zap.String("bucket", r.call.Bucket))

	if r.call.Function == "" {
		r.fail(cerrors.NewSchemaError(cerrors.CodeInvalidName, "memo: call has no function identity"))
		return
	}

	schema, err := c.inferrer.Infer(reflect.TypeFor[T]())
	if err != nil {
		r.fail(err)
		return
	}
	r.codec, err = c.codecFor(schema)
	if err != nil {
		r.fallback(ctx, "failed to compile codec", err)
		return
	}
	r.fp = fingerprint.New(schema, r.call.Dependency)

	path, err := c.resolver.Path(r.call.Function, r.call.Bucket)
	if err != nil {
		r.fallback(ctx, "failed to resolve cache path",
			cerrors.NewStorageError(cerrors.CodeOpenFailed, "memo: failed to resolve cache path", err))
		return
	}
	r.pooled, err = c.stores.acquire(path)
	if err != nil {
		r.fallback(ctx, "failed to open cache", err)
		return
	}
	defer c.stores.release(r.pooled)
	r.desc = store.Descriptor{Name: r.call.Function, Plan: r.codec.Plan()}

	// CHECK
	stored, err := r.pooled.store.FingerprintOf(ctx, r.desc.Name)
	if err != nil {
		if c.cfg.Strict {
			r.fail(err)
			return
		}
		r.warn("failed to read fingerprint; rebuilding", err)
		stored = nil
	}

	if stored != nil && stored.Equal(r.fp) {
		if done := r.replay(ctx); done {
			return
		}
	}
	r.rebuild(ctx)
}

// replay serves the stored rows. It returns false when the cache turned out
// to be unusable before anything was delivered and a rebuild should follow.
func (r *run[T]) replay(ctx context.Context) bool {
	c := r.cache

	var delivered int64
	hit := false
	markHit := func() {
		if !hit {
			hit = true
			c.stats.Record(ctx, r.call.Function, observability.OutcomeHit)
		}
	}
	defer func() {
		if delivered > 0 {
			c.stats.RecordRowsReplayed(ctx, r.call.Function, delivered)
		}
	}()

	var failure error
	for row, err := range r.pooled.store.Read(ctx, r.desc, r.fp) {
		var v T
		if err == nil {
			v, err = codec.DecodeAs[T](r.codec, row)
		}
		if err != nil {
			failure = err
			break
		}
		markHit()
		delivered++
		if !r.yield(v, nil) {
			return true
		}
	}
	if failure == nil {
		markHit()
		return true
	}

	// Another writer committed between CHECK and the read.
	if delivered == 0 && errors.Is(failure, store.ErrNotReadable) {
		r.logger.Debug("memo: cache replaced since check; rebuilding", zap.Error(failure))
		return false
	}

	markHit()
	// The read transaction is closed here, so the corrupt table can go.
	if errors.Is(failure, cerrors.ErrDecode) {
		r.drop(ctx, failure)
	}
	if c.cfg.Strict || delivered > 0 {
		// Rows already delivered cannot be retracted.
		r.fail(failure)
		return true
	}
	r.warn("cache unreadable; rebuilding", failure)
	c.stats.Record(ctx, r.call.Function, observability.OutcomeFallback)
	return false
}

func (r *run[T]) drop(ctx context.Context, cause error) {
	if _, err := r.pooled.store.Drop(context.WithoutCancel(ctx), r.desc.Name); err != nil {
		r.logger.Warn("memo: failed to drop corrupt cache", zap.Error(err))
		return
	}
	r.logger.Warn("memo: dropped corrupt cache", zap.Error(cause))
}

// rebuild runs the producer and writes every element through to a shadow
// table, committing only when the producer is exhausted without error.
func (r *run[T]) rebuild(ctx context.Context) {
	c := r.cache
	c.stats.Record(ctx, r.call.Function, observability.OutcomeMiss)

	sem := c.writers.get(r.pooled.store.Path(), r.desc.Name)
	if !sem.TryAcquire(1) {
		r.logger.Debug("memo: cache is being rebuilt by another call; running uncached")
		c.stats.Record(ctx, r.call.Function, observability.OutcomeFallback)
		passThrough(ctx, r.produce, r.yield)
		return
	}
	defer sem.Release(1)

	w, err := r.pooled.store.BeginRebuild(ctx, r.desc)
	if err != nil {
		r.fallback(ctx, "failed to begin rebuild", err)
		return
	}

	writing := true
	abort := func() {
		if !writing {
			return
		}
		writing = false
		c.stats.Record(ctx, r.call.Function, observability.OutcomeAbort)
		if err := w.Abort(ctx); err != nil {
			r.logger.Warn("memo: failed to abort rebuild", zap.Error(err))
		}
	}
	// Early termination, panics and errors all leave through here.
	defer abort()

	var zero T
	for v, err := range r.produce(ctx) {
		if err != nil {
			abort()
			r.yield(zero, err)
			return
		}
		if writing {
			if err := r.append(ctx, w, v); err != nil {
				abort()
				if c.cfg.Strict {
					r.yield(zero, err)
					return
				}
				r.warn("failed to write cache; continuing uncached", err)
				c.stats.Record(ctx, r.call.Function, observability.OutcomeFallback)
			}
		}
		if !r.yield(v, nil) {
			return
		}
	}

	if !writing {
		return
	}
	rows := w.Rows()
	if err := w.Finish(ctx, r.fp); err != nil {
		abort()
		if c.cfg.Strict {
			r.yield(zero, err)
			return
		}
		r.warn("failed to commit cache", err)
		return
	}
	writing = false
	c.stats.Record(ctx, r.call.Function, observability.OutcomeCommit)
	c.stats.RecordRowsWritten(ctx, r.call.Function, rows)
}

func (r *run[T]) append(ctx context.Context, w *store.Writer, v T) error {
	row, err := r.codec.Encode(v)
	if err != nil {
		return err
	}
	return w.Append(ctx, row)
}

// fallback handles a cache failure that happened before anything was
// yielded: strict calls fail, permissive calls run the producer uncached.
func (r *run[T]) fallback(ctx context.Context, msg string, err error) {
	if r.cache.cfg.Strict || errors.Is(err, cerrors.ErrSchema) {
		r.fail(err)
		return
	}
	r.warn(msg+"; running uncached", err)
	r.cache.stats.Record(ctx, r.call.Function, observability.OutcomeFallback)
	passThrough(ctx, r.produce, r.yield)
}

func (r *run[T]) fail(err error) {
	var zero T
	r.yield(zero, err)
}

func (r *run[T]) warn(msg string, err error) {
	r.logger.Warn("memo: "+msg, zap.Error(err))
}

// passThrough forwards produce unchanged up to and including its first error.
func passThrough[T any](ctx context.Context, produce Producer[T], yield func(T, error) bool) {
	for v, err := range produce(ctx) {
		if !yield(v, err) || err != nil {
			return
		}
	}
}
