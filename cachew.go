// Package cachew memoizes functions that produce streams of records on disk.
//
// The first call of a wrapped producer runs it and writes every element
// through to a SQLite table while handing it to the caller. Later calls with
// the same dependency value replay the stored rows instead. The stored table
// is replaced only when a rebuild has seen the producer finish; a failed or
// abandoned rebuild leaves the previous cache in place.
//
// Element types are described by Go types. Struct fields become columns,
// pointers are optional values, and interfaces registered with RegisterUnion
// are tagged unions. Errors a producer wants to keep as data are stored as
// Fault values.
package cachew

import (
	"context"
	"iter"

	"github.com/zuoquanxiong/cachew/internal/config"
	cerrors "github.com/zuoquanxiong/cachew/internal/errors"
	"github.com/zuoquanxiong/cachew/internal/memo"
	"github.com/zuoquanxiong/cachew/pkg/types"
)

type (
	// Cache runs cached calls.
	Cache = memo.Cache
	// Call identifies one cached invocation.
	Call = memo.Call
	// Producer computes a fresh stream.
	Producer[T any] = memo.Producer[T]
	// Func is a stream-producing function of one argument.
	Func[A, T any] = memo.Func[A, T]
	// Option configures a Cache.
	Option = memo.Option
	// WrapOption configures Wrap.
	WrapOption = memo.WrapOption
	// Config holds the cache configuration.
	Config = config.Config
	// Fault is an error stored as a stream element.
	Fault = types.Fault
)

var (
	WithLogger          = memo.WithLogger
	WithResolver        = memo.WithResolver
	WithMeter           = memo.WithMeter
	WithBucket          = memo.WithBucket
	WithArgumentBuckets = memo.WithArgumentBuckets
	WithDependsOn       = memo.WithDependsOn
	DefaultConfig       = config.DefaultConfig
	LoadConfig          = config.LoadFromFile
	LoadConfigFromEnv   = config.LoadFromEnv
	FaultOf             = types.FaultOf
)

// Error categories, for use with errors.Is.
var (
	ErrSchema  = cerrors.ErrSchema
	ErrEncode  = cerrors.ErrEncode
	ErrDecode  = cerrors.ErrDecode
	ErrStorage = cerrors.ErrStorage
)

// New creates a Cache. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts ...Option) (*Cache, error) {
	return memo.New(cfg, opts...)
}

// Stream returns the elements of produce, replayed from disk while the
// cache for call is valid.
func Stream[T any](ctx context.Context, c *Cache, call Call, produce Producer[T]) iter.Seq2[T, error] {
	return memo.Stream(ctx, c, call, produce)
}

// Wrap returns fn with caching under the given function identity.
func Wrap[A, T any](c *Cache, function string, fn Func[A, T], opts ...WrapOption) Func[A, T] {
	return memo.Wrap(c, function, fn, opts...)
}

// RegisterUnion declares the variants of the interface type I, in
// discriminator order. Register a nested union by passing a typed nil
// pointer to its interface, e.g. (*Other)(nil); its variants are hoisted.
func RegisterUnion[I any](variants ...any) {
	types.RegisterUnion[I](variants...)
}
