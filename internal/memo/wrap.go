package memo

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/zuoquanxiong/cachew/internal/fingerprint"
)

// Func is a stream-producing function of one argument.
type Func[A, T any] func(ctx context.Context, arg A) iter.Seq2[T, error]

// WrapOption configures Wrap.
type WrapOption func(*wrapOptions)

type wrapOptions struct {
	bucket    func(arg any) (string, error)
	dependsOn func(arg any) (string, error)
}

// WithBucket gives each argument its own database file. The default keeps
// one file per function.
func WithBucket(bucket func(arg any) (string, error)) WrapOption {
	return func(o *wrapOptions) { o.bucket = bucket }
}

// WithArgumentBuckets is WithBucket keyed by the canonical JSON form of the
// argument.
func WithArgumentBuckets() WrapOption {
	return WithBucket(func(arg any) (string, error) { return fingerprint.Dependency(arg) })
}

// WithDependsOn replaces the default dependency value, the canonical JSON
// form of the argument.
func WithDependsOn(dependsOn func(arg any) (string, error)) WrapOption {
	return func(o *wrapOptions) { o.dependsOn = dependsOn }
}

// Wrap returns fn with caching. Each call derives its Call from the argument.
func Wrap[A, T any](c *Cache, function string, fn Func[A, T], opts ...WrapOption) Func[A, T] {
	o := wrapOptions{
		dependsOn: func(arg any) (string, error) { return fingerprint.Dependency(arg) },
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, arg A) iter.Seq2[T, error] {
		produce := func(ctx context.Context) iter.Seq2[T, error] { return fn(ctx, arg) }

		call := Call{Function: function}
		var err error
		if o.bucket != nil {
			call.Bucket, err = o.bucket(arg)
		}
		if err == nil {
			call.Dependency, err = o.dependsOn(arg)
		}
		if err != nil {
			return func(yield func(T, error) bool) {
				if c.cfg.Strict {
					var zero T
					yield(zero, err)
					return
				}
				c.logger.Warn("memo: failed to derive cache key; running uncached",
					zap.String("function", function), zap.Error(err))
				passThrough(ctx, produce, yield)
			}
		}
		return Stream(ctx, c, call, produce)
	}
}
