// Package sf is a typed wrapper around golang.org/x/sync/singleflight.
//
// Concurrent [Singleflight.Do] calls with the same key share one execution:
// the first caller runs fn, the others wait and receive its result.
//
//	rebuilds := sf.New[Result]()
//	res, err := rebuilds.Do("rebuild", func() (*Result, error) {
//	    return run(ctx)
//	})
//
// Unlike the untyped group, a partial result returned together with an
// error is passed through to every caller.
package sf
