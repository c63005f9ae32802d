package sf

import "golang.org/x/sync/singleflight"

type Singleflight[T any] struct {
	group singleflight.Group
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. The second return
// reports whether the result was shared with another caller.
func (s *Singleflight[T]) Do(key string, fn func() (*T, error)) (*T, bool, error) {
	v, err, shared := s.group.Do(key, func() (any, error) {
		return fn()
	})
	out, _ := v.(*T)
	return out, shared, err
}

func New[T any]() *Singleflight[T] {
	return &Singleflight[T]{}
}
