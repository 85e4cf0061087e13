package geo

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

var (
	ErrPermissionDenied    = stderrors.New("location permission denied")
	ErrPositionUnavailable = stderrors.New("position unavailable")
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultMaxAge  = 10 * time.Minute

	positionKey = "position"
)

// Locator yields the user's current position.
type Locator interface {
	CurrentPosition(ctx context.Context) (Point, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Point, error)

func (f LocatorFunc) CurrentPosition(ctx context.Context) (Point, error) {
	return f(ctx)
}

// StaticLocator reports a position supplied by the client, or permission
// denied when the client supplied none.
type StaticLocator struct {
	Position *Point
}

func (s StaticLocator) CurrentPosition(context.Context) (Point, error) {
	if s.Position == nil {
		return Point{}, ErrPermissionDenied
	}
	return *s.Position, nil
}

// CachedLocator bounds each lookup by a timeout and reuses a position for up
// to MaxAge.
type CachedLocator struct {
	next    Locator
	timeout time.Duration
	cache   *cache.Cache
}

func NewCachedLocator(next Locator, timeout, maxAge time.Duration) *CachedLocator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &CachedLocator{
		next:    next,
		timeout: timeout,
		cache:   cache.New(maxAge, maxAge),
	}
}

func (l *CachedLocator) CurrentPosition(ctx context.Context) (Point, error) {
	if v, ok := l.cache.Get(positionKey); ok {
		return v.(Point), nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	type result struct {
		pos Point
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := l.next.CurrentPosition(ctx)
		done <- result{pos, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Point{}, errors.NewExternalUnavailable("geolocation", res.err)
		}
		l.cache.SetDefault(positionKey, res.pos)
		return res.pos, nil
	case <-ctx.Done():
		return Point{}, errors.NewExternalUnavailable("geolocation", ctx.Err())
	}
}

// Forget drops the cached position so the next call asks again.
func (l *CachedLocator) Forget() {
	l.cache.Delete(positionKey)
}
