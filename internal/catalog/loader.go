package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/logger"
)

const labsKey = "labs"

// Source is the lab catalog service.
type Source interface {
	ListLabs(ctx context.Context) ([]model.Lab, error)
}

// Loader fetches labs, resolves every catalog reference and caches the
// result. The last good listing is kept to serve while the source is down.
type Loader struct {
	source Source
	cache  *cache.Cache
	logger *logger.Logger

	mu       sync.RWMutex
	lastGood []model.Lab
}

func NewLoader(source Source, ttl time.Duration, log *logger.Logger) *Loader {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Loader{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
		logger: log,
	}
}

// Labs returns the resolved lab listing. On a fetch failure it returns the
// last good listing (possibly empty) together with an ExternalUnavailable
// error so the caller can offer a retry.
func (l *Loader) Labs(ctx context.Context) ([]model.Lab, error) {
	if v, ok := l.cache.Get(labsKey); ok {
		return cloneLabs(v.([]model.Lab)), nil
	}

	labs, err := l.source.ListLabs(ctx)
	if err != nil {
		l.logger.Warn("lab catalog fetch failed", "error", err.Error())
		l.mu.RLock()
		stale := cloneLabs(l.lastGood)
		l.mu.RUnlock()
		if appErr, ok := errors.As(err); ok && appErr.Kind == errors.KindExternalUnavailable {
			return stale, appErr
		}
		return stale, errors.NewExternalUnavailable("lab catalog", err)
	}

	resolved := Resolve(labs, l.logger)
	l.cache.SetDefault(labsKey, resolved)
	l.mu.Lock()
	l.lastGood = resolved
	l.mu.Unlock()
	return cloneLabs(resolved), nil
}

// Lab returns one lab from the listing.
func (l *Loader) Lab(ctx context.Context, id string) (model.Lab, error) {
	labs, err := l.Labs(ctx)
	for _, lab := range labs {
		if lab.ID == id {
			return lab, nil
		}
	}
	if err != nil {
		return model.Lab{}, err
	}
	return model.Lab{}, errors.NotFound("lab", nil)
}

// Invalidate forces the next call to refetch.
func (l *Loader) Invalidate() {
	l.cache.Delete(labsKey)
}

// Resolve replaces bare references with values found anywhere in the listing.
// References that cannot be resolved are dropped, so every catalog entry the
// engine sees carries its name and price.
func Resolve(labs []model.Lab, log *logger.Logger) []model.Lab {
	if log == nil {
		log = logger.Nop()
	}
	tests := make(map[string]model.Test)
	packages := make(map[string]model.Package)
	for _, lab := range labs {
		for _, ref := range lab.Tests {
			if t, ok := ref.Value(); ok {
				tests[t.ID] = t
			}
		}
		for _, ref := range lab.Packages {
			p, ok := ref.Value()
			if !ok {
				continue
			}
			packages[p.ID] = p
			for _, tref := range p.Tests {
				if t, ok := tref.Value(); ok {
					if _, seen := tests[t.ID]; !seen {
						tests[t.ID] = t
					}
				}
			}
		}
	}

	out := make([]model.Lab, 0, len(labs))
	for _, lab := range labs {
		resolvedTests, droppedTests := resolveRefs(lab.Tests, tests)
		resolvedPkgs, droppedPkgs := resolveRefs(lab.Packages, packages)
		for i, ref := range resolvedPkgs {
			p, _ := ref.Value()
			p.Tests, _ = resolveRefs(p.Tests, tests)
			resolvedPkgs[i] = model.Resolved(p)
		}
		if droppedTests+droppedPkgs > 0 {
			log.Warn("dropped unresolved catalog references",
				"lab_id", lab.ID, "tests", droppedTests, "packages", droppedPkgs)
		}
		lab.Tests = resolvedTests
		lab.Packages = resolvedPkgs
		out = append(out, lab)
	}
	return out
}

func resolveRefs[T model.Identifiable](refs []model.Ref[T], index map[string]T) ([]model.Ref[T], int) {
	out := make([]model.Ref[T], 0, len(refs))
	dropped := 0
	for _, ref := range refs {
		if ref.IsResolved() {
			out = append(out, ref)
			continue
		}
		if v, ok := index[ref.ID()]; ok {
			out = append(out, model.Resolved(v))
			continue
		}
		dropped++
	}
	return out, dropped
}

func cloneLabs(labs []model.Lab) []model.Lab {
	if labs == nil {
		return []model.Lab{}
	}
	out := make([]model.Lab, len(labs))
	copy(out, labs)
	return out
}
