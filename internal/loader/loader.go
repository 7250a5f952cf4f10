// Package loader defines the polymorphic loader capability set and the
// ordered registry that selects a loader for a URL by probing each
// candidate's validator in turn.
package loader

import (
	"context"
	"net/http"
	"time"

	"github.com/mohammed-shakir/geosql-mediator/internal/core/observability"
	"github.com/mohammed-shakir/geosql-mediator/internal/loadercache"
	"github.com/mohammed-shakir/geosql-mediator/internal/mederr"
	"github.com/mohammed-shakir/geosql-mediator/internal/status"
)

// Loader is the capability set every materialiser implements: metadata
// for the listing statement, a side-effect-light validator, and a
// long-running load that never returns a result.
type Loader interface {
	Name() string
	Description() string
	Validate(ctx context.Context, rawURL string) bool
	Load(ctx context.Context, rawURL, tableName, user string)
}

// Deps are the immutable values every concrete loader needs. Workers
// receive this as a plain value, not via ambient lookup, because they run
// in isolated processes.
type Deps struct {
	Store      *status.Store
	HTTPClient *http.Client
	TmpDir     string

	InitFeatures      int
	FeaturesPerWorker int
	MaxConcurrency    int
	RetriesOnError    int

	RasterToPGSQLPath string
	PSQLPath          string
	Ogr2OgrPath       string
	DBConnInfo        string // passed verbatim to psql/raster2pgsql/ogr2ogr, never logged
}

// Factory constructs one loader given Deps. Name/Description are exposed
// directly so the registry can list unregistered-but-known loaders
// without constructing them.
type Factory struct {
	Name        string
	Description string
	New         func(Deps) Loader
}

// Registry holds the configured, ordered set of loader factories -- the
// set available at build time, narrowed by configuration to an ordered
// subset of symbolic names.
type Registry struct {
	factories []Factory
	deps      Deps
	cache     *loadercache.Cache
}

func NewRegistry(deps Deps, cache *loadercache.Cache, names []string, all map[string]Factory) *Registry {
	r := &Registry{deps: deps, cache: cache}
	for _, n := range names {
		if f, ok := all[n]; ok {
			r.factories = append(r.factories, f)
		}
	}
	return r
}

// List returns the registered loaders' (name, description) pairs in
// registration order, backing md_list_data_loaders.
func (r *Registry) List() []Factory {
	return append([]Factory(nil), r.factories...)
}

// Create iterates the configured loaders in order, consulting the
// validate-result cache before probing a candidate's validator, and
// returns the first that accepts rawURL.
func (r *Registry) Create(ctx context.Context, rawURL string) (Loader, error) {
	for _, f := range r.factories {
		l := f.New(r.deps)
		if cached, ok, err := r.cache.Validate(ctx, f.Name, rawURL); err == nil && ok {
			observability.IncValidateCache("hit")
			if cached.Accepts {
				return l, nil
			}
			continue
		}
		observability.IncValidateCache("miss")
		accepts := l.Validate(ctx, rawURL)
		_ = r.cache.PutValidate(ctx, f.Name, rawURL, loadercache.ValidateResult{Loader: f.Name, Accepts: accepts})
		if accepts {
			return l, nil
		}
	}
	return nil, mederr.NoLoader
}

// RunWithRetries executes fn up to attempts times, sleeping backoff*attempt
// between tries, returning the last error if every attempt failed. It is
// a plain "while tries < N" retry loop, made explicit and reusable.
func RunWithRetries(ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			select {
			case <-time.After(backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
