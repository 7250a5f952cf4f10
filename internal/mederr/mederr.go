// Package mederr defines the sentinel error kinds the mediator uses to
// categorize failures across the rewrite and load pipelines.
package mederr

import (
	"errors"
	"fmt"
)

//lint:file-ignore ST1012 prefixing error values with Err would stutter

var (
	// Parse indicates the input statement is not valid SQL in the
	// mediator's supported grammar. Propagated to the caller.
	Parse = errors.New("statement could not be parsed")

	// NoLoader indicates no registered loader validates a requested URL.
	NoLoader = errors.New("no loader accepts this url")

	// InvalidURLs indicates a statement references URLs not in Saved status.
	InvalidURLs = errors.New("referenced urls are not ready to query")

	// LoaderFailure indicates a loader's worker chain exhausted retries or
	// a subprocess it depends on failed.
	LoaderFailure = errors.New("loader failed to materialise data")

	// Subprocess indicates an external program (raster2pgsql, psql,
	// ogr2ogr) exited non-zero or emitted an error on stderr. Treated as
	// a LoaderFailure by callers.
	Subprocess = errors.New("external subprocess reported an error")
)

// Wrap annotates *errp with a formatted prefix, same shape as
// golang.org/x/pkgsite's internal/derrors.Wrap: a no-op when *errp is nil.
func Wrap(errp *error, format string, args ...any) {
	if errp == nil || *errp == nil {
		return
	}
	*errp = fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), *errp)
}
