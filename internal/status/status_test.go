package status

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testDSN returns the DSN a local Postgres instance exposes for the test
// suite, following the MD_TEST_DATABASE_URL convention; tests requiring a
// live database are skipped when it is unset, the same tradeoff
// golang-pkgsite's dbtest helper makes for its own Postgres-backed suite.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MD_TEST_DATABASE_URL not set; skipping status store integration test")
	}
	return dsn
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, testDSN(t), 4, "md_data_load_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureLoading_CreatesRowOnFirstRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	url := "https://example.com/FeatureServer/" + time.Now().UTC().Format(time.RFC3339Nano)

	needsPublish, err := s.EnsureLoading(ctx, url, "h_table", "alice")
	require.NoError(t, err)
	require.True(t, needsPublish)

	rec, ok, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Loading, rec.Status)
	require.Equal(t, "h_table", rec.TableName)
}

func TestEnsureLoading_NoOpWhenAlreadyLoadingOrSaved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	url := "https://example.com/FeatureServer/dup-" + time.Now().UTC().Format(time.RFC3339Nano)

	first, err := s.EnsureLoading(ctx, url, "h_table", "alice")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.EnsureLoading(ctx, url, "h_table", "bob")
	require.NoError(t, err)
	require.False(t, second, "a second request while Loading must not re-enqueue")

	require.NoError(t, s.SetSaved(ctx, url))

	third, err := s.EnsureLoading(ctx, url, "h_table", "carol")
	require.NoError(t, err)
	require.False(t, third, "a request while Saved must not re-enqueue")
}

func TestEnsureLoading_ResetsFromError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	url := "https://example.com/FeatureServer/err-" + time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.EnsureLoading(ctx, url, "h_table", "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetError(ctx, url, "boom"))

	needsPublish, err := s.EnsureLoading(ctx, url, "h_table", "alice")
	require.NoError(t, err)
	require.True(t, needsPublish, "a retry on an Errored url must reset to Loading and re-enqueue")

	rec, _, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, Loading, rec.Status)
}

func TestNotSaved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	saved := "https://example.com/FS/saved-" + time.Now().UTC().Format(time.RFC3339Nano)
	loading := "https://example.com/FS/loading-" + time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.EnsureLoading(ctx, saved, "t1", "alice")
	require.NoError(t, err)
	require.NoError(t, s.SetSaved(ctx, saved))

	_, err = s.EnsureLoading(ctx, loading, "t2", "alice")
	require.NoError(t, err)

	invalid, err := s.NotSaved(ctx, []string{saved, loading})
	require.NoError(t, err)
	require.Equal(t, []string{loading}, invalid)
}

func TestRemove_DropsRowAndPreventsResurrection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	url := "https://example.com/FS/remove-" + time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.EnsureLoading(ctx, url, "t_remove", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, url))

	_, ok, err := s.Get(ctx, url)
	require.NoError(t, err)
	require.False(t, ok)

	// a racing loader's write against the removed row is a silent no-op
	require.NoError(t, s.SetSaved(ctx, url))
	_, ok, err = s.Get(ctx, url)
	require.NoError(t, err)
	require.False(t, ok)
}
