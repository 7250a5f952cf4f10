package rewrite

import (
	"context"
	"os"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geosql-mediator/internal/cache/redisstore"
	"github.com/mohammed-shakir/geosql-mediator/internal/hashid"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader"
	"github.com/mohammed-shakir/geosql-mediator/internal/loadercache"
	"github.com/mohammed-shakir/geosql-mediator/internal/status"
)

func TestQuoteLiteral(t *testing.T) {
	got := quoteLiteral("O'Brien's")
	want := "'O''Brien''s'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func newTestCache(t *testing.T) *loadercache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	c, err := loadercache.New(rc, time.Minute, 16)
	if err != nil {
		t.Fatalf("loadercache.New: %v", err)
	}
	return c
}

func TestHandleListLoaders_Empty(t *testing.T) {
	c := &Controller{Registry: loader.NewRegistry(loader.Deps{}, newTestCache(t), nil, nil)}
	got := c.handleListLoaders()
	want := `SELECT name, description FROM (VALUES (NULL::text, NULL::text)) AS t(name, description) WHERE FALSE`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestHandleListLoaders_WithRegistered(t *testing.T) {
	all := map[string]loader.Factory{
		"wfs": {Name: "wfs", Description: "WFS loader", New: func(loader.Deps) loader.Loader { return nil }},
	}
	c := &Controller{Registry: loader.NewRegistry(loader.Deps{}, newTestCache(t), []string{"wfs"}, all)}
	got := c.handleListLoaders()
	want := `SELECT * FROM (VALUES ('wfs', 'WFS loader')) AS t(name, description)`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

// testDSN mirrors internal/status's convention: skip DB-backed tests
// unless a live Postgres instance is configured for the suite.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("MD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MD_TEST_DATABASE_URL not set; skipping rewrite integration test")
	}
	return dsn
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := status.Open(ctx, testDSN(t), 4, "md_data_load_rewrite_test")
	if err != nil {
		t.Fatalf("status.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := newTestCache(t)
	all := map[string]loader.Factory{
		"always": {
			Name: "always", Description: "accepts everything",
			New: func(d loader.Deps) loader.Loader { return alwaysLoader{} },
		},
	}
	reg := loader.NewRegistry(loader.Deps{Store: st}, cache, []string{"always"}, all)
	return &Controller{Store: st, Registry: reg, Cache: cache, SecretKey: "test-secret"}
}

type alwaysLoader struct{}

func (alwaysLoader) Name() string                                 { return "always" }
func (alwaysLoader) Description() string                          { return "accepts everything" }
func (alwaysLoader) Validate(context.Context, string) bool        { return true }
func (alwaysLoader) Load(context.Context, string, string, string) {}

func TestRewrite_OrdinaryStatementPassesThrough(t *testing.T) {
	c := newTestController(t)
	got, err := c.Rewrite(context.Background(), "alice", "SELECT a.id FROM accounts AS a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT a.id FROM accounts AS a"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRewrite_FetchDataCreatesLoadingRowAndReturnsStatusQuery(t *testing.T) {
	c := newTestController(t)
	url := "https://example.com/FeatureServer/" + time.Now().UTC().Format(time.RFC3339Nano)

	got, err := c.Rewrite(context.Background(), "alice", `SELECT md_fetch_data('`+url+`')`, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM md_v_data_status WHERE url='" + url + "'"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	rec, ok, err := c.Store.Get(context.Background(), url)
	if err != nil || !ok {
		t.Fatalf("expected status row, ok=%v err=%v", ok, err)
	}
	if rec.Status != status.Loading {
		t.Fatalf("expected Loading, got %v", rec.Status)
	}
}

func TestRewrite_GateBlocksUnsavedURLs(t *testing.T) {
	c := newTestController(t)
	url := "https://example.com/FeatureServer/" + time.Now().UTC().Format(time.RFC3339Nano)
	ctx := context.Background()

	if _, err := c.Rewrite(ctx, "alice", `SELECT md_fetch_data('`+url+`')`, false); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got, err := c.Rewrite(ctx, "alice", `SELECT * FROM "`+url+`"`, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT md_mediator_error('The following URLs are not ready to query: " + url + "');"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRewrite_GateAllowsSavedURLsAndBumpsLastUsed(t *testing.T) {
	c := newTestController(t)
	url := "https://example.com/FeatureServer/" + time.Now().UTC().Format(time.RFC3339Nano)
	ctx := context.Background()
	tableName := hashid.TableName(url, c.SecretKey)

	if _, err := c.Store.EnsureLoading(ctx, url, tableName, "alice"); err != nil {
		t.Fatalf("EnsureLoading: %v", err)
	}
	if err := c.Store.SetSaved(ctx, url); err != nil {
		t.Fatalf("SetSaved: %v", err)
	}

	got, err := c.Rewrite(ctx, "alice", `SELECT * FROM "`+url+`"`, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, ok, err := c.Store.Get(ctx, url)
	if err != nil || !ok {
		t.Fatalf("expected row, ok=%v err=%v", ok, err)
	}
	if got != "SELECT * FROM "+rec.TableName {
		t.Fatalf("got %q want SELECT * FROM %s", got, rec.TableName)
	}

	var bumped bool
	if err := c.Store.DB().QueryRowContext(ctx,
		`SELECT last_used_time IS NOT NULL FROM md_data_status WHERE url = $1`, url).Scan(&bumped); err != nil || !bumped {
		t.Fatalf("expected last_used_time to be set by the gate, bumped=%v err=%v", bumped, err)
	}
}
