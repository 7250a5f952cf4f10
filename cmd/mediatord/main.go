// Command mediatord is the mediator's single binary: with no arguments (or
// "daemon") it runs the long-lived notification listener and control-plane
// HTTP server; "loadworker" is the hidden subcommand the daemon re-execs
// itself with to run one isolated loader invocation; "rewrite" is a small
// demo entry that classifies and rewrites one SQL statement read from
// stdin, for manual testing without a live Postgres foreign-data wrapper
// frontend.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/geosql-mediator/internal/cache/redisstore"
	"github.com/mohammed-shakir/geosql-mediator/internal/core/config"
	"github.com/mohammed-shakir/geosql-mediator/internal/core/httpclient"
	"github.com/mohammed-shakir/geosql-mediator/internal/core/observability"
	"github.com/mohammed-shakir/geosql-mediator/internal/core/server"
	"github.com/mohammed-shakir/geosql-mediator/internal/daemon"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader/arcgis"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader/wcs"
	"github.com/mohammed-shakir/geosql-mediator/internal/loader/wfs"
	"github.com/mohammed-shakir/geosql-mediator/internal/loadercache"
	"github.com/mohammed-shakir/geosql-mediator/internal/logger"
	"github.com/mohammed-shakir/geosql-mediator/internal/rewrite"
	"github.com/mohammed-shakir/geosql-mediator/internal/status"
)

var Version = "dev"

func main() {
	cmd := "daemon"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var code int
	switch cmd {
	case "daemon":
		code = runDaemon(args)
	case daemon.WorkerSubcommand:
		code = runWorker(args)
	case "rewrite":
		code = runRewriteDemo(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want daemon|%s|rewrite)\n", cmd, daemon.WorkerSubcommand)
		code = 2
	}
	os.Exit(code)
}

func allFactories() map[string]loader.Factory {
	return map[string]loader.Factory{
		wfs.Name:    wfs.Factory(),
		wcs.Name:    wcs.Factory(),
		arcgis.Name: arcgis.Factory(),
	}
}

// runDaemon wires the full ambient + domain stack and runs the listener
// loop until signalled, alongside a chi control-plane server exposing
// /healthz, /readyz and /metrics (spec §4.10).
func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	_ = fs.Parse(args)

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.EqualFold(os.Getenv("LOG_CONSOLE"), "true"),
		Component: "mediatord",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.Init(prometheus.DefaultRegisterer, cfg.MetricsEnabled)
	appLog.Info("starting mediator daemon", "version", Version, "addr", cfg.Addr, "channel", cfg.DataLoadNotifyChannel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := status.Open(ctx, cfg.DSN(), cfg.MaxConnections, cfg.DataLoadNotifyChannel)
	if err != nil {
		appLog.Error("failed to open status store", "err", err)
		return 1
	}
	defer store.Close()

	listener, err := status.NewListener(cfg.DSN(), cfg.DataLoadNotifyChannel, func(_ pq.ListenerEventType, err error) {
		if err != nil {
			appLog.Warn("listener reconnect event", "err", err)
		}
	})
	if err != nil {
		appLog.Error("failed to open notification listener", "err", err)
		return 1
	}
	defer listener.Close()

	d := daemon.New(store, listener, appLog, "")

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	if err := server.Run(ctx, cfg, appLog, d); err != nil {
		appLog.Error("control-plane server exited with error", "err", err)
		return 1
	}

	if err := <-errCh; err != nil && ctx.Err() == nil {
		appLog.Error("daemon loop exited with error", "err", err)
		return 1
	}
	appLog.Info("mediator daemon stopped")
	return 0
}

// runWorker loads exactly one URL into exactly one table, then exits. It
// never shares the daemon's *sql.DB or *redis.Client: every dependency
// below is opened fresh, inside this process (spec §5's isolation
// invariant).
func runWorker(args []string) int {
	fs := flag.NewFlagSet(daemon.WorkerSubcommand, flag.ExitOnError)
	rawURL := fs.String("url", "", "URL to materialise")
	tableName := fs.String("table", "", "target table name")
	user := fs.String("user", "", "requesting user")
	_ = fs.Parse(args)

	if *rawURL == "" || *tableName == "" {
		fmt.Fprintln(os.Stderr, "loadworker: -url and -table are required")
		return 2
	}

	cfg := config.FromEnv()
	zl := logger.Build(logger.Config{Level: cfg.LogLevel, Component: "loadworker"}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := status.Open(ctx, cfg.DSN(), 2, cfg.DataLoadNotifyChannel)
	if err != nil {
		appLog.Error("loadworker: failed to open status store", "err", err)
		return 1
	}
	defer store.Close()

	if rec, ok, err := store.Get(ctx, *rawURL); err == nil && ok && rec.Status == status.Saved {
		appLog.Info("loadworker: url already saved, nothing to load", "url", *rawURL)
		return 0
	}

	redisClient, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		appLog.Error("loadworker: failed to connect to redis", "err", err)
		return 1
	}
	defer redisClient.Close()

	cache, err := loadercache.New(redisClient, cfg.ValidateCacheTTL, cfg.ValidateLRUSize)
	if err != nil {
		appLog.Error("loadworker: failed to build loader cache", "err", err)
		return 1
	}

	deps := loader.Deps{
		Store:             store,
		HTTPClient:        httpclient.NewOutbound(),
		TmpDir:            cfg.TmpLoadDataFileLoc,
		InitFeatures:      cfg.DataLoadInitFeatures,
		FeaturesPerWorker: cfg.DataLoadFeaturesPerProcess,
		MaxConcurrency:    cfg.DataLoadMaxProcesses,
		RetriesOnError:    cfg.DataLoadRetriesOnError,
		RasterToPGSQLPath: cfg.RasterToPGSQLPath,
		PSQLPath:          cfg.PSQLPath,
		Ogr2OgrPath:       cfg.Ogr2OgrPath,
		DBConnInfo:        cfg.DSN(),
	}

	registry := loader.NewRegistry(deps, cache, cfg.DataLoaders, allFactories())
	ctx = logger.WithURL(ctx, *rawURL)
	l, err := registry.Create(ctx, *rawURL)
	if err != nil {
		appLog.ErrorContext(ctx, "loadworker: no loader accepted URL", "err", err)
		_ = store.SetError(ctx, *rawURL, err.Error())
		return 1
	}

	ctx = logger.WithLoader(ctx, l.Name())
	appLog.InfoContext(ctx, "loadworker: loading", "table_name", *tableName, "user", *user)
	l.Load(ctx, *rawURL, *tableName, *user)

	rec, ok, err := store.Get(ctx, *rawURL)
	if err != nil || !ok || rec.Status == status.Error {
		appLog.ErrorContext(ctx, "loadworker: load did not complete successfully")
		return 1
	}
	appLog.InfoContext(ctx, "loadworker: load complete")
	return 0
}

// runRewriteDemo classifies and rewrites one statement read from stdin (or
// -sql), printing the rewritten form. It drives the same rewrite.Controller
// a real frontend would per incoming query, against the configured status
// store and loader registry.
func runRewriteDemo(args []string) int {
	fs := flag.NewFlagSet("rewrite", flag.ExitOnError)
	sqlFlag := fs.String("sql", "", "statement to rewrite; reads stdin if empty")
	user := fs.String("user", "demo", "requesting user")
	_ = fs.Parse(args)

	sql := *sqlFlag
	if sql == "" {
		b, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			fmt.Fprintln(os.Stderr, "rewrite: read stdin:", err)
			return 1
		}
		sql = string(b)
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		fmt.Fprintln(os.Stderr, "rewrite: no statement given")
		return 2
	}

	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := status.Open(ctx, cfg.DSN(), 2, cfg.DataLoadNotifyChannel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rewrite: connect to status store:", err)
		return 1
	}
	defer store.Close()

	redisClient, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rewrite: connect to redis:", err)
		return 1
	}
	defer redisClient.Close()

	cache, err := loadercache.New(redisClient, cfg.ValidateCacheTTL, cfg.ValidateLRUSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rewrite: build loader cache:", err)
		return 1
	}

	deps := loader.Deps{Store: store, HTTPClient: httpclient.NewOutbound(), TmpDir: cfg.TmpLoadDataFileLoc}
	registry := loader.NewRegistry(deps, cache, cfg.DataLoaders, allFactories())

	ctrl := &rewrite.Controller{
		Store:     store,
		Registry:  registry,
		Cache:     cache,
		SecretKey: cfg.SecretKey,
	}

	out, err := ctrl.Rewrite(ctx, *user, sql, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rewrite error:", err)
		return 1
	}
	fmt.Println(out)
	return 0
}
