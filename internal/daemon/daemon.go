// Package daemon implements the mediator's long-lived dispatcher (spec
// component J): a single-threaded cooperative loop that listens for
// load-request notifications and hands each one to an OS-level isolated
// worker process for failure containment. The daemon never runs loader
// code in-process and never shares its connection pool with a worker --
// each worker subprocess opens its own *sql.DB and *redis.Client (spec
// §5's "no shared pool across process boundaries" invariant, satisfied
// literally via a real subprocess rather than an in-process goroutine).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mohammed-shakir/geosql-mediator/internal/core/observability"
	"github.com/mohammed-shakir/geosql-mediator/internal/logger"
	"github.com/mohammed-shakir/geosql-mediator/internal/status"
)

// WorkerSubcommand is the hidden cmd/mediatord subcommand the daemon
// re-execs itself with to run one loader invocation in isolation.
const WorkerSubcommand = "loadworker"

// Daemon dispatches load requests received on the status store's
// notification channel to isolated worker subprocesses.
type Daemon struct {
	Store    *status.Store
	Listener *status.Listener
	Logger   *slog.Logger

	// BinaryPath is the executable re-exec'd per worker, normally
	// os.Executable(). Overridable in tests.
	BinaryPath string

	mu       sync.Mutex
	inFlight map[string]bool
}

// New constructs a Daemon. If binaryPath is empty, os.Executable() is
// used lazily on first dispatch.
func New(store *status.Store, listener *status.Listener, logger *slog.Logger, binaryPath string) *Daemon {
	return &Daemon{
		Store:      store,
		Listener:   listener,
		Logger:     logger,
		BinaryPath: binaryPath,
		inFlight:   map[string]bool{},
	}
}

// Readiness implements health.ReadinessReporter.
func (d *Daemon) Readiness() (dbUp, listenerUp bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbErr := d.Store.DB().PingContext(ctx)
	lErr := d.Listener.Ping(ctx)
	return dbErr == nil, lErr == nil
}

// Run is the daemon's cooperative poll loop (spec §4.10 step 4): it
// blocks on the listener's channel -- never on loader work -- and
// dispatches each decoded request to dispatch, which spawns the isolated
// worker and returns immediately. It exits when ctx is cancelled or the
// listener's channel closes.
func (d *Daemon) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-d.Listener.Requests():
			if !ok {
				return nil
			}
			d.dispatch(ctx, req)
		}
	}
}

// dispatch implements at-least-once tolerance (spec §3's load request
// contract): duplicate notifications for a URL already dispatched in this
// process are dropped; the worker itself consults the status store
// before doing any work and exits without loading when the URL is
// already Saved, so a duplicate that slipped through a daemon restart
// after the load finished is harmless.
func (d *Daemon) dispatch(ctx context.Context, req status.LoadRequest) {
	d.mu.Lock()
	if d.inFlight[req.URL] {
		d.mu.Unlock()
		return
	}
	d.inFlight[req.URL] = true
	d.mu.Unlock()

	observability.SetDaemonQueueDepth(d.queueDepth())

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, req.URL)
			d.mu.Unlock()
			observability.SetDaemonQueueDepth(d.queueDepth())
		}()
		d.runWorker(ctx, req)
	}()
}

func (d *Daemon) queueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// runWorker re-execs the daemon's own binary with the hidden loadworker
// subcommand, passing the load request as flags, and waits for it to
// exit. A non-zero exit is recorded as a LoaderFailure on the status row
// and triggers best-effort cleanup of the partially-loaded table (spec
// §4.10 step 3); the worker itself is responsible for setting Error with
// a more specific message when it can.
func (d *Daemon) runWorker(ctx context.Context, req status.LoadRequest) {
	bin := d.BinaryPath
	if bin == "" {
		if self, err := os.Executable(); err == nil {
			bin = self
		} else {
			bin = os.Args[0]
		}
	}

	cmd := exec.CommandContext(ctx, bin,
		WorkerSubcommand,
		"-url="+req.URL,
		"-table="+req.TableName,
		"-user="+req.Username,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	ctx = logger.WithURL(ctx, req.URL)
	d.Logger.InfoContext(ctx, "spawning loader worker", "table_name", req.TableName)
	err := cmd.Run()
	if err != nil {
		observability.IncDaemonWorkerSpawn("error")
		d.Logger.ErrorContext(ctx, "loader worker exited with error", "err", err)
		msg := fmt.Sprintf("worker process failed: %v", err)
		if serr := d.Store.SetError(ctx, req.URL, msg); serr != nil {
			d.Logger.ErrorContext(ctx, "failed to record worker failure", "err", serr)
		}
		d.cleanupTable(ctx, req.TableName)
		return
	}
	observability.IncDaemonWorkerSpawn("ok")
}

func (d *Daemon) cleanupTable(ctx context.Context, tableName string) {
	if tableName == "" {
		return
	}
	if _, err := d.Store.DB().ExecContext(ctx, `DROP TABLE IF EXISTS public."`+tableName+`"`); err != nil {
		d.Logger.Warn("failed to drop table after worker crash", "table_name", tableName, "err", err)
	}
}
