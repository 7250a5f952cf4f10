package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Listener wraps a pq.Listener subscribed to the daemon's notify channel,
// decoding each notification payload into a LoadRequest. It is owned by
// the daemon process, never by a loader worker.
type Listener struct {
	pl  *pq.Listener
	out chan LoadRequest
	err chan error
}

// NewListener opens a LISTEN connection against dsn on channel and starts
// forwarding decoded notifications on Requests(). Reconnection, backoff
// and keepalive pings are handled by lib/pq's Listener internals.
func NewListener(dsn, channel string, onEvent func(pq.ListenerEventType, error)) (*Listener, error) {
	pl := pq.NewListener(dsn, 10*time.Second, time.Minute, onEvent)
	if err := pl.Listen(channel); err != nil {
		_ = pl.Close()
		return nil, err
	}
	l := &Listener{pl: pl, out: make(chan LoadRequest, 64), err: make(chan error, 1)}
	go l.pump()
	return l, nil
}

func (l *Listener) pump() {
	for n := range l.pl.Notify {
		if n == nil {
			continue // reconnected; notifications sent while disconnected are not replayed
		}
		var req LoadRequest
		if err := json.Unmarshal([]byte(n.Extra), &req); err != nil {
			continue // malformed payload, ignored per at-least-once/best-effort contract
		}
		l.out <- req
	}
	close(l.out)
}

// Requests returns the channel of decoded load requests.
func (l *Listener) Requests() <-chan LoadRequest { return l.out }

// Ping checks the underlying connection is alive, used for readiness.
func (l *Listener) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- l.pl.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Close() error { return l.pl.Close() }
