package health

import (
	"encoding/json"
	"net/http"
)

// Liveness reports the process is up and serving, regardless of whether
// its database connection or notification listener are healthy.
func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter is satisfied by the daemon: DBUp reflects the status
// database's connection pool, ListenerUp reflects the pq.Listener used to
// receive load-request notifications.
type ReadinessReporter interface {
	Readiness() (dbUp, listenerUp bool)
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string `json:"status"`
			DBUp       bool   `json:"db_up"`
			ListenerUp bool   `json:"listener_up"`
		}
		dbUp, listenerUp := rr.Readiness()
		out := resp{Status: "not_ready", DBUp: dbUp, ListenerUp: listenerUp}
		ready := dbUp && listenerUp
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
