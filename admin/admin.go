// Package admin serves operational endpoints: Prometheus metrics and a
// health check. It listens separately from the user-facing API.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter reports how many campaigns exist; the ledger satisfies it.
type Counter interface {
	CampaignCount() (uint64, error)
}

// Sequencer reports the newest event sequence; the event log satisfies it.
type Sequencer interface {
	LastSeq() (uint64, error)
}

type health struct {
	Status       string `json:"status"`
	Campaigns    uint64 `json:"campaigns"`
	LastEventSeq uint64 `json:"last_event_seq"`
	Error        string `json:"error,omitempty"`
}

// NewRouter returns the admin routes.
func NewRouter(gatherer prometheus.Gatherer, ledger Counter, events Sequencer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		n, err := ledger.CampaignCount()
		var seq uint64
		if err == nil {
			seq, err = events.LastSeq()
		}
		if err != nil {
			log.Errorf("healthz: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(health{Status: "unavailable", Error: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(health{Status: "ok", Campaigns: n, LastEventSeq: seq})
	}).Methods(http.MethodGet)
	return r
}

// Serve runs handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Handler:      handler,
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()
	log.Infof("admin listening on %s", addr)

	select {
	case err := <-errc:
		return errors.Wrap(err, "admin server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
