package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-relay/internal/audio"
	"github.com/loqalabs/loqa-relay/internal/connection"
)

type statusResponse struct {
	Connection connection.Status  `json:"connection"`
	Metrics    connection.Metrics `json:"metrics"`
	Pending    int                `json:"pending_requests"`
	Audio      audio.QueueState   `json:"audio"`
	Providers  []string           `json:"tts_providers"`
	Preferred  string             `json:"tts_preferred"`
	Bus        bool               `json:"bus_connected"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Connection: r.conn.Status(),
		Metrics:    r.conn.Metrics(),
		Pending:    r.conn.PendingRequests(),
		Audio:      r.audio.State(),
		Providers:  r.chain.Providers(),
		Preferred:  r.chain.Preferred(),
		Bus:        r.bus.Healthy(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
