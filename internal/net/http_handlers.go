package net

import (
	nethttp "net/http"
	"time"

	"github.com/goccy/go-json"

	"replicore/internal/net/proto"
	"replicore/internal/telemetry"
)

// HTTPHandlerConfig wires the endpoints the server exposes next to the
// replication socket.
type HTTPHandlerConfig struct {
	// Sessions upgrades /ws requests; nil disables the socket endpoint.
	Sessions nethttp.Handler
	// Entities renders the /debug/entities payload.
	Entities func() any
	// Metrics renders the metrics block of /healthz.
	Metrics func() map[string]uint64
	Logger  telemetry.Logger
	Now     func() time.Time
}

// NewHTTPHandler builds the server's HTTP surface.
func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			Protocol   int               `json:"protocol"`
			Metrics    map[string]uint64 `json:"metrics,omitempty"`
		}{
			Status:     "ok",
			ServerTime: now().UnixMilli(),
			Protocol:   proto.Version,
		}
		if cfg.Metrics != nil {
			payload.Metrics = cfg.Metrics()
		}
		writeJSON(w, logger, payload)
	})

	mux.HandleFunc("/debug/entities", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		if cfg.Entities == nil {
			httpError(w, "entity listing unavailable", nethttp.StatusNotFound)
			return
		}
		writeJSON(w, logger, struct {
			Entities any `json:"entities"`
		}{Entities: cfg.Entities()})
	})

	if cfg.Sessions != nil {
		mux.Handle("/ws", cfg.Sessions)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("failed to encode http response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(message))
}
