package controlhttp

// HTTP control surface. Thin by contract: handlers parse, enqueue and answer;
// no controller state is mutated here. The switch endpoints feed the command
// queue through the Switcher interface, keeping this package free of a
// dependency on the facade.

import (
	"encoding/json"
	"net/http"
	"strings"

	telemetryhealth "github.com/99souls/mswitch/controller/telemetry/health"
)

// Switcher enqueues a switch request. Implemented by the controller facade.
type Switcher interface {
	EnqueueSwitch(id string) error
}

// Options configures the handler set.
type Options struct {
	Switcher      Switcher
	Health        *telemetryhealth.Evaluator // optional, enables /healthz and /readyz
	Status        func() any                 // optional, enables /status
	Metrics       http.Handler               // optional, mounted at /metrics
	SwitchMetrics http.Handler               // optional, mounted at /metrics/switches
}

type switchRequest struct {
	Source string `json:"source"`
}

type switchResponse struct {
	Status  string `json:"status"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewHandler assembles the control mux. Unmatched paths answer with the
// default ok body so probes and naive clients get a parseable response.
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/switch", func(w http.ResponseWriter, r *http.Request) {
		handleSwitch(w, r, opts.Switcher)
	})
	mux.HandleFunc("/switch/", func(w http.ResponseWriter, r *http.Request) {
		handleSwitch(w, r, opts.Switcher)
	})
	if opts.Status != nil {
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, opts.Status())
		})
	}
	if opts.Health != nil {
		mux.Handle("/healthz", newHealthHandler(opts.Health, false))
		mux.Handle("/readyz", newHealthHandler(opts.Health, true))
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.SwitchMetrics != nil {
		mux.Handle("/metrics/switches", opts.SwitchMetrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, switchResponse{Status: "ok"})
	})
	return mux
}

// handleSwitch accepts POST /switch/<id> and POST /switch with a JSON body.
func handleSwitch(w http.ResponseWriter, r *http.Request, sw Switcher) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusBadRequest, switchResponse{Status: "error", Message: "POST required"})
		return
	}
	if sw == nil {
		writeJSON(w, http.StatusServiceUnavailable, switchResponse{Status: "error", Message: "controller unavailable"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/switch")
	id = strings.Trim(id, "/")
	if id == "" {
		var req switchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Source == "" {
			writeJSON(w, http.StatusBadRequest, switchResponse{Status: "error", Message: "missing source"})
			return
		}
		id = req.Source
	}
	if err := sw.EnqueueSwitch(id); err != nil {
		writeJSON(w, http.StatusBadRequest, switchResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, switchResponse{Status: "ok", Source: id})
}

// newHealthHandler serves the serviceability snapshot; the readiness variant
// additionally maps not-ready to 503 for load balancers.
func newHealthHandler(eval *telemetryhealth.Evaluator, readiness bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := eval.Evaluate(r.Context())
		code := http.StatusOK
		if readiness && !snap.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, snap)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
