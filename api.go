package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oblq/reflowctl/internal/oven"
	"github.com/oblq/reflowctl/internal/reflow"
	"github.com/oblq/reflowctl/internal/report"
	"github.com/oblq/reflowctl/internal/store"
	"github.com/oblq/reflowctl/internal/telemetry"
	"github.com/oblq/reflowctl/modules/reflowcontroller"
	"github.com/oblq/reflowctl/modules/simulator"
)

var errNoHistory = errors.New("run history is disabled")

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", d.broadcaster)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", d.handleHealth)

	mux.HandleFunc("GET /api/status", d.handleStatus)
	mux.HandleFunc("POST /api/run", d.handleRun)
	mux.HandleFunc("POST /api/run/stop", d.handleStop)
	mux.HandleFunc("POST /api/reset", d.handleReset)
	mux.HandleFunc("GET /api/pid", d.handleGetPID)
	mux.HandleFunc("PUT /api/pid", d.handleSetPID)
	mux.HandleFunc("PUT /api/profile", d.handleSetProfile)
	mux.HandleFunc("GET /api/runs", d.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", d.handleRunByID)
	mux.HandleFunc("GET /api/runs/{id}/samples", d.handleSamples) // ?stage=SOAK

	return mux
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": d.connected.Load(),
		"running":   d.running(),
		"clients":   d.broadcaster.Clients(),
	})
}

// handleStatus answers from the last sample while a run owns the controller.
func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	var s telemetry.Sample
	err := d.exclusive(func() error {
		in, err := d.oven.Status(r.Context())
		if err != nil {
			return err
		}
		s = telemetry.NewSample("", 0, time.Now(), in)
		return nil
	})

	if errors.Is(err, errBusy) {
		last := d.lastSample.Load()
		if last == nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, last)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (d *daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	attach, _ := strconv.ParseBool(r.URL.Query().Get("attach"))
	if err := d.startRun(reflow.RunOptions{Attach: attach}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (d *daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	if !d.stopRun() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no run in progress"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (d *daemon) handleReset(w http.ResponseWriter, r *http.Request) {
	err := d.exclusive(func() error {
		return d.oven.Reset(r.Context())
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (d *daemon) handleGetPID(w http.ResponseWriter, r *http.Request) {
	var gains report.PIDGains
	err := d.exclusive(func() (err error) {
		gains, err = d.oven.PIDGains(r.Context())
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gains)
}

func (d *daemon) handleSetPID(w http.ResponseWriter, r *http.Request) {
	var gains report.PIDGains
	if err := json.NewDecoder(r.Body).Decode(&gains); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err := d.exclusive(func() error {
		return d.oven.UploadPIDGains(r.Context(), gains)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gains)
}

func (d *daemon) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var profile report.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err := d.exclusive(func() error {
		return d.oven.UploadProfile(r.Context(), profile)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (d *daemon) handleRuns(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, errNoHistory)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := d.store.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []telemetry.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (d *daemon) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, errNoHistory)
		return
	}

	run, err := d.store.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (d *daemon) handleSamples(w http.ResponseWriter, r *http.Request) {
	if d.store == nil {
		writeError(w, errNoHistory)
		return
	}

	var only *report.Stage
	if name := r.URL.Query().Get("stage"); name != "" {
		stage, err := report.ParseStage(strings.ToUpper(name))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		only = &stage
	}

	id := r.PathValue("id")
	if _, err := d.store.Run(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	samples, err := d.store.Samples(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if only != nil {
		samples = filterStage(samples, *only)
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// ---------------------------------------------------------------------------------------------------------------------

func filterStage(samples []telemetry.Sample, stage report.Stage) []telemetry.Sample {
	var out []telemetry.Sample
	for _, s := range samples {
		if s.Stage == stage {
			out = append(out, s)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	var profileErr *report.ProfileError
	switch {
	case errors.Is(err, errBusy), errors.Is(err, reflow.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrRunNotFound), errors.Is(err, errNoHistory):
		return http.StatusNotFound
	case errors.As(err, &profileErr):
		return http.StatusBadRequest
	case errors.Is(err, reflowcontroller.ErrNotFound), errors.Is(err, simulator.ErrUnplugged):
		return http.StatusServiceUnavailable
	case errors.Is(err, oven.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
