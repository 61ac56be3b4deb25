package workload

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/httprunner/DeviceFarm/internal/batch"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// LogReader exposes the audit log. The storage repository satisfies it.
type LogReader interface {
	Logs(ctx context.Context, workloadID string, limit int) ([]LogEntry, error)
}

type createRequest struct {
	Name               string   `json:"name"`
	VideoIDs           []string `json:"video_ids"`
	TargetWorkstations []string `json:"target_workstations"`
	CycleIntervalSec   float64  `json:"cycle_interval_sec"`
	Options            struct {
		BatchIntervalSec float64  `json:"batch_interval_sec"`
		WatchMinSec      float64  `json:"watch_min_sec"`
		WatchMaxSec      float64  `json:"watch_max_sec"`
		LikeProbability  *float64 `json:"like_probability"`
		Concurrency      int      `json:"concurrency"`
		RandomPause      bool     `json:"random_pause"`
	} `json:"options"`
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func (req createRequest) spec() Spec {
	opts := batch.Options{
		BatchInterval: seconds(req.Options.BatchIntervalSec),
		WatchMin:      seconds(req.Options.WatchMinSec),
		WatchMax:      seconds(req.Options.WatchMaxSec),
		Concurrency:   req.Options.Concurrency,
		RandomPause:   req.Options.RandomPause,
	}
	if req.Options.LikeProbability != nil {
		opts.LikeProbability = *req.Options.LikeProbability
		if opts.LikeProbability == 0 {
			// zero in Options means "use the default"; negative disables likes
			opts.LikeProbability = -1
		}
	}
	return Spec{
		Name:               req.Name,
		VideoIDs:           req.VideoIDs,
		Options:            opts,
		CycleInterval:      seconds(req.CycleIntervalSec),
		TargetWorkstations: req.TargetWorkstations,
	}
}

// NewHandler routes the workload control surface:
//
//	POST /videos                      store video metadata
//	POST /workloads                   create a pending workload
//	GET  /workloads/{id}              live status
//	GET  /workloads/{id}/logs         audit log (?limit=)
//	POST /workloads/{id}/{action}     start, resume, pause or cancel
//
// logs may be nil.
func NewHandler(engine *Engine, logs LogReader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /videos", func(w http.ResponseWriter, r *http.Request) {
		var v Video
		if err := decode(w, r, &v); err != nil {
			writeError(w, err)
			return
		}
		if err := engine.AddVideo(r.Context(), v); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	})
	mux.HandleFunc("POST /workloads", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		wl, err := engine.Create(r.Context(), req.spec())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, wl)
	})
	mux.HandleFunc("GET /workloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		wl, err := engine.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wl)
	})
	mux.HandleFunc("GET /workloads/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		if logs == nil {
			writeJSON(w, http.StatusOK, []LogEntry{})
			return
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, errors.Wrapf(ErrInvalid, "limit %q", raw))
				return
			}
			limit = n
		}
		entries, err := logs.Logs(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
	mux.HandleFunc("POST /workloads/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		switch action := r.PathValue("action"); action {
		case "start":
			err = engine.Start(r.Context(), id)
		case "resume":
			err = engine.Resume(r.Context(), id)
		case "pause":
			err = engine.Pause(r.Context(), id)
		case "cancel":
			err = engine.Cancel(r.Context(), id)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		wl, err := engine.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, wl)
	})
	return mux
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrapf(ErrInvalid, "decode body: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotStartable), errors.Is(err, ErrNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("workload: request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("workload: write response failed")
	}
}
