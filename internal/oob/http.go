package oob

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/httprunner/DeviceFarm/internal/oob/health"
	"github.com/httprunner/DeviceFarm/internal/oob/recovery"
	"github.com/httprunner/DeviceFarm/internal/oob/rules"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// HistoryLister returns recent recovery results. *recovery.Dispatcher satisfies it.
type HistoryLister interface {
	History(nodeID string, limit int) []recovery.Result
}

// nodeView is the JSON shape returned for a node.
type nodeView struct {
	health.NodeHealth
	Evaluation rules.Result `json:"evaluation"`
}

type registerRequest struct {
	TailscaleIP string           `json:"tailscale_ip"`
	Box         health.BoxTarget `json:"box"`
}

// Handler serves heartbeat ingest and read-only node state.
type Handler struct {
	collector *health.Collector
	engine    *rules.Engine
	history   HistoryLister
	mux       *http.ServeMux
}

// NewHandler routes:
//
//	POST /oob/nodes/{node}/metrics   ingest one heartbeat
//	POST /oob/nodes/{node}/register  set transport ip and box target
//	GET  /oob/nodes                  all nodes (?unhealthy=1 to filter)
//	GET  /oob/nodes/{node}           one node with its current evaluation
//	GET  /oob/recoveries             recent results (?node=, ?limit=)
//
// history may be nil.
func NewHandler(collector *health.Collector, engine *rules.Engine, history HistoryLister) *Handler {
	h := &Handler{collector: collector, engine: engine, history: history, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /oob/nodes/{node}/metrics", h.ingestMetrics)
	h.mux.HandleFunc("POST /oob/nodes/{node}/register", h.registerNode)
	h.mux.HandleFunc("GET /oob/nodes", h.listNodes)
	h.mux.HandleFunc("GET /oob/nodes/{node}", h.getNode)
	h.mux.HandleFunc("GET /oob/recoveries", h.listRecoveries)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) ingestMetrics(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node")
	var in health.MetricsInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	node, err := h.collector.UpdateMetrics(r.Context(), nodeID, in)
	if err != nil {
		log.Warn().Err(err).Str("node", nodeID).Msg("oob: rejected heartbeat")
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(node))
}

func (h *Handler) registerNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Box.Port < 0 || req.Box.Slot < 0 {
		writeError(w, http.StatusBadRequest, errors.New("box port and slot must not be negative"))
		return
	}
	node := h.collector.Register(r.PathValue("node"), req.TailscaleIP, req.Box)
	writeJSON(w, http.StatusOK, h.view(node))
}

func (h *Handler) listNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []health.NodeHealth
	if unhealthy, _ := strconv.ParseBool(r.URL.Query().Get("unhealthy")); unhealthy {
		nodes = h.collector.GetUnhealthy()
	} else {
		nodes = h.collector.GetAll()
	}
	views := make([]nodeView, 0, len(nodes))
	for _, node := range nodes {
		views = append(views, h.view(node))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node")
	node, ok := h.collector.Get(nodeID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.Wrapf(health.ErrUnknownNode, "node %q", nodeID))
		return
	}
	writeJSON(w, http.StatusOK, h.view(node))
}

func (h *Handler) listRecoveries(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []recovery.Result{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.history.History(r.URL.Query().Get("node"), limit))
}

func (h *Handler) view(node health.NodeHealth) nodeView {
	return nodeView{NodeHealth: node, Evaluation: h.engine.Evaluate(node)}
}

// decodeBody rejects unknown fields and trailing data.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "decode request body")
	}
	if dec.More() {
		return errors.New("decode request body: unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("oob: write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
