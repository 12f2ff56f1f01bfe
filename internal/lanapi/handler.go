// Package lanapi is the HTTP interface workstations use on the property
// LAN: locks, check numbers, check edits, heartbeats, and the operator
// views of the sync queue and open conflicts.
package lanapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/caps/internal/checks"
	"github.com/roach88/caps/internal/conflict"
	"github.com/roach88/caps/internal/connectivity"
	"github.com/roach88/caps/internal/ids"
	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/syncqueue"
)

// StateSource exposes the connectivity state.
type StateSource interface {
	State() connectivity.State
}

// Deps are the components the handler serves.
type Deps struct {
	Checks    *checks.Manager
	Peers     *connectivity.PeerRegistry
	Mode      StateSource
	Queue     *syncqueue.Queue
	Conflicts *conflict.Resolver
	IDs       ids.Generator
}

// Handler serves the LAN API.
type Handler struct {
	deps     Deps
	validate *validator.Validate
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, validate: validator.New()}
}

// Server wraps the routes with request logging and tracing.
func (h *Handler) Server() http.Handler {
	return otelhttp.NewHandler(LoggingMiddleware(h.deps.IDs, h.Routes()), "caps-lan")
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /api/checks", h.handleOpenCheck)
	mux.HandleFunc("GET /api/checks", h.handleListChecks)
	mux.HandleFunc("GET /api/checks/{id}", h.handleGetCheck)
	mux.HandleFunc("PUT /api/checks/{id}/items", h.handleSaveItems)
	mux.HandleFunc("POST /api/checks/{id}/payments", h.handleAddPayment)
	mux.HandleFunc("POST /api/checks/{id}/close", h.handleClose)
	mux.HandleFunc("POST /api/checks/{id}/void", h.handleVoid)

	mux.HandleFunc("POST /api/checks/{id}/lock", h.handleAcquireLock)
	mux.HandleFunc("DELETE /api/checks/{id}/lock", h.handleReleaseLock)
	mux.HandleFunc("POST /api/checks/{id}/lock/override", h.handleOverrideLock)
	mux.HandleFunc("POST /api/checks/{id}/view", h.handleViewLock)
	mux.HandleFunc("GET /api/locks", h.handleListLocks)

	mux.HandleFunc("POST /api/workstations/{ws}/check-number", h.handleCheckNumber)
	mux.HandleFunc("POST /api/workstations/{ws}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /api/workstations", h.handleListPeers)
	mux.HandleFunc("GET /api/mode", h.handleMode)

	mux.HandleFunc("GET /api/queue/stats", h.handleQueueStats)
	mux.HandleFunc("GET /api/queue/parked", h.handleQueueParked)
	mux.HandleFunc("POST /api/queue/{id}/requeue", h.handleRequeue)

	mux.HandleFunc("GET /api/conflicts", h.handleListConflicts)
	mux.HandleFunc("GET /api/conflicts/{id}", h.handleGetConflict)
	mux.HandleFunc("GET /api/conflicts/{id}/diff", h.handleConflictDiff)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", h.handleResolve)
	return mux
}

type lockRequest struct {
	WorkstationID string `json:"workstation_id" validate:"required"`
	EmployeeID    string `json:"employee_id" validate:"required"`
	TTLSeconds    int    `json:"ttl_seconds" validate:"gte=0"`
}

type overrideRequest struct {
	WorkstationID string               `json:"workstation_id" validate:"required"`
	EmployeeID    string               `json:"employee_id" validate:"required"`
	Class         checks.ConflictClass `json:"class" validate:"required,oneof=soft hard"`
}

type itemsRequest struct {
	WorkstationID string           `json:"workstation_id" validate:"required"`
	BaseVersion   int64            `json:"base_version" validate:"gte=1"`
	Items         []model.LineItem `json:"items"`
}

type paymentRequest struct {
	WorkstationID string `json:"workstation_id" validate:"required"`
	checks.PaymentRequest
}

type workstationRequest struct {
	WorkstationID string `json:"workstation_id" validate:"required"`
}

type voidRequest struct {
	WorkstationID string `json:"workstation_id" validate:"required"`
	Reason        string `json:"reason" validate:"required"`
}

type resolveRequest struct {
	Decision   model.Decision `json:"decision" validate:"required,oneof=keep_local keep_remote manual_merge"`
	ResolvedBy string         `json:"resolved_by" validate:"required"`
	Merged     *model.Check   `json:"merged,omitempty"`
}

type numberResponse struct {
	WorkstationID string `json:"workstation_id"`
	Number        int64  `json:"number"`
}

type modeResponse struct {
	Mode              connectivity.Mode `json:"mode"`
	Since             time.Time         `json:"since"`
	ConsecutiveMisses int               `json:"consecutive_misses"`
	LANMisses         int               `json:"lan_misses"`
	LastHeartbeatAt   *time.Time        `json:"last_heartbeat_at,omitempty"`
}

type diffResponse struct {
	ConflictID string `json:"conflict_id"`
	Diff       string `json:"diff"`
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeFailure(w, r, err)
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleOpenCheck(w http.ResponseWriter, r *http.Request) {
	var req checks.OpenRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Checks.OpenCheck(r.Context(), req)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleListChecks(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Checks.ListOpenChecks(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Checks.GetCheck(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleSaveItems(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Checks.SaveItems(r.Context(), req.WorkstationID, r.PathValue("id"), req.BaseVersion, req.Items)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleAddPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Checks.AddPayment(r.Context(), req.WorkstationID, r.PathValue("id"), req.PaymentRequest)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req workstationRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Checks.CloseCheck(r.Context(), req.WorkstationID, r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Checks.VoidCheck(r.Context(), req.WorkstationID, r.PathValue("id"), req.Reason)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.deps.Checks.AcquireLock(r.Context(), r.PathValue("id"), req.WorkstationID, req.EmployeeID,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	ws := r.URL.Query().Get("workstation_id")
	if ws == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "workstation_id is required", nil)
		return
	}
	if err := h.deps.Checks.ReleaseLock(r.Context(), r.PathValue("id"), ws); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOverrideLock(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.deps.Checks.OverrideLock(r.Context(), r.PathValue("id"), req.WorkstationID, req.EmployeeID, req.Class)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handleViewLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.deps.Checks.AcquireViewLock(r.Context(), r.PathValue("id"), req.WorkstationID, req.EmployeeID,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.deps.Checks.ListLocks(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

func (h *Handler) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	n, err := h.deps.Checks.NextCheckNumber(r.Context(), ws)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, numberResponse{WorkstationID: ws, Number: n})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.deps.Peers.Heartbeat(r.PathValue("ws"))
	h.handleMode(w, r)
}

func (h *Handler) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Peers.Peers())
}

func (h *Handler) handleMode(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Mode.State()
	resp := modeResponse{
		Mode:              st.Mode,
		Since:             st.Since,
		ConsecutiveMisses: st.ConsecutiveMisses,
		LANMisses:         st.LANMisses,
	}
	if !st.LastHeartbeatAt.IsZero() {
		at := st.LastHeartbeatAt
		resp.LastHeartbeatAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Queue.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleQueueParked(w http.ResponseWriter, r *http.Request) {
	items, err := h.deps.Queue.ListParked(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Queue.Requeue(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	item, err := h.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := model.ConflictStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.ConflictAwaiting, model.ConflictPending, model.ConflictResolved:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("unknown status %q", status), nil)
		return
	}
	list, err := h.deps.Conflicts.List(r.Context(), status)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleConflictDiff(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Conflicts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	current, err := h.deps.Checks.GetCheck(r.Context(), c.CheckID)
	if err != nil && !errors.Is(err, checks.ErrCheckNotFound) {
		writeFailure(w, r, err)
		return
	}
	var cur *model.Check
	if err == nil {
		cur = &current
	}
	diff, err := conflict.Diff(c, cur)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diffResponse{ConflictID: c.ID, Diff: diff})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.deps.Conflicts.Resolve(r.Context(), r.PathValue("id"), req.Decision, req.ResolvedBy, req.Merged)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
