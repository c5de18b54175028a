// Package http provides the REST adapter for the advisory gateway.
package http

import (
	"net/http"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/domain/approval"
	"github.com/WoodrowLove/advisorygate/internal/domain/request"
	"github.com/WoodrowLove/advisorygate/internal/middleware"
	"github.com/WoodrowLove/advisorygate/internal/service"
)

// defaultBodyLimit bounds JSON request bodies.
const defaultBodyLimit = 1 << 20 // 1 MB

// Handlers holds the services the REST layer fans out to.
type Handlers struct {
	gw     *service.Gateway
	hil    *service.HILService
	health *service.HealthService
	hub    *ws.Hub
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(gw *service.Gateway, hil *service.HILService, health *service.HealthService, hub *ws.Hub) *Handlers {
	return &Handlers{gw: gw, hil: hil, health: health, hub: hub}
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type submitRequestBody struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Type           string            `json:"request_type"`
	Priority       string            `json:"priority"`
	Payload        map[string]string `json:"payload"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
}

type submitRequestResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Replayed      bool   `json:"replayed"`
}

// SubmitRequest accepts one advisory request. Replays of a previously
// accepted (caller, idempotency key) pair return the original correlation
// id with status 200 instead of 202.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[submitRequestBody](w, r, defaultBodyLimit)
	if !ok {
		return
	}

	caller := middleware.CallerFromContext(r.Context())
	if !requireField(w, caller, "caller") {
		return
	}

	req, replayed, err := h.gw.Submit(r.Context(), service.SubmitInput{
		Caller:         caller,
		IdempotencyKey: body.IdempotencyKey,
		Type:           body.Type,
		Priority:       request.Priority(body.Priority),
		Payload:        body.Payload,
		Timeout:        time.Duration(body.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}

	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, submitRequestResponse{
		CorrelationID: req.CorrelationID,
		Status:        string(req.Status),
		Replayed:      replayed,
	})
}

// GetRequest returns the current state of a request, including its
// resolved action once terminal.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	correlationID := urlParam(r, "correlationID")
	if !requireField(w, correlationID, "correlationID") {
		return
	}

	req, err := h.gw.Poll(r.Context(), correlationID)
	if err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ---------------------------------------------------------------------------
// Deliveries (push path)
// ---------------------------------------------------------------------------

// DeliverResponse accepts an advisory response pushed by the backend.
func (h *Handlers) DeliverResponse(w http.ResponseWriter, r *http.Request) {
	adv, ok := readJSON[request.AdvisoryResponse](w, r, defaultBodyLimit)
	if !ok {
		return
	}

	if err := h.gw.Deliver(r.Context(), &adv); err != nil {
		writeDomainError(w, err, "request not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Approval cases
// ---------------------------------------------------------------------------

type caseActionBody struct {
	Actor     string `json:"actor"`
	Reasoning string `json:"reasoning,omitempty"`
}

// caseTransition is the shared shape of all four case endpoints.
func (h *Handlers) caseTransition(w http.ResponseWriter, r *http.Request,
	apply func(r *http.Request, id string, body caseActionBody) (*approval.Case, error)) {
	id := urlParam(r, "id")
	if !requireField(w, id, "id") {
		return
	}
	body, ok := readJSON[caseActionBody](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	if !requireField(w, body.Actor, "actor") {
		return
	}

	c, err := apply(r, id, body)
	if err != nil {
		writeDomainError(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) AcknowledgeCase(w http.ResponseWriter, r *http.Request) {
	h.caseTransition(w, r, func(r *http.Request, id string, body caseActionBody) (*approval.Case, error) {
		return h.hil.Acknowledge(r.Context(), id, body.Actor, body.Reasoning)
	})
}

func (h *Handlers) ApproveCase(w http.ResponseWriter, r *http.Request) {
	h.caseTransition(w, r, func(r *http.Request, id string, body caseActionBody) (*approval.Case, error) {
		return h.hil.Approve(r.Context(), id, body.Actor, body.Reasoning)
	})
}

func (h *Handlers) DenyCase(w http.ResponseWriter, r *http.Request) {
	h.caseTransition(w, r, func(r *http.Request, id string, body caseActionBody) (*approval.Case, error) {
		return h.hil.Deny(r.Context(), id, body.Actor, body.Reasoning)
	})
}

func (h *Handlers) EscalateCase(w http.ResponseWriter, r *http.Request) {
	h.caseTransition(w, r, func(r *http.Request, id string, body caseActionBody) (*approval.Case, error) {
		return h.hil.Escalate(r.Context(), id, body.Actor, body.Reasoning)
	})
}

// GetCase returns one approval case with its audit bundle.
func (h *Handlers) GetCase(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !requireField(w, id, "id") {
		return
	}

	c, err := h.hil.GetCase(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type listCasesResponse struct {
	Cases []approval.Case `json:"cases"`
}

// ListCases returns open cases by default, or by ?status= filter.
func (h *Handlers) ListCases(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	var (
		cases []approval.Case
		err   error
	)
	if status == "" {
		cases, err = h.hil.ListOpen(r.Context())
	} else {
		cases, err = h.hil.ListCases(r.Context(), approval.Status(status), 100)
	}
	if err != nil {
		writeDomainError(w, err, "cases not found")
		return
	}
	if cases == nil {
		cases = []approval.Case{}
	}
	writeJSON(w, http.StatusOK, listCasesResponse{Cases: cases})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health returns the aggregated component report.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	rep := h.health.Report(r.Context())
	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// HandleWS upgrades to the event stream WebSocket.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}
