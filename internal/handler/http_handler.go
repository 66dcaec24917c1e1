package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/registry"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ChannelServer runs a task channel session for an authenticated user.
type ChannelServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	steps    *service.StepService
	tasks    *service.TaskService
	registry *registry.Registry
	tokens   *auth.Manager
	channel  ChannelServer
	log      zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	steps *service.StepService,
	tasks *service.TaskService,
	reg *registry.Registry,
	tokens *auth.Manager,
	channel ChannelServer,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		steps:    steps,
		tasks:    tasks,
		registry: reg,
		tokens:   tokens,
		channel:  channel,
		log:      log.With().Str("handler", "http").Logger(),
	}
}

// ── Actions ───────────────────────────────────────────────────────────────────

// ListActions handles GET /api/v1/actions
func (h *HTTPHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": h.registry.List()})
}

// ── Steps ─────────────────────────────────────────────────────────────────────

type createStepRequest struct {
	InstitutionID string   `json:"institution_id"`
	StepName      string   `json:"step_name"`
	ActionID      string   `json:"action_id"`
	Level         int      `json:"level"`
	Roles         []string `json:"roles"`
	Approvers     []string `json:"approvers"`
}

type updateStepRequest struct {
	StepName  *string   `json:"step_name"`
	Roles     *[]string `json:"roles"`
	Approvers *[]string `json:"approvers"`
}

type moveStepRequest struct {
	ActionID  string `json:"action_id"`
	Index     int    `json:"index"`
	Direction string `json:"direction"`
}

type actionRequest struct {
	ActionID string `json:"action_id"`
}

// Steps handles GET (list by action_id or institution_id) and POST (create)
// on /api/v1/steps
func (h *HTTPHandler) Steps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSteps(w, r)
	case http.MethodPost:
		h.createStep(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *HTTPHandler) listSteps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if institutionID := q.Get("institution_id"); institutionID != "" && q.Get("action_id") == "" {
		steps, err := h.steps.ListInstitutionSteps(r.Context(), institutionID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
		return
	}

	actionID := q.Get("action_id")
	if actionID == "" {
		h.writeError(w, r, errors.InvalidInput("action_id", "is required"))
		return
	}
	h.writeSteps(w, r, actionID, func(ctx context.Context) (interface{}, error) {
		return h.steps.ListSteps(ctx, actionID)
	})
}

func (h *HTTPHandler) createStep(w http.ResponseWriter, r *http.Request) {
	var req createStepRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.steps.CreateStep(r.Context(), service.CreateStepInput{
		InstitutionID: req.InstitutionID,
		StepName:      req.StepName,
		ActionID:      req.ActionID,
		Level:         req.Level,
		Roles:         req.Roles,
		Approvers:     req.Approvers,
		CreatedBy:     currentUser(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, step)
}

// GetStep handles GET /api/v1/steps/get?id=
func (h *HTTPHandler) GetStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	step, err := h.steps.GetStep(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// UpdateStep handles PATCH /api/v1/steps/update?id=
func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	var req updateStepRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.steps.UpdateStep(r.Context(), id, service.UpdateStepInput{
		StepName:  req.StepName,
		Roles:     req.Roles,
		Approvers: req.Approvers,
		UpdatedBy: currentUser(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// DeleteStep handles DELETE /api/v1/steps/delete?id=
func (h *HTTPHandler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}
	if err := h.steps.DeleteStep(r.Context(), id, currentUser(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveStep handles POST /api/v1/steps/move
func (h *HTTPHandler) MoveStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req moveStepRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSteps(w, r, req.ActionID, func(ctx context.Context) (interface{}, error) {
		return h.steps.MoveStep(ctx, req.ActionID, req.Index, service.Direction(req.Direction))
	})
}

// CommitOrder handles POST /api/v1/steps/commit
func (h *HTTPHandler) CommitOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	user := currentUser(r)
	h.writeSteps(w, r, req.ActionID, func(ctx context.Context) (interface{}, error) {
		return h.steps.CommitOrder(context.WithoutCancel(ctx), req.ActionID, user)
	})
}

// DiscardOrder handles POST /api/v1/steps/discard
func (h *HTTPHandler) DiscardOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	h.writeSteps(w, r, req.ActionID, func(ctx context.Context) (interface{}, error) {
		return h.steps.DiscardOrder(ctx, req.ActionID)
	})
}

func (h *HTTPHandler) writeSteps(w http.ResponseWriter, r *http.Request, actionID string, fn func(context.Context) (interface{}, error)) {
	steps, err := fn(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps": steps,
		"dirty": h.steps.IsDirty(actionID),
	})
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

type submitRequest struct {
	ActionID      string `json:"action_id"`
	ObjectID      string `json:"object_id"`
	ObjectType    string `json:"object_type"`
	ContentObject string `json:"content_object"`
}

type decideRequest struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

// ListTasks handles GET /api/v1/tasks: the caller's pending tasks.
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tasks, err := h.tasks.PendingForUser(r.Context(), currentUser(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// Submit handles POST /api/v1/tasks/submit. The caller owns the submission.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.tasks.Submit(context.WithoutCancel(r.Context()), service.SubmitInput{
		ActionID:      req.ActionID,
		ObjectID:      req.ObjectID,
		ObjectType:    req.ObjectType,
		ContentObject: req.ContentObject,
		OwnerID:       currentUser(r),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"task": task})
}

// Decide handles POST /api/v1/tasks/decide. The decision completes even when
// the client goes away mid-request.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req decideRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.tasks.Decide(context.WithoutCancel(r.Context()), req.TaskID, currentUser(r), service.Decision(req.Decision), req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":     res.Task,
		"next":     res.Next,
		"terminal": res.Terminal,
		"outcome":  res.Outcome,
	})
}

// History handles GET /api/v1/tasks/history?action_id=&object_id=
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	actionID := r.URL.Query().Get("action_id")
	objectID := r.URL.Query().Get("object_id")
	if actionID == "" || objectID == "" {
		h.writeError(w, r, errors.InvalidInput("action_id", "action_id and object_id are required"))
		return
	}

	tasks, err := h.tasks.ListObjectTasks(r.Context(), actionID, objectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	audit, err := h.tasks.History(r.Context(), actionID, objectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "audit": audit})
}

// ── Auth & channel ────────────────────────────────────────────────────────────

// RefreshToken handles POST /api/v1/auth/token/refresh
func (h *HTTPHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}
	pair, err := h.tokens.Refresh(req.RefreshToken)
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeUnauthorized, "refresh token rejected"))
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// TaskChannel handles GET /api/v1/ws/tasks
func (h *HTTPHandler) TaskChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	h.channel.Serve(w, r, currentUser(r))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func currentUser(r *http.Request) string {
	id, _ := auth.UserIDFrom(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body", Code: string(errors.ErrCodeInvalidInput)})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
