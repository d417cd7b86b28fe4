package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Extra-Chill/plasma-warden/internal/audit"
	"github.com/Extra-Chill/plasma-warden/internal/events"
	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/mode"
	"github.com/Extra-Chill/plasma-warden/internal/model"
	"github.com/Extra-Chill/plasma-warden/internal/policy"
	"github.com/Extra-Chill/plasma-warden/internal/recording"
	"github.com/Extra-Chill/plasma-warden/internal/session"
	"github.com/Extra-Chill/plasma-warden/internal/store"
)

// MaxWriteWait caps the ?wait= parameter of write requests.
const MaxWriteWait = time.Minute

// Deps are the collaborators of the handlers. Recordings and Audit are
// optional; their endpoints answer 404 when unset.
type Deps struct {
	Controller *session.Controller
	Store      store.Store
	Matcher    *policy.Matcher
	Modes      *mode.Manager
	Recordings *recording.Service
	Audit      *audit.LogStore
	Version    string
	Log        *zap.Logger
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	ctrl       *session.Controller
	store      store.Store
	matcher    *policy.Matcher
	modes      *mode.Manager
	recordings *recording.Service
	audit      *audit.LogStore
	version    string
	startedAt  time.Time
	now        func() time.Time
	log        *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Controller == nil || d.Store == nil || d.Matcher == nil || d.Modes == nil {
		panic("api: missing dependency")
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		ctrl:       d.Controller,
		store:      d.Store,
		matcher:    d.Matcher,
		modes:      d.Modes,
		recordings: d.Recordings,
		audit:      d.Audit,
		version:    d.Version,
		startedAt:  time.Now(),
		now:        time.Now,
		log:        log,
	}
}

// Status handles GET /status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	live, err := h.store.CountSessions(r.Context(), store.SessionFilter{
		OrganizationID: id.OrganizationID,
		Statuses:       store.LiveStatuses,
	})
	if err != nil {
		h.writeFault(w, err)
		return
	}
	policies, err := h.matcher.PolicyCount(r.Context(), id.OrganizationID)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         "operational",
		Version:        h.version,
		Uptime:         h.now().Sub(h.startedAt).Round(time.Second).String(),
		StartedAt:      h.startedAt,
		OrganizationID: id.OrganizationID,
		Mode:           string(h.modes.OrgMode(id.OrganizationID)),
		LiveSessions:   live,
		PolicyCount:    policies,
	})
}

// StartSession handles POST /sessions.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	sess, err := h.ctrl.Start(r.Context(), identity(r), req.ConnectionID, session.StartOptions{Recording: req.Recording})
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions handles GET /sessions?status=active,preparing.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	var f store.SessionFilter
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := model.SessionStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.ConnectionID = r.URL.Query().Get("connection_id")
	f.UserID = r.URL.Query().Get("user_id")

	sessions, err := h.ctrl.List(r.Context(), identity(r), f)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession handles GET /sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ctrl.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// EndSession handles POST /sessions/{id}/end.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	var req EndSessionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sess, err := h.ctrl.End(r.Context(), identity(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Join handles POST /sessions/{id}/participants.
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}
	role, ok := model.ParseParticipantRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "role must be 'owner', 'collaborator' or 'viewer'")
		return
	}

	p, err := h.ctrl.Join(r.Context(), identity(r), chi.URLParam(r, "id"), role)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListParticipants handles GET /sessions/{id}/participants.
func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.ctrl.Participants(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParticipantListResponse{Participants: ps, Total: len(ps)})
}

// Leave handles DELETE /sessions/{id}/participants/{pid}.
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	p, err := h.ctrl.Leave(r.Context(), identity(r), chi.URLParam(r, "id"), chi.URLParam(r, "pid"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RequestWrite handles POST /sessions/{id}/participants/{pid}/write.
//
// Without ?wait the request is left queued and the response is 202. With
// ?wait=5s the handler blocks until granted; if the wait runs out the
// request is withdrawn and the response is 504.
func (h *Handlers) RequestWrite(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if s := r.URL.Query().Get("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a positive duration such as 5s")
			return
		}
		wait = min(d, MaxWriteWait)
	}

	pid := chi.URLParam(r, "pid")
	ticket, err := h.ctrl.RequestWrite(r.Context(), identity(r), chi.URLParam(r, "id"), pid)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if ticket.Granted() {
		writeJSON(w, http.StatusOK, WriteResponse{ParticipantID: pid, Granted: true})
		return
	}
	if wait == 0 {
		writeJSON(w, http.StatusAccepted, WriteResponse{ParticipantID: pid, Queued: true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	switch err := ticket.Wait(ctx); {
	case err == nil:
		writeJSON(w, http.StatusOK, WriteResponse{ParticipantID: pid, Granted: true})
	case errors.Is(err, context.DeadlineExceeded):
		h.writeFault(w, fault.New(fault.TimedOut, "api.request_write", "write access not granted within %s", wait))
	default:
		h.writeFault(w, err)
	}
}

// RevokeWrite handles DELETE /sessions/{id}/participants/{pid}/write?by={pid}.
// Without ?by the participant yields its own access.
func (h *Handlers) RevokeWrite(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "pid")
	by := r.URL.Query().Get("by")
	if by == "" {
		by = target
	}
	if err := h.ctrl.RevokeWrite(r.Context(), identity(r), chi.URLParam(r, "id"), by, target); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteResponse{ParticipantID: target, Granted: false})
}

// SubmitCommand handles POST /sessions/{id}/commands. A blocked command is
// a 200 with decision.blocked set.
func (h *Handlers) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "participant_id is required")
		return
	}

	res, err := h.ctrl.SubmitCommand(r.Context(), identity(r), chi.URLParam(r, "id"), req.ParticipantID, req.Text)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListCommands handles GET /sessions/{id}/commands.
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.ctrl.Commands(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandListResponse{Commands: cmds, Total: len(cmds)})
}

// CompleteCommand handles POST /commands/{id}/complete.
func (h *Handlers) CompleteCommand(w http.ResponseWriter, r *http.Request) {
	var req CompleteCommandRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ExitCode == nil {
		writeError(w, http.StatusBadRequest, "exit_code is required")
		return
	}

	c, err := h.ctrl.CompleteCommand(r.Context(), identity(r), chi.URLParam(r, "id"), *req.ExitCode, req.Output)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListPolicies handles GET /policies.
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListPolicies(r.Context(), identity(r).OrganizationID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PolicyListResponse{Policies: policies, Total: len(policies)})
}

// CreatePolicy handles POST /policies.
func (h *Handlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.BlockedPatterns) == 0 {
		writeError(w, http.StatusBadRequest, "at least one blocked pattern is required")
		return
	}

	id := identity(r)
	p := model.Policy{
		ID:              uuid.NewString(),
		OrganizationID:  id.OrganizationID,
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		BlockedPatterns: req.BlockedPatterns,
		AppliesToRoles:  req.AppliesToRoles,
		IsActive:        req.IsActive == nil || *req.IsActive,
		CreatedAt:       h.now().UTC(),
	}
	if err := h.store.PutPolicy(r.Context(), p); err != nil {
		h.writeFault(w, err)
		return
	}
	h.matcher.Invalidate(id.OrganizationID)

	h.log.Info("policy created",
		zap.String("policy_id", p.ID),
		zap.String("organization_id", p.OrganizationID),
		zap.String("user_id", id.UserID))
	writeJSON(w, http.StatusCreated, p)
}

// UpdatePolicy handles PATCH /policies/{id}.
func (h *Handlers) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var patch model.PolicyPatch
	if !decode(w, r, &patch) {
		return
	}
	p, ok := h.ownPolicy(w, r)
	if !ok {
		return
	}

	updated := patch.Apply(p)
	if updated.Name == "" {
		writeError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}
	if err := h.store.PutPolicy(r.Context(), updated); err != nil {
		h.writeFault(w, err)
		return
	}
	h.matcher.Invalidate(updated.OrganizationID)
	writeJSON(w, http.StatusOK, updated)
}

// DeletePolicy handles DELETE /policies/{id}.
func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownPolicy(w, r)
	if !ok {
		return
	}
	if err := h.store.DeletePolicy(r.Context(), p.ID); err != nil {
		h.writeFault(w, err)
		return
	}
	h.matcher.Invalidate(p.OrganizationID)
	writeJSON(w, http.StatusOK, DeleteResponse{ID: p.ID, Message: "policy deleted successfully"})
}

func (h *Handlers) ownPolicy(w http.ResponseWriter, r *http.Request) (model.Policy, bool) {
	p, err := h.store.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err == nil && p.OrganizationID != identity(r).OrganizationID {
		err = fault.New(fault.NotFound, "api.policy", "policy %s not found", p.ID)
	}
	if err != nil {
		h.writeFault(w, err)
		return model.Policy{}, false
	}
	return p, true
}

// CheckPolicy handles POST /policies/check. It evaluates a command under
// the organization's enforcement mode without recording anything.
func (h *Handlers) CheckPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyCheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	id := identity(r)
	role := req.Role
	if role == "" {
		role = id.Role
	}

	d, err := h.matcher.Evaluate(r.Context(), id.OrganizationID, role, req.Command)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.modes.Apply(id.OrganizationID, d))
}

// ListConnections handles GET /connections.
func (h *Handlers) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.store.ListConnections(r.Context(), identity(r).OrganizationID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectionListResponse{Connections: conns, Total: len(conns)})
}

// CreateConnection handles POST /connections.
func (h *Handlers) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if !decode(w, r, &req) {
		return
	}
	proto := model.Protocol(strings.ToLower(req.Protocol))
	if !proto.Valid() {
		writeError(w, http.StatusBadRequest, "protocol must be 'ssh', 'rdp' or 'vnc'")
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	port := req.Port
	if port == 0 {
		port = proto.DefaultPort()
	}
	if port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, "port out of range")
		return
	}

	id := identity(r)
	c := model.Connection{
		ID:             uuid.NewString(),
		OrganizationID: id.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		Protocol:       proto,
		Host:           strings.TrimSpace(req.Host),
		Port:           port,
		Username:       req.Username,
		CredentialRef:  req.CredentialRef,
		Status:         model.ConnectionEnabled,
		CreatedBy:      id.UserID,
		CreatedAt:      h.now().UTC(),
	}
	if c.Name == "" {
		c.Name = c.Host
	}
	if err := h.store.CreateConnection(r.Context(), c); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// UpdateConnection handles PATCH /connections/{id}.
func (h *Handlers) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	var patch model.ConnectionPatch
	if !decode(w, r, &patch) {
		return
	}
	if patch.Status != nil && *patch.Status != model.ConnectionEnabled && *patch.Status != model.ConnectionDisabled {
		writeError(w, http.StatusBadRequest, "status must be 'enabled' or 'disabled'")
		return
	}
	if patch.Port != nil && (*patch.Port < 1 || *patch.Port > 65535) {
		writeError(w, http.StatusBadRequest, "port out of range")
		return
	}
	c, ok := h.ownConnection(w, r)
	if !ok {
		return
	}

	updated := patch.Apply(c)
	if updated.Host == "" {
		writeError(w, http.StatusBadRequest, "host cannot be empty")
		return
	}
	if err := h.store.UpdateConnection(r.Context(), updated); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteConnection handles DELETE /connections/{id}. It answers 409 while
// live sessions use the connection.
func (h *Handlers) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownConnection(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteConnection(r.Context(), c.ID); err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{ID: c.ID, Message: "connection deleted successfully"})
}

func (h *Handlers) ownConnection(w http.ResponseWriter, r *http.Request) (model.Connection, bool) {
	c, err := h.store.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if err == nil && c.OrganizationID != identity(r).OrganizationID {
		err = fault.New(fault.NotFound, "api.connection", "connection %s not found", c.ID)
	}
	if err != nil {
		h.writeFault(w, err)
		return model.Connection{}, false
	}
	return c, true
}

// CreateRecording handles POST /sessions/{id}/recording. A session has at
// most one recording; a second create answers 409.
func (h *Handlers) CreateRecording(w http.ResponseWriter, r *http.Request) {
	if h.recordings == nil {
		writeError(w, http.StatusNotFound, "recordings are disabled")
		return
	}
	sess, err := h.ctrl.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	rec, err := h.recordings.Create(r.Context(), sess.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetRecording handles GET /sessions/{id}/recording.
func (h *Handlers) GetRecording(w http.ResponseWriter, r *http.Request) {
	if h.recordings == nil {
		writeError(w, http.StatusNotFound, "recordings are disabled")
		return
	}
	sess, err := h.ctrl.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	rec, err := h.recordings.Get(r.Context(), sess.ID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListAudit handles GET /audit?session_id=&type=&offset=&limit=.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log is disabled")
		return
	}

	query := r.URL.Query()
	limit := 100
	offset := 0

	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	if o := query.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	f := audit.Filter{
		OrganizationID: identity(r).OrganizationID,
		SessionID:      query.Get("session_id"),
		Type:           events.Type(query.Get("type")),
	}
	evs, total := h.audit.List(f, offset, limit)

	writeJSON(w, http.StatusOK, AuditListResponse{
		Events: evs,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

// GetMode handles GET /mode.
func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.modeResponse(identity(r).OrganizationID))
}

// SetMode handles PUT /mode.
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if !decode(w, r, &req) {
		return
	}
	id := identity(r)

	if req.Global {
		if !isAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "changing the global mode requires the admin token")
			return
		}
		m, err := mode.Parse(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.modes.SetGlobalMode(m)
	} else if req.Mode == "" {
		h.modes.ClearOrgMode(id.OrganizationID)
	} else {
		m, err := mode.Parse(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.modes.SetOrgMode(id.OrganizationID, m)
	}

	h.log.Info("enforcement mode changed",
		zap.String("organization_id", id.OrganizationID),
		zap.String("user_id", id.UserID),
		zap.Bool("global", req.Global),
		zap.String("mode", req.Mode))
	writeJSON(w, http.StatusOK, h.modeResponse(id.OrganizationID))
}

func (h *Handlers) modeResponse(orgID string) ModeResponse {
	return ModeResponse{
		Global:         string(h.modes.GlobalMode()),
		OrganizationID: orgID,
		Mode:           string(h.modes.OrgMode(orgID)),
	}
}

// Helper functions

func identity(r *http.Request) model.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  status,
	})
}

// statusFor maps a failure kind to an HTTP status.
func statusFor(k fault.Kind) int {
	switch k {
	case fault.InvalidState, fault.Conflict:
		return http.StatusConflict
	case fault.PermissionDenied, fault.RoleNotPermitted:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.TimedOut:
		return http.StatusGatewayTimeout
	case fault.Unavailable:
		return http.StatusServiceUnavailable
	case fault.Invalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeFault(w http.ResponseWriter, err error) {
	k := fault.KindOf(err)
	status := statusFor(k)
	if status >= 500 {
		h.log.Error("request failed", zap.String("kind", string(k)), zap.Error(err))
	}
	msg := err.Error()
	if k == "" {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{
		Error: msg,
		Code:  status,
		Kind:  string(k),
	})
}
