package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"loandesk/approval"
	"loandesk/claim"
	"loandesk/identity"
	"loandesk/notify"
	"loandesk/request"
	"loandesk/sla"
	"loandesk/ticket"
	"loandesk/trigger"
)

// Server exposes the request desk over HTTP. Handlers stay thin: decode,
// delegate, map errors.
type Server struct {
	log        *logrus.Logger
	identity   *identity.Service
	submit     *request.SubmitService
	engine     *request.Engine
	approvals  *approval.Service
	extensions *request.ExtensionService
	claims     *claim.Service
	triggers   *trigger.Engine
	monitor    *sla.Monitor
	tickets    *ticket.Service
	dispatcher *notify.Dispatcher
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Post("/api/requests", s.handleSubmit)
	r.Get("/api/requests/{id}", s.handleGetRequest)
	r.Post("/api/requests/{id}/events", s.requireAuth(s.handleEvent))
	r.Post("/api/requests/{id}/approval-token", s.requireAuth(s.handleIssueToken))
	r.Post("/api/requests/{id}/decision", s.requireAuth(s.handlePortalDecision))
	r.Post("/api/requests/{id}/claim", s.requireAuth(s.handleClaim))
	r.Post("/api/requests/{id}/extension", s.handleExtensionRequest)

	// The GET render is a pure read so link-preview crawlers cannot burn the
	// token; the decision itself arrives via POST with the token in the body.
	r.Get("/api/approvals/{token}", s.handleValidateToken)
	r.Post("/api/approvals/decide", s.handleEmailDecision)
	r.Post("/api/extensions/decide", s.handleExtensionDecision)
	r.Post("/api/extensions/{id}/decision", s.requireAuth(s.handlePortalExtensionDecision))

	r.Post("/api/claims", s.requireAuth(s.handleClaimAll))
	r.Get("/api/claims/offers", s.requireAuth(s.handleClaimOffers))

	r.Get("/api/tickets/{id}", s.handleGetTicket)
	r.Get("/api/tickets", s.handleListTickets)
	r.Post("/api/tickets/{id}/resolve", s.requireAuth(s.handleResolveTicket))

	r.Post("/internal/sweeps/sla", s.handleSLASweep)
	r.Post("/internal/sweeps/cross-module", s.handleCrossModuleSweep)
	r.Post("/internal/outbox/drain", s.handleOutboxDrain)

	return r
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user identity.User)

// requireAuth resolves the bearer token into a full user record so handlers
// get the live email, not a stale claim.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, _, err := s.identity.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		user, err := s.identity.GetUserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		next(w, r, *user)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.identity.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, identity.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        user.ID,
		"email":     user.Email,
		"full_name": user.FullName,
		"role":      user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.identity.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user": map[string]any{
			"id":        res.User.ID,
			"email":     res.User.Email,
			"full_name": res.User.FullName,
			"role":      res.User.Role,
		},
	})
}

type submitBody struct {
	Kind       string `json:"kind"`
	Category   string `json:"category"`
	Summary    string `json:"summary"`
	GuestName  string `json:"guest_name"`
	GuestEmail string `json:"guest_email"`
}

// handleSubmit accepts both guest and authenticated submissions; a bearer
// token, when present and valid, binds the record to the identity.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := request.SubmitParams{
		Kind:       request.Kind(body.Kind),
		Category:   body.Category,
		Summary:    body.Summary,
		GuestName:  body.GuestName,
		GuestEmail: body.GuestEmail,
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		userID, _, err := s.identity.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		params.UserID = userID
		params.GuestName = ""
		params.GuestEmail = ""
	}

	rec, err := s.submit.Create(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, recordView(rec))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	rec, audits, err := s.engine.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	view := recordView(rec)
	view["audits"] = audits
	writeJSON(w, http.StatusOK, view)
}

type eventBody struct {
	Event          string `json:"event"`
	Remarks        string `json:"remarks"`
	Damage         bool   `json:"damage"`
	DamageCategory string `json:"damage_category"`
}

// handleEvent drives staff lifecycle transitions (issue, returns, overdue
// recovery). Approval decisions go through the decision endpoints instead.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, user identity.User) {
	var body eventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev := request.Event(body.Event)
	if ev == request.EventApprove || ev == request.EventReject {
		writeError(w, http.StatusBadRequest, "use the decision endpoint for approvals")
		return
	}

	res, err := s.engine.Transition(r.Context(), request.TransitionParams{
		RequestID:      chi.URLParam(r, "id"),
		Event:          ev,
		Actor:          request.Actor{ID: user.ID, Email: user.Email},
		Channel:        request.ChannelPortal,
		Remarks:        body.Remarks,
		Damage:         body.Damage,
		DamageCategory: body.DamageCategory,
	})
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}

	// A damaged return opens its maintenance ticket straight away; the sweep
	// remains the catch-all for anything missed here.
	if ev == request.EventCompleteReturn && body.Damage {
		if _, err := s.triggers.HandleReturned(r.Context(), res.RequestID); err != nil && !errors.Is(err, trigger.ErrDuplicateTrigger) {
			s.log.WithError(err).WithField("request_id", res.RequestID).Warn("maintenance trigger failed, sweep will retry")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":   res.RequestID,
		"prior_status": res.PriorStatus,
		"next_status":  res.NextStatus,
	})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request, user identity.User) {
	if user.Role != identity.RoleStaff && user.Role != identity.RoleApprover {
		writeError(w, http.StatusForbidden, "staff access required")
		return
	}
	tok, err := s.approvals.IssueToken(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      tok.Value,
		"expires_at": tok.ExpiresAt,
	})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	st, err := s.approvals.Validate(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":     st.RequestID,
		"status":         st.Status,
		"approver_email": st.ApproverEmail,
		"expires_at":     st.TokenExpiresAt,
	})
}

type emailDecisionBody struct {
	Token   string `json:"token"`
	Approve bool   `json:"approve"`
	Remarks string `json:"remarks"`
}

func (s *Server) handleEmailDecision(w http.ResponseWriter, r *http.Request) {
	var body emailDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.approvals.Decide(r.Context(), approval.DecideParams{
		Token:   body.Token,
		Approve: body.Approve,
		Remarks: body.Remarks,
		Channel: request.ChannelEmail,
	})
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  res.RequestID,
		"next_status": res.NextStatus,
	})
}

type portalDecisionBody struct {
	Approve bool   `json:"approve"`
	Remarks string `json:"remarks"`
}

func (s *Server) handlePortalDecision(w http.ResponseWriter, r *http.Request, user identity.User) {
	var body portalDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.approvals.Decide(r.Context(), approval.DecideParams{
		RequestID: chi.URLParam(r, "id"),
		Approve:   body.Approve,
		Remarks:   body.Remarks,
		Channel:   request.ChannelPortal,
		Actor:     request.Actor{ID: user.ID, Email: user.Email},
	})
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":  res.RequestID,
		"next_status": res.NextStatus,
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, user identity.User) {
	res, err := s.claims.Claim(r.Context(), chi.URLParam(r, "id"), claim.Actor{
		ID:    user.ID,
		Email: user.Email,
	})
	if err != nil {
		var denied *claim.DeniedError
		switch {
		case errors.As(err, &denied):
			writeError(w, http.StatusForbidden, denied.Error())
		case errors.Is(err, request.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		default:
			s.serverError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":      res.RequestID,
		"already_claimed": res.AlreadyClaimed,
	})
}

func (s *Server) handleClaimAll(w http.ResponseWriter, r *http.Request, user identity.User) {
	results, err := s.claims.ClaimAll(r.Context(), claim.Actor{ID: user.ID, Email: user.Email})
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": results})
}

func (s *Server) handleClaimOffers(w http.ResponseWriter, r *http.Request, user identity.User) {
	ids, err := s.claims.ListClaimable(r.Context(), user.Email)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_ids": ids})
}

type extensionBody struct {
	NewDue        time.Time `json:"new_due"`
	Justification string    `json:"justification"`
}

func (s *Server) handleExtensionRequest(w http.ResponseWriter, r *http.Request) {
	var body extensionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ext, err := s.extensions.Request(r.Context(), request.ExtensionParams{
		RequestID:     chi.URLParam(r, "id"),
		NewDue:        body.NewDue,
		Justification: body.Justification,
	})
	if err != nil {
		switch {
		case errors.Is(err, request.ErrExtensionPending):
			writeError(w, http.StatusConflict, "an extension request is already pending")
		case errors.Is(err, request.ErrExtensionInvalidState):
			writeError(w, http.StatusConflict, "this request can no longer be extended")
		case errors.Is(err, request.ErrNotFound):
			writeError(w, http.StatusNotFound, "request not found")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"extension_id":  ext.ID,
		"request_id":    ext.RequestID,
		"requested_due": ext.RequestedDue,
		"status":        ext.Status,
	})
}

type extensionDecisionBody struct {
	Token   string `json:"token"`
	Approve bool   `json:"approve"`
	Remarks string `json:"remarks"`
}

func (s *Server) handleExtensionDecision(w http.ResponseWriter, r *http.Request) {
	var body extensionDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ext, err := s.approvals.DecideExtension(r.Context(), approval.ExtensionDecideParams{
		Token:   body.Token,
		Approve: body.Approve,
		Remarks: body.Remarks,
		Channel: request.ChannelEmail,
	})
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"extension_id": ext.ExtensionID,
		"request_id":   ext.RequestID,
		"status":       ext.Status,
	})
}

func (s *Server) handlePortalExtensionDecision(w http.ResponseWriter, r *http.Request, user identity.User) {
	var body portalDecisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ext, err := s.approvals.DecideExtension(r.Context(), approval.ExtensionDecideParams{
		ExtensionID: chi.URLParam(r, "id"),
		Approve:     body.Approve,
		Remarks:     body.Remarks,
		Channel:     request.ChannelPortal,
		Actor:       request.Actor{ID: user.ID, Email: user.Email},
	})
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"extension_id": ext.ExtensionID,
		"request_id":   ext.RequestID,
		"status":       ext.Status,
	})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	rec, err := s.tickets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	recs, err := s.tickets.List(r.Context(), r.URL.Query().Get("source_request_id"))
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": recs})
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request, user identity.User) {
	if user.Role != identity.RoleStaff {
		writeError(w, http.StatusForbidden, "staff access required")
		return
	}
	rec, err := s.tickets.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSLASweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.monitor.RunSweep(r.Context(), time.Now().UTC())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"warned":   res.Warned,
		"breached": res.Breached,
	})
}

func (s *Server) handleCrossModuleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.triggers.RunSweep(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created": res.Created,
		"skipped": res.Skipped,
	})
}

func (s *Server) handleOutboxDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Drain(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": res.Delivered,
		"retried":   res.Retried,
		"dead":      res.Dead,
	})
}

// writeDecisionError maps decision-path failures to responses. An
// already-decided record reads calmly; a bad token is actionable; a guard
// failure reveals nothing about the token.
func (s *Server) writeDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrTokenConsumed), errors.Is(err, request.ErrConflict):
		writeError(w, http.StatusConflict, "this request has already been decided")
	case errors.Is(err, approval.ErrTokenExpired):
		writeError(w, http.StatusGone, "this approval link has expired; ask for a fresh one")
	case errors.Is(err, approval.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "this approval link is not valid")
	case errors.Is(err, request.ErrForbidden):
		writeError(w, http.StatusForbidden, "you are not authorized to decide this request")
	case errors.Is(err, request.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "the request is not in a state that allows this action")
	case errors.Is(err, request.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func recordView(rec request.Record) map[string]any {
	view := map[string]any{
		"id":                 rec.ID,
		"kind":               rec.Kind,
		"category":           rec.Category,
		"summary":            rec.Summary,
		"status":             rec.Status,
		"priority":           rec.Priority,
		"approver_email":     rec.ApproverEmail,
		"first_response_due": rec.FirstResponseDue,
		"resolution_due":     rec.ResolutionDue,
		"created_at":         rec.CreatedAt,
	}
	if rec.UserID != nil {
		view["user_id"] = *rec.UserID
	}
	if rec.GuestName != nil {
		view["guest_name"] = *rec.GuestName
	}
	if rec.GuestEmail != nil {
		view["guest_email"] = *rec.GuestEmail
	}
	if rec.WarnedAt != nil {
		view["warned_at"] = *rec.WarnedAt
	}
	if rec.BreachedAt != nil {
		view["breached_at"] = *rec.BreachedAt
	}
	if rec.DamageReported {
		view["damage_reported"] = true
		if rec.DamageCategory != nil {
			view["damage_category"] = *rec.DamageCategory
		}
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
