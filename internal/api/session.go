package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fclairamb/tokengate/internal/authapi"
	"github.com/fclairamb/tokengate/internal/store"
)

// SessionStatus is the body of GET /session.
type SessionStatus struct {
	Profile         string     `json:"profile"`
	SignedIn        bool       `json:"signed_in"`
	HasRefresh      bool       `json:"has_refresh"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
	Generation      uint64     `json:"generation"`
	RefreshState    string     `json:"refresh_state"`
	Queued          int        `json:"queued"`
	InFlight        int        `json:"in_flight"`
	Superseded      int64      `json:"superseded"`
	Logouts         int64      `json:"logouts"`
}

// handleSessionStatus reports the current credentials and gateway state. Tokens are never returned.
func (s *Server) handleSessionStatus(c *gin.Context) {
	pair, gen := s.gateway.Store().Snapshot()
	st := s.gateway.Status()

	resp := SessionStatus{
		Profile:      s.profile(),
		SignedIn:     !pair.IsZero(),
		HasRefresh:   pair.HasRefresh(),
		Generation:   gen,
		RefreshState: st.RefreshState,
		Queued:       st.Queued,
		InFlight:     st.InFlight,
		Superseded:   st.Superseded,
		Logouts:      st.Logouts,
	}

	if exp, ok := pair.AccessExpiry(); ok {
		resp.AccessExpiresAt = &exp
	}

	successResponse(c, resp)
}

// handleLogin signs in upstream and installs the issued credentials.
func (s *Server) handleLogin(c *gin.Context) {
	var req authapi.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" || (req.Email == "" && req.Username == "") {
		errorResponse(c, http.StatusBadRequest, "invalid request: email or username and password required")
		return
	}

	ctx := c.Request.Context()

	session, err := s.auth.Login(ctx, req)
	if err != nil {
		if errors.Is(err, authapi.ErrLoginRejected) {
			errorResponse(c, http.StatusUnauthorized, "invalid credentials")
			return
		}

		s.logger.ErrorContext(ctx, "login failed", slog.Any("error", err))
		errorResponse(c, http.StatusBadGateway, "login failed")

		return
	}

	// A login replaces whatever a concurrent refresh is about to install
	s.gateway.Store().Replace(ctx, session.Pair)

	s.recordEvent(c, store.EventLogin, gin.H{"user_id": session.User.ID, "email": session.User.Email})

	s.logger.InfoContext(ctx, "signed in", slog.String("profile", s.profile()), slog.String("user_id", session.User.ID))

	successResponse(c, gin.H{"user": session.User})
}

// handleLogout drops the local credentials.
func (s *Server) handleLogout(c *gin.Context) {
	ctx := c.Request.Context()

	s.gateway.Store().Clear(ctx)
	s.recordEvent(c, store.EventLogout, nil)

	s.logger.InfoContext(ctx, "signed out", slog.String("profile", s.profile()))

	c.Status(http.StatusNoContent)
}

// handleListSessionEvents lists session history with optional filters.
func (s *Server) handleListSessionEvents(c *gin.Context) {
	if s.events == nil {
		errorResponse(c, http.StatusNotImplemented, "session history requires the postgres storage driver")
		return
	}

	profile := s.profile()
	filter := store.SessionEventFilter{Profile: &profile}

	if eventType := c.Query("event_type"); eventType != "" {
		filter.EventType = &eventType
	}

	if startTime := c.Query("start_time"); startTime != "" {
		if t, err := time.Parse(time.RFC3339, startTime); err == nil {
			filter.StartTime = &t
		}
	}

	if endTime := c.Query("end_time"); endTime != "" {
		if t, err := time.Parse(time.RFC3339, endTime); err == nil {
			filter.EndTime = &t
		}
	}

	if limit := c.Query("limit"); limit != "" {
		if val, err := strconv.Atoi(limit); err == nil {
			filter.Limit = val
		}
	} else {
		filter.Limit = 100 // Default limit
	}

	if offset := c.Query("offset"); offset != "" {
		if val, err := strconv.Atoi(offset); err == nil {
			filter.Offset = val
		}
	}

	events, err := s.events.ListSessionEvents(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list session events", "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to list session events")
		return
	}

	successResponse(c, gin.H{"session_events": events})
}

// recordEvent appends to the session history when one is configured. Failures are logged only.
func (s *Server) recordEvent(c *gin.Context, eventType string, details gin.H) {
	if s.events == nil {
		return
	}

	ctx := c.Request.Context()
	event := &store.SessionEvent{Profile: s.profile(), EventType: eventType}

	if details != nil {
		data, err := json.Marshal(details)
		if err == nil {
			event.Details = data
		}
	}

	if err := s.events.LogSessionEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to record session event",
			slog.String("event_type", eventType),
			slog.Any("error", err),
		)
	}
}
