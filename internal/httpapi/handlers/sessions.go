package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tvb/internal/httpkit"
	"tvb/internal/pkg/errors"
	"tvb/internal/sessions"
)

// SessionStatusResponse is the read model for one session's render state.
// Percent and message come from the progress cache when it is warm; the
// durable row fills the gaps after cache expiry or Redis loss.
type SessionStatusResponse struct {
	SessionID string     `json:"session_id"`
	State     string     `json:"state"`
	Percent   int        `json:"percent"`
	Message   string     `json:"message,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	OutputKey string     `json:"output_key,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// GetSessionStatus serves GET /v1/sessions/{sessionId}/status.
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)
	sessionID := chi.URLParam(r, "sessionId")

	sess, err := h.store.Get(ctx, sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpkit.WriteErr(w, 404, "NOT_FOUND", "session not found", nil)
			return
		}
		log.Error("session lookup failed", "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL", "session lookup failed", nil)
		return
	}

	resp := SessionStatusResponse{
		SessionID: sess.ID,
		State:     string(sess.State),
		Percent:   sess.Progress,
	}

	if st, ok := h.progress.GetStatus(ctx, sess.ID); ok {
		resp.State = string(st.State)
		resp.Message = st.Message
		if !st.UpdatedAt.IsZero() {
			t := st.UpdatedAt
			resp.UpdatedAt = &t
		}
	}
	if pct, ok := h.progress.GetProgress(ctx, sess.ID); ok {
		resp.Percent = pct
	}

	if resp.State == string(sessions.StateRenderFailed) {
		if msg, ok := h.progress.GetLastError(ctx, sess.ID); ok {
			resp.LastError = msg
		} else {
			resp.LastError = sess.LastError
		}
	}
	if resp.State == string(sessions.StateRenderDone) {
		resp.OutputKey = sess.OutputKey
	}

	httpkit.WriteJSON(w, 200, resp)
}
