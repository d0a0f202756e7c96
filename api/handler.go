// Package api serves the token-protected HTTP integration endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/session"
)

// Sender delivers a message from an integration to a visitor session.
type Sender interface {
	RouteAPISend(ctx context.Context, targetID, text string) (chat.Message, error)
}

type Handler struct {
	sessions session.Store
	sender   Sender
}

func NewHandler(sessions session.Store, sender Sender) *Handler {
	return &Handler{sessions: sessions, sender: sender}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.HandleListSessions)
	mux.HandleFunc("GET /api/messages", h.HandleSendMessage)
	mux.HandleFunc("POST /api/messages", h.HandleSendMessage)
}

const maxFormMemory = 1 << 20

type sessionResponse struct {
	SessionID string           `json:"session_id"`
	Metadata  session.Metadata `json:"metadata"`
	UpdatedAt string           `json:"updated_at"`
}

type sendResponse struct {
	Status  string `json:"status"`
	SentTo  string `json:"sent_to"`
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"targetId"`
	Message   string `json:"message"`
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	sessions, err := h.sessions.List(r.Context())
	if err != nil {
		log.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := make([]sessionResponse, len(sessions))
	for i, s := range sessions {
		meta := s.Metadata
		if meta == nil {
			meta = session.Metadata{}
		}
		resp[i] = sessionResponse{
			SessionID: s.ID,
			Metadata:  meta,
			UpdatedAt: chat.FormatTime(s.UpdatedAt),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSendMessage accepts parameters from the query string, a form body
// or a JSON body. Body values win over the query string.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	log := logger.NewRequestLogger()

	req, err := parseSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := firstNonEmpty(req.SessionID, req.TargetID)
	if target == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	msg, err := h.sender.RouteAPISend(r.Context(), target, req.Message)
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrMissingSession) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Error("failed to send api message", "sessionId", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	log.Info("api message sent", "sessionId", target, "id", msg.ID)
	writeJSON(w, http.StatusOK, sendResponse{
		Status:  "success",
		SentTo:  target,
		Message: req.Message,
		ID:      msg.ID,
	})
}

func parseSendRequest(r *http.Request) (sendRequest, error) {
	q := r.URL.Query()
	req := sendRequest{
		SessionID: q.Get("session_id"),
		TargetID:  q.Get("targetId"),
		Message:   q.Get("message"),
	}
	if r.Method != http.MethodPost {
		return req, nil
	}

	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body sendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return sendRequest{}, err
		}
		req.SessionID = firstNonEmpty(body.SessionID, req.SessionID)
		req.TargetID = firstNonEmpty(body.TargetID, req.TargetID)
		req.Message = firstNonEmpty(body.Message, req.Message)
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(maxFormMemory)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return sendRequest{}, err
		}
		req.SessionID = firstNonEmpty(r.PostForm.Get("session_id"), req.SessionID)
		req.TargetID = firstNonEmpty(r.PostForm.Get("targetId"), req.TargetID)
		req.Message = firstNonEmpty(r.PostForm.Get("message"), req.Message)
	}
	return req, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
