// Package ws serves the /ws endpoint. Visitors exchange plain JSON frames;
// a connection carrying ?auth= is the admin and speaks JSON-RPC 2.0.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/hub"
	"github.com/kaplia/server/logger"
	"github.com/kaplia/server/presence"
	"github.com/kaplia/server/rpc"
	"github.com/kaplia/server/session"
	"github.com/kaplia/server/settings"
)

const defaultWriteTimeout = 10 * time.Second

// AdminStore holds the admin credentials.
type AdminStore interface {
	CheckPassword(ctx context.Context, password string) (bool, error)
	SetPassword(ctx context.Context, password string) error
	APIToken(ctx context.Context) (string, error)
	SetAPIToken(ctx context.Context, token string) error
}

type Options struct {
	Conns        *hub.Registry
	Router       *chat.Router
	Tracker      *presence.Tracker
	Sessions     session.Store
	Settings     *settings.Store
	Admin        AdminStore
	DevMode      bool
	WriteTimeout time.Duration
}

type Handler struct {
	conns        *hub.Registry
	router       *chat.Router
	tracker      *presence.Tracker
	sessions     session.Store
	settings     *settings.Store
	admin        AdminStore
	devMode      bool
	writeTimeout time.Duration
}

func NewHandler(opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{
		conns:        opts.Conns,
		router:       opts.Router,
		tracker:      opts.Tracker,
		sessions:     opts.Sessions,
		settings:     opts.Settings,
		admin:        opts.Admin,
		devMode:      opts.DevMode,
		writeTimeout: opts.WriteTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("auth") {
		h.serveAdmin(w, r, q.Get("auth"))
		return
	}
	h.serveVisitor(w, r)
}

func (h *Handler) serveVisitor(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.settings.Get().OriginAllowed(origin) {
		slog.Warn("origin blocked", "origin", origin)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	sessionID := session.Resolve(session.Params{
		UserID: q.Get("user_id"),
		Token:  q.Get("session"),
	})

	// Origins are checked against the admin allow-list above.
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	c := &visitorConn{
		id:           uuid.Must(uuid.NewV7()).String(),
		sessionID:    sessionID,
		ws:           wsConn,
		writeTimeout: h.writeTimeout,
	}
	h.handleVisitor(r.Context(), c)
}

func (h *Handler) handleVisitor(ctx context.Context, c *visitorConn) {
	log := slog.With("connId", c.id, "sessionId", c.sessionID)

	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "visitor connection crashed", "connId", c.id)
		}
	}()
	defer c.ws.Close(websocket.StatusNormalClosure, "")

	h.conns.Register(c, c.sessionID, false)
	defer func() {
		h.conns.Unregister(c)
		if c.evicted.Load() {
			log.Info("visitor evicted")
			return
		}
		h.tracker.Disconnect(context.WithoutCancel(ctx), c.sessionID)
		log.Info("visitor disconnected")
	}()

	log.Info("visitor connected")

	if err := h.sessions.Touch(ctx, c.sessionID); err != nil {
		log.Error("failed to create session record", "error", err)
	}
	h.tracker.Connect(ctx, c.sessionID)

	if err := h.sendBootstrap(ctx, c); err != nil {
		log.Debug("failed to send bootstrap", "error", err)
		return
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			log.Debug("read error", "error", err)
			return
		}

		var frame rpc.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed frame", "error", err)
			continue
		}
		h.dispatch(ctx, log, c, frame)
	}
}

// sendBootstrap sends config followed by the latest widget history.
func (h *Handler) sendBootstrap(ctx context.Context, c *visitorConn) error {
	s := h.settings.Get()
	if err := c.Notify(ctx, rpc.ConfigEvent{
		Kind:          rpc.Of(rpc.EventConfig),
		DateFormat:    s.DateFormat,
		TimeFormat:    s.TimeFormat,
		Timezone:      s.Timezone,
		MessagesLimit: s.WidgetMessagesLimit,
	}); err != nil {
		return err
	}

	page, err := h.router.History(ctx, c.sessionID, chat.HistoryQuery{
		Limit:         s.WidgetMessagesLimit,
		ExcludeSystem: true,
	})
	if err != nil {
		slog.Error("failed to load history", "sessionId", c.sessionID, "error", err)
		page = chat.Page{}
	}
	return c.Notify(ctx, chat.HistoryEvent(rpc.EventHistory, "", page))
}

func (h *Handler) dispatch(ctx context.Context, log *slog.Logger, c *visitorConn, frame rpc.ClientFrame) {
	switch frame.Type {
	case rpc.FramePing:
		if err := c.Notify(ctx, rpc.Of(rpc.EventPong)); err != nil {
			log.Debug("failed to send pong", "error", err)
		}

	case rpc.FrameLoadMore:
		h.handleLoadMore(ctx, log, c, frame.BeforeID)

	case rpc.FrameTypingUpdate:
		h.router.RouteTyping(ctx, c.sessionID, frame.Text)

	case rpc.FrameTabVisibility:
		h.tracker.TabVisibility(ctx, c, c.sessionID, frame.IsActive)

	case rpc.FrameChatOpened, rpc.FrameChatClosed:
		h.tracker.ChatWidget(ctx, c.sessionID, frame.Type == rpc.FrameChatOpened)

	case rpc.FramePageVisit:
		if frame.URL == "" {
			log.Warn("page_visit without url")
			return
		}
		h.tracker.PageVisit(ctx, c.sessionID, frame.URL)

	case rpc.FrameClientInfo:
		if err := h.router.UpdateClientInfo(ctx, c.sessionID, frame.Metadata); err != nil {
			log.Error("failed to update client info", "error", err)
		}

	case rpc.FrameMessage, "":
		if frame.Type == "" && frame.Text == "" {
			log.Warn("frame without type")
			return
		}
		err := h.router.RouteVisitorMessage(ctx, c.sessionID, frame.Text, c)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("failed to route visitor message", "error", err)
		}

	default:
		log.Warn("unknown frame type", "type", frame.Type)
	}
}

func (h *Handler) handleLoadMore(ctx context.Context, log *slog.Logger, c *visitorConn, beforeID int64) {
	if beforeID <= 0 {
		log.Warn("load_more without beforeId")
		return
	}

	page, err := h.router.History(ctx, c.sessionID, chat.HistoryQuery{
		Limit:         h.settings.Get().WidgetMessagesLimit,
		BeforeID:      beforeID,
		ExcludeSystem: true,
	})
	if err != nil {
		log.Error("failed to load more history", "error", err)
		return
	}
	if err := c.Notify(ctx, chat.HistoryEvent(rpc.EventMoreHistory, "", page)); err != nil {
		log.Debug("failed to send more_history", "error", err)
	}
}
