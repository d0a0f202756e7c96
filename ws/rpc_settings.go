package ws

import (
	"context"
	"errors"
	"strings"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/kaplia/server/rpc"
	"github.com/kaplia/server/settings"
	"github.com/kaplia/server/storage"
)

func (h *rpcMethodHandler) handlePasswordChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChangePasswordParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	err := h.admin.SetPassword(ctx, params.NewPassword)
	if errors.Is(err, storage.ErrEmptyPassword) {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err != nil {
		h.log.Error("failed to change password", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to change password")
		return
	}

	h.log.Info("admin password changed")
	h.reply(ctx, conn, req, struct{}{})
	h.notice(ctx, conn, "Password changed")
}

func (h *rpcMethodHandler) handleTokenChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChangeTokenParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	err := h.admin.SetAPIToken(ctx, params.NewToken)
	if errors.Is(err, storage.ErrEmptyToken) {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err != nil {
		h.log.Error("failed to change api token", "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to change api token")
		return
	}

	h.log.Info("api token changed")
	h.reply(ctx, conn, req, struct{}{})
	h.notice(ctx, conn, "API token updated")
}

func (h *rpcMethodHandler) handleWebhookUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateWebhookParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	h.updateSettings(ctx, conn, req, "Webhook saved", func(s *settings.Settings) error {
		s.Webhook = settings.Webhook{URL: strings.TrimSpace(params.URL), Enabled: params.Enabled}
		return nil
	})
}

func (h *rpcMethodHandler) handleTimeSettingsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateTimeSettingsParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	h.updateSettings(ctx, conn, req, "Time settings saved", func(s *settings.Settings) error {
		s.Timezone = params.Timezone
		s.DateFormat = params.DateFormat
		s.TimeFormat = params.TimeFormat
		return nil
	})
}

func (h *rpcMethodHandler) handleRealtimeTypingUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ToggleParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	notice := "Realtime typing disabled"
	if params.Enabled {
		notice = "Realtime typing enabled"
	}
	h.updateSettings(ctx, conn, req, notice, func(s *settings.Settings) error {
		s.RealtimeTyping = params.Enabled
		return nil
	})
}

func (h *rpcMethodHandler) handleAllowedOriginsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateAllowedOriginsParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	h.updateSettings(ctx, conn, req, "Allowed origins saved", func(s *settings.Settings) error {
		s.AllowedOrigins = settings.ParseOrigins(params.Origins)
		return nil
	})
}

func (h *rpcMethodHandler) handleRateLimitUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateRateLimitParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	h.updateSettings(ctx, conn, req, "Rate limits saved", func(s *settings.Settings) error {
		s.MaxMessagesPerMinute = params.MaxMessagesPerMinute
		s.MaxMessageLength = params.MaxMessageLength
		return nil
	})
}

func (h *rpcMethodHandler) handleMessageLimitsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateMessageLimitsParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	h.updateSettings(ctx, conn, req, "Message limits saved", func(s *settings.Settings) error {
		s.AdminMessagesLimit = params.AdminMessagesLimit
		s.WidgetMessagesLimit = params.WidgetMessagesLimit
		return nil
	})
}

func (h *rpcMethodHandler) handleSystemLogsUpdate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.UpdateSystemLogsParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	_, err := h.settings.Update(ctx, func(s *settings.Settings) error {
		return s.SystemLogs.Set(params.Setting, params.Enabled)
	})
	if !h.settingsSaved(ctx, conn, req, err) {
		return
	}

	h.log.Info("system logs updated", "setting", params.Setting, "enabled", params.Enabled)
	h.reply(ctx, conn, req, rpc.SystemLogsUpdatedEvent{
		Kind:    rpc.Of(rpc.EventSystemLogsUpdated),
		Setting: params.Setting,
		Enabled: params.Enabled,
	})
}

// updateSettings applies fn, replies {} and sends notice as a system text.
func (h *rpcMethodHandler) updateSettings(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, notice string, fn func(*settings.Settings) error) {
	_, err := h.settings.Update(ctx, fn)
	if !h.settingsSaved(ctx, conn, req, err) {
		return
	}

	h.log.Info("settings updated", "method", req.Method)
	h.reply(ctx, conn, req, struct{}{})
	h.notice(ctx, conn, notice)
}

func (h *rpcMethodHandler) settingsSaved(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, settings.ErrInvalidRateLimit),
		errors.Is(err, settings.ErrInvalidMessageLimits),
		errors.Is(err, settings.ErrUnknownLogSetting):
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
	default:
		h.log.Error("failed to save settings", "method", req.Method, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to save settings")
	}
	return false
}
