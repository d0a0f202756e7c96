package ws

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/kaplia/server/chat"
	"github.com/kaplia/server/rpc"
)

func (h *rpcMethodHandler) handleHistoryGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.GetHistoryParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.TargetID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "targetId is required")
		return
	}

	limit := params.Limit
	if limit <= 0 {
		limit = h.settings.Get().AdminMessagesLimit
	}

	page, err := h.router.History(ctx, params.TargetID, chat.HistoryQuery{
		Limit:    limit,
		BeforeID: params.BeforeID,
	})
	if err != nil {
		h.log.Error("failed to load history", "sessionId", params.TargetID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to load history")
		return
	}

	eventType := rpc.EventHistoryData
	if params.BeforeID > 0 {
		eventType = rpc.EventMoreHistory
	}
	h.reply(ctx, conn, req, chat.HistoryEvent(eventType, params.TargetID, page))
}

func (h *rpcMethodHandler) handleChatReply(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ReplyParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	msg, err := h.router.RouteAdminReply(ctx, params.TargetID, params.Text)
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrMissingSession) {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, err.Error())
		return
	}
	if err != nil {
		h.log.Error("failed to send reply", "sessionId", params.TargetID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to send reply")
		return
	}

	h.reply(ctx, conn, req, rpc.MessageSentEvent{
		Kind:      rpc.Of(rpc.EventAdminMessageSent),
		TargetID:  params.TargetID,
		Text:      params.Text,
		Timestamp: chat.FormatTime(msg.Timestamp),
		ID:        msg.ID,
	})
}

func (h *rpcMethodHandler) handleMessageDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DeleteMessageParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.MsgID <= 0 || params.TargetID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "msgId and targetId are required")
		return
	}

	if err := h.router.RouteDeleteMessage(ctx, params.MsgID, params.TargetID); err != nil {
		h.log.Error("failed to delete message", "msgId", params.MsgID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete message")
		return
	}
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleSystemMessagesDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TargetParams
	if err := unmarshalParams(req, &params); err != nil || params.TargetID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "targetId is required")
		return
	}

	n, err := h.router.RouteDeleteSystemMessages(ctx, params.TargetID)
	if err != nil {
		h.log.Error("failed to delete system messages", "sessionId", params.TargetID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete system messages")
		return
	}

	h.log.Info("system messages deleted", "sessionId", params.TargetID, "count", n)
	h.reply(ctx, conn, req, struct{}{})
}

func (h *rpcMethodHandler) handleSessionDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.TargetParams
	if err := unmarshalParams(req, &params); err != nil || params.TargetID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "targetId is required")
		return
	}

	if err := h.router.RouteDeleteSession(ctx, params.TargetID); err != nil {
		h.log.Error("failed to delete session", "sessionId", params.TargetID, "error", err)
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInternalError, "failed to delete session")
		return
	}
	h.tracker.Forget(params.TargetID)

	h.reply(ctx, conn, req, struct{}{})
}
