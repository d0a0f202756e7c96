package mcp

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

type ErrorCode string

const (
	ErrValidation ErrorCode = "validation"
	ErrInternal   ErrorCode = "internal"
)

// ToolError is the JSON body of a failed tool call.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e ToolError) Result() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func ValidationError(msg string) *mcp.CallToolResult {
	return ToolError{Code: ErrValidation, Message: msg}.Result()
}

func InternalError(err error) *mcp.CallToolResult {
	return ToolError{Code: ErrInternal, Message: err.Error()}.Result()
}
