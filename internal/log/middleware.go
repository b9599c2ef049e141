// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"log/slog"
	"time"
)

// RPCRequest describes one inbound call on internal/controller/protocol's
// control-protocol socket, for logging purposes.
type RPCRequest struct {
	// Op is the request op ("start", "get", "list", "control", "delete",
	// "subscribe" — internal/controller/protocol.Request.Op).
	Op string

	// ExecutionID is the run this call addresses, empty for "start"/"list".
	ExecutionID string

	// RemoteAddr is the client connection's remote address.
	RemoteAddr string

	// Metadata holds op-specific extras (e.g. control's "kind").
	Metadata map[string]interface{}
}

// RPCResponse describes the outcome of one RPCRequest.
type RPCResponse struct {
	// Success indicates whether the request was successful.
	Success bool

	// Error is the error message if the request failed.
	Error string

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]interface{}
}

// LogRPCRequest logs an incoming control-protocol request.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := []any{
		"event", "rpc_request",
		"op", req.Op,
		"remote", req.RemoteAddr,
	}

	if req.ExecutionID != "" {
		attrs = append(attrs, "execution_id", req.ExecutionID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("rpc request received", attrs...)
}

// LogRPCResponse logs the completion of an RPCRequest.
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := []any{
		"event", "rpc_response",
		"op", req.Op,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
		"remote", req.RemoteAddr,
	}

	if req.ExecutionID != "" {
		attrs = append(attrs, "execution_id", req.ExecutionID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "rpc request completed"

	if !resp.Success {
		level = slog.LevelError
		message = "rpc request failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// RPCMiddleware wraps internal/controller/protocol.Server's per-op handlers
// with request/response logging, so every start/get/list/control/delete
// call on the daemon's control socket leaves a structured log line with its
// execution ID and duration, independent of audit.Logger (which persists
// only start/control/delete to an append-only file, not get/list/subscribe).
type RPCMiddleware struct {
	logger *slog.Logger
}

// NewRPCMiddleware creates a new RPC logging middleware.
func NewRPCMiddleware(logger *slog.Logger) *RPCMiddleware {
	return &RPCMiddleware{
		logger: logger,
	}
}

// Handler wraps a handler that returns only an error.
func (m *RPCMiddleware) Handler(req *RPCRequest, handler func() error) error {
	start := time.Now()

	LogRPCRequest(m.logger, req)

	err := handler()

	resp := &RPCResponse{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogRPCResponse(m.logger, req, resp)

	return err
}

// HandlerWithMetadata wraps a handler that also returns result metadata
// (e.g. the snapshot count a "list" call matched) to surface alongside the
// duration/success fields in the response log line.
func (m *RPCMiddleware) HandlerWithMetadata(req *RPCRequest, handler func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	start := time.Now()

	LogRPCRequest(m.logger, req)

	metadata, err := handler()

	resp := &RPCResponse{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   metadata,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	LogRPCResponse(m.logger, req, resp)

	return metadata, err
}
