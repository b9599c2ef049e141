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

// Package gateway implements the gateway.* step handlers: HTTP calls
// against the industrial gateway's REST API, sharing one lazily-created
// session per run via RunContext.Resources. Requests are SSRF-validated
// and header-sanitized before they leave the process.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
	"github.com/fieldkit-run/fieldkit/pkg/httpclient"
	"github.com/fieldkit-run/fieldkit/pkg/security"
)

// sensitiveHeaders must never be overridden by step parameters; they
// remain under the transport's exclusive control.
var sensitiveHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"host":              true,
}

// Handler implements the gateway.<operation> family of step types: login,
// read, write, and any other verb the gateway's REST surface exposes. The
// operation name is the suffix of the step type tag (e.g. "login" for
// "gateway.login").
type Handler struct {
	stepType string
	security *security.HTTPSecurityConfig
	limiter  *rate.Limiter
}

// New creates a handler bound to a single gateway.<operation> type tag.
func New(stepType string) *Handler {
	return &Handler{
		stepType: stepType,
		security: security.DefaultHTTPSecurityConfig(),
		limiter:  rate.NewLimiter(rate.Limit(20), 20),
	}
}

func (h *Handler) Type() string { return h.stepType }

// gatewaySession is the lazily-created shared resource a run's gateway
// handlers reuse: one *http.Client plus the resolved base URL, so a
// gateway.login step's cookies/headers are visible to a later gateway.read
// step in the same run.
type gatewaySession struct {
	client  *http.Client
	baseURL string
}

func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, runCtx *handler.RunContext) (handler.Output, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, runerr.Cancellation()
	}

	sessionAny, err := runCtx.Resources.GatewaySession(ctx)
	if err != nil {
		return nil, runerr.Handler("failed to initialize gateway session", err)
	}
	session, ok := sessionAny.(*gatewaySession)
	if !ok {
		return nil, runerr.Internal("gateway session has unexpected type", nil)
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = "GET"
	}
	path, _ := params["path"].(string)
	url := strings.TrimRight(session.baseURL, "/") + "/" + strings.TrimLeft(path, "/")

	if err := h.security.ValidateURL(url); err != nil {
		return nil, runerr.Handler("gateway request blocked: "+err.Error(), err)
	}

	var body io.Reader
	if b, ok := params["body"]; ok {
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, runerr.Handler("failed to encode request body", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, runerr.Handler("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := params["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if sensitiveHeaders[strings.ToLower(k)] {
				continue
			}
			if s, ok := v.(string); ok {
				req.Header.Set(k, sanitizeHeaderValue(s))
			}
		}
	}

	resp, err := session.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, runerr.Cancellation()
		}
		return nil, runerr.Handler(fmt.Sprintf("gateway request failed: %v", err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, runerr.Handler("failed to read gateway response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, runerr.Handler(fmt.Sprintf("gateway returned HTTP %d: %s", resp.StatusCode, truncate(respBody, 256)), nil)
	}

	var decoded interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			decoded = string(respBody)
		}
	}

	return handler.Output{
		"status_code": resp.StatusCode,
		"response":    decoded,
	}, nil
}

// NewGatewaySession constructs the shared per-run resource. Called by the
// engine's resource guard (internal/engine/resources.go) on first use. The
// client itself never retries — on_failure/retry_count already govern
// retries at the step level, so a second retry layer underneath would
// double the delay a step's own policy expects.
func NewGatewaySession(baseURL string) (interface{}, error) {
	client, err := httpclient.New(httpclient.Config{
		Timeout:       60 * time.Second,
		RetryAttempts: 0,
		UserAgent:     "fieldkit-gateway/1.0",
	})
	if err != nil {
		return nil, err
	}
	return &gatewaySession{
		baseURL: baseURL,
		client:  client,
	}, nil
}

func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	v = strings.ReplaceAll(v, "\x00", "")
	return v
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
