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

// Package designer implements the designer.* step handlers, used by
// playbook authors to prompt for operator input mid-run (e.g. confirm a
// value, pick a target). Like the browser/desktop/ai handlers, the
// interactive UI that collects a response lives outside this module —
// this package defines the contract a response source must satisfy.
package designer

import (
	"context"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// ResponseSource supplies an operator's answer to a designer.prompt step.
// A production build backs this with the duplex socket; tests supply a
// canned responder.
type ResponseSource interface {
	Prompt(ctx context.Context, message string, fields []string) (map[string]interface{}, error)
}

// Handler implements designer.prompt.
type Handler struct {
	action string
	source ResponseSource
}

func New(stepType string, source ResponseSource) *Handler {
	return &Handler{action: stepType, source: source}
}

func (h *Handler) Type() string { return h.action }

func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	if h.source == nil {
		return nil, runerr.Validation("no response source configured for " + h.action)
	}
	message, _ := params["message"].(string)
	var fields []string
	if raw, ok := params["fields"].([]interface{}); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
	}
	answers, err := h.source.Prompt(ctx, message, fields)
	if err != nil {
		if ctx.Err() != nil {
			return nil, runerr.Cancellation()
		}
		return nil, runerr.Handler(err.Error(), err)
	}
	out := make(handler.Output, len(answers))
	for k, v := range answers {
		out[k] = v
	}
	return out, nil
}
