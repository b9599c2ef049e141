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

// Package aihelper implements the ai.* step handlers. Provider is the
// contract an AI provider's SDK must satisfy; no concrete implementation
// ships here — deployments plug one in at registry construction.
package aihelper

import (
	"context"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// Provider is the capability an AI helper backend must expose to back
// ai.* steps (e.g. "ai.complete", "ai.classify").
type Provider interface {
	Complete(ctx context.Context, prompt string, params map[string]interface{}) (string, error)
}

// Handler implements the ai.<capability> family by delegating to a
// configured Provider.
type Handler struct {
	action   string
	provider Provider
}

func New(stepType string, provider Provider) *Handler {
	return &Handler{action: stepType, provider: provider}
}

func (h *Handler) Type() string { return h.action }

func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	if h.provider == nil {
		return nil, runerr.Validation("no ai provider configured for " + h.action)
	}
	prompt, _ := params["prompt"].(string)
	result, err := h.provider.Complete(ctx, prompt, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, runerr.Cancellation()
		}
		return nil, runerr.Handler(err.Error(), err)
	}
	return handler.Output{"result": result}, nil
}
