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

// Package desktop implements the desktop.* step handlers. The concrete
// desktop-automation library lives outside this module; this package
// defines the contract and dispatches to it.
package desktop

import (
	"context"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// Driver is the capability a desktop-automation library must expose.
// Unlike the browser driver this is not a shared per-run resource — each
// invocation is independent window/control automation — but
// implementations may still cache OS handles internally.
type Driver interface {
	Focus(ctx context.Context, windowTitle string) error
	Type(ctx context.Context, text string) error
	Click(ctx context.Context, x, y int) error
}

// Handler implements the desktop.<action> family (focus, type, click).
type Handler struct {
	action string
	driver Driver
}

func New(stepType string, driver Driver) *Handler {
	return &Handler{action: stepType, driver: driver}
}

func (h *Handler) Type() string { return h.action }

func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	if h.driver == nil {
		return nil, runerr.Internal("no desktop driver configured", nil)
	}
	switch h.action {
	case "desktop.focus":
		title, _ := params["window_title"].(string)
		if err := h.driver.Focus(ctx, title); err != nil {
			return nil, wrapErr(ctx, err)
		}
		return handler.Output{"window_title": title}, nil
	case "desktop.type":
		text, _ := params["text"].(string)
		if err := h.driver.Type(ctx, text); err != nil {
			return nil, wrapErr(ctx, err)
		}
		return handler.Output{"typed": len(text)}, nil
	case "desktop.click":
		x, _ := toInt(params["x"])
		y, _ := toInt(params["y"])
		if err := h.driver.Click(ctx, x, y); err != nil {
			return nil, wrapErr(ctx, err)
		}
		return handler.Output{"x": x, "y": y}, nil
	default:
		return nil, runerr.Validation("unknown desktop step type " + h.action)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func wrapErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runerr.Cancellation()
	}
	return runerr.Handler(err.Error(), err)
}
