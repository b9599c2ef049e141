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

// Package browser implements the browser.* step handlers. The concrete
// headless-browser driver lives outside this module — this package
// defines and dispatches the contract a driver must satisfy, and wires
// its screenshot callback into the run's ScreenshotEmitter. A production
// build supplies a Driver backed by a real automation library; tests
// supply a fake.
package browser

import (
	"context"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// Driver is the capability a headless-browser automation library must
// expose to back browser.* steps. RunContext.Resources.BrowserDriver
// returns a value satisfying this interface.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// Screenshot captures the current page as JPEG bytes. The Engine's
	// ScreenshotEmitter rate-limits the frames it publishes to ≤ 2 Hz.
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Handler implements the browser.<action> family (navigate, click, fill,
// screenshot), dispatching by the suffix of the step type tag.
type Handler struct {
	action string
}

func New(stepType string) *Handler {
	return &Handler{action: stepType}
}

func (h *Handler) Type() string { return h.action }

func (h *Handler) Execute(ctx context.Context, params map[string]interface{}, runCtx *handler.RunContext) (handler.Output, error) {
	driverAny, err := runCtx.Resources.BrowserDriver(ctx)
	if err != nil {
		return nil, runerr.Handler("failed to initialize browser driver", err)
	}
	driver, ok := driverAny.(Driver)
	if !ok {
		return nil, runerr.Internal("browser resource has unexpected type", nil)
	}

	switch h.action {
	case "browser.navigate":
		url, _ := params["url"].(string)
		if url == "" {
			return nil, runerr.Validation("browser.navigate requires a non-empty \"url\"")
		}
		if err := driver.Navigate(ctx, url); err != nil {
			return nil, wrapDriverErr(ctx, err)
		}
		return h.captureAndEmit(ctx, driver, runCtx, handler.Output{"url": url})

	case "browser.click":
		selector, _ := params["selector"].(string)
		if selector == "" {
			return nil, runerr.Validation("browser.click requires a non-empty \"selector\"")
		}
		if err := driver.Click(ctx, selector); err != nil {
			return nil, wrapDriverErr(ctx, err)
		}
		return h.captureAndEmit(ctx, driver, runCtx, handler.Output{"selector": selector})

	case "browser.fill":
		selector, _ := params["selector"].(string)
		value, _ := params["value"].(string)
		if selector == "" {
			return nil, runerr.Validation("browser.fill requires a non-empty \"selector\"")
		}
		if err := driver.Fill(ctx, selector, value); err != nil {
			return nil, wrapDriverErr(ctx, err)
		}
		return h.captureAndEmit(ctx, driver, runCtx, handler.Output{"selector": selector})

	case "browser.screenshot":
		return h.captureAndEmit(ctx, driver, runCtx, handler.Output{})

	default:
		return nil, runerr.Validation("unknown browser step type " + h.action)
	}
}

func (h *Handler) captureAndEmit(ctx context.Context, driver Driver, runCtx *handler.RunContext, out handler.Output) (handler.Output, error) {
	jpeg, err := driver.Screenshot(ctx)
	if err != nil {
		return nil, wrapDriverErr(ctx, err)
	}
	if runCtx.Screenshot != nil && len(jpeg) > 0 {
		runCtx.Screenshot.EmitScreenshot(jpeg)
	}
	return out, nil
}

func wrapDriverErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return runerr.Cancellation()
	}
	return runerr.Handler(err.Error(), err)
}
