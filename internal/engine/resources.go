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

package engine

import (
	"context"
	"io"
	"sync"
)

// BrowserDriverFactory constructs the run's shared browser driver on first
// use. Left nil in builds with no browser handler configured.
type BrowserDriverFactory func(ctx context.Context) (interface{}, error)

// GatewaySessionFactory constructs the run's shared gateway client session
// on first use.
type GatewaySessionFactory func(ctx context.Context) (interface{}, error)

// resourceGuard lazily creates at most one browser driver and one gateway
// session per run, each guarded by its own mutex, and tears both down on
// Close regardless of which exit path the run took. Resources are created
// at most once, on first use, rather than eagerly at run start, since
// most playbooks only ever touch one of the two.
type resourceGuard struct {
	browserFactory BrowserDriverFactory
	gatewayFactory GatewaySessionFactory

	browserMu  sync.Mutex
	browser    interface{}
	browserErr error

	gatewayMu  sync.Mutex
	gateway    interface{}
	gatewayErr error
}

func newResourceGuard(browserFactory BrowserDriverFactory, gatewayFactory GatewaySessionFactory) *resourceGuard {
	return &resourceGuard{browserFactory: browserFactory, gatewayFactory: gatewayFactory}
}

func (g *resourceGuard) BrowserDriver(ctx context.Context) (interface{}, error) {
	g.browserMu.Lock()
	defer g.browserMu.Unlock()
	if g.browser != nil || g.browserErr != nil {
		return g.browser, g.browserErr
	}
	if g.browserFactory == nil {
		return nil, errNoBrowserDriver
	}
	g.browser, g.browserErr = g.browserFactory(ctx)
	return g.browser, g.browserErr
}

func (g *resourceGuard) GatewaySession(ctx context.Context) (interface{}, error) {
	g.gatewayMu.Lock()
	defer g.gatewayMu.Unlock()
	if g.gateway != nil || g.gatewayErr != nil {
		return g.gateway, g.gatewayErr
	}
	if g.gatewayFactory == nil {
		return nil, errNoGatewaySession
	}
	g.gateway, g.gatewayErr = g.gatewayFactory(ctx)
	return g.gateway, g.gatewayErr
}

// Close tears down whichever resources were actually created. Engine.Run
// defers it, so it runs once on every exit path including cancellation.
func (g *resourceGuard) Close() {
	g.browserMu.Lock()
	if c, ok := g.browser.(io.Closer); ok {
		_ = c.Close()
	}
	g.browser = nil
	g.browserMu.Unlock()

	g.gatewayMu.Lock()
	if c, ok := g.gateway.(io.Closer); ok {
		_ = c.Close()
	}
	g.gateway = nil
	g.gatewayMu.Unlock()
}
