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

// Package protocol is the thin adapter in front of the core: a
// newline-delimited JSON request/response framing over the
// internal/controller/listener connection, translating each of the six
// typed surfaces (start, get, list, control, delete, subscribe) onto
// internal/manager and internal/broadcast calls. A browser-facing
// HTTP/WS gateway would sit in front of this transport, outside this
// module.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fieldkit-run/fieldkit/internal/broadcast"
	"github.com/fieldkit-run/fieldkit/internal/engine"
	fklog "github.com/fieldkit-run/fieldkit/internal/log"
	"github.com/fieldkit-run/fieldkit/internal/manager"
	"github.com/fieldkit-run/fieldkit/internal/state"
	"github.com/fieldkit-run/fieldkit/internal/store"
	"github.com/fieldkit-run/fieldkit/internal/tracing/audit"
)

// pingInterval is how often a well-behaved subscriber is expected to
// send a ping. subscribeReadTimeout enforces the absence limit: a
// subscription silent past it is terminated.
const (
	pingInterval         = 60 * time.Second
	subscribeReadTimeout = 90 * time.Second
)

// Request is one line of client input.
type Request struct {
	Op string `json:"op"`

	// start
	PlaybookPath string                 `json:"playbook_path,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	DebugMode    bool                   `json:"debug_mode,omitempty"`

	// get / control / delete
	ExecutionID string `json:"execution_id,omitempty"`

	// control
	Kind string `json:"kind,omitempty"`

	// list
	Status       string `json:"status,omitempty"`
	PlaybookName string `json:"playbook_name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// Response is one line of server output.
type Response struct {
	Op          string           `json:"op"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Status      string           `json:"status,omitempty"`
	Snapshot    *state.Snapshot  `json:"snapshot,omitempty"`
	Snapshots   []state.Snapshot `json:"snapshots,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Event is one line of server-pushed subscription traffic.
type Event struct {
	Type      string                 `json:"type"`
	Update    *state.ExecutionUpdate `json:"update,omitempty"`
	Frame     *state.ScreenshotFrame `json:"frame,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// Server dispatches connections accepted off a listener onto a Manager
// and Broadcaster.
type Server struct {
	Manager     *manager.Manager
	Broadcaster *broadcast.Broadcaster
	Logger      *slog.Logger

	// Audit, if set, records start/control/delete operations to an
	// append-only log. A nil Audit is a no-op, matching tests and any
	// deployment that hasn't configured one.
	Audit *audit.Logger

	// RPCLog wraps every dispatched op with request/response logging
	// (internal/log.RPCMiddleware). Unlike Audit, it covers all six ops,
	// including get/list/subscribe, and is always active: a nil RPCLog
	// falls back to one built from Logger.
	RPCLog *fklog.RPCMiddleware
}

func (s *Server) rpcLog() *fklog.RPCMiddleware {
	if s.RPCLog != nil {
		return s.RPCLog
	}
	return fklog.NewRPCMiddleware(s.logger())
}

func (s *Server) auditResult(result audit.Result, err error) audit.Result {
	if err != nil {
		return audit.ResultError
	}
	return result
}

// Serve accepts connections from ln until it returns an error (typically
// because the listener was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req Request
			if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
				s.writeResponse(conn, Response{Op: "error", Error: "invalid request: " + jsonErr.Error()})
			} else {
				s.dispatch(conn, reader, req)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger().Debug("connection read error", "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, reader *bufio.Reader, req Request) {
	// subscribe takes over the connection for its lifetime and logs its own
	// outcome on return, not completion, so it's excluded from the
	// request/response timing wrap the other five ops get.
	if req.Op == "subscribe" {
		s.rpcLog().Handler(&fklog.RPCRequest{Op: "subscribe", RemoteAddr: conn.RemoteAddr().String()}, func() error {
			s.handleSubscribe(conn, reader)
			return nil
		})
		return
	}

	rpcReq := &fklog.RPCRequest{
		Op:          req.Op,
		ExecutionID: req.ExecutionID,
		RemoteAddr:  conn.RemoteAddr().String(),
	}
	if req.Op == "control" {
		rpcReq.Metadata = map[string]interface{}{"kind": req.Kind}
	}

	s.rpcLog().Handler(rpcReq, func() error {
		switch req.Op {
		case "start":
			return s.handleStart(conn, req)
		case "get":
			return s.handleGet(conn, req)
		case "list":
			return s.handleList(conn, req)
		case "control":
			return s.handleControl(conn, req)
		case "delete":
			return s.handleDelete(conn, req)
		default:
			err := fmt.Errorf("unknown op %s", req.Op)
			s.writeResponse(conn, Response{Op: "error", Error: err.Error()})
			return err
		}
	})
}

func (s *Server) handleStart(conn net.Conn, req Request) error {
	id, err := s.Manager.Start(context.Background(), req.PlaybookPath, req.Parameters, manager.StartOptions{DebugMode: req.DebugMode})
	if s.Audit != nil {
		_ = s.Audit.LogRunStart(conn.RemoteAddr().String(), req.PlaybookPath, id, s.auditResult(audit.ResultSuccess, err), err)
	}
	if err != nil {
		s.writeResponse(conn, Response{Op: "start", Error: err.Error()})
		return err
	}
	s.writeResponse(conn, Response{Op: "start", ExecutionID: id, Status: "started"})
	return nil
}

func (s *Server) handleGet(conn net.Conn, req Request) error {
	eng, ok := s.Manager.Get(req.ExecutionID)
	if !ok {
		err := errors.New("execution not found")
		s.writeResponse(conn, Response{Op: "get", Error: err.Error()})
		return err
	}
	snap := eng.Snapshot()
	s.writeResponse(conn, Response{Op: "get", ExecutionID: req.ExecutionID, Snapshot: &snap})
	return nil
}

func (s *Server) handleList(conn net.Conn, req Request) error {
	filter := store.Filter{
		Status:       state.RunStatus(req.Status),
		PlaybookName: req.PlaybookName,
		Limit:        req.Limit,
		Offset:       req.Offset,
	}
	snaps, err := s.Manager.List(context.Background(), filter)
	if err != nil {
		s.writeResponse(conn, Response{Op: "list", Error: err.Error()})
		return err
	}
	s.writeResponse(conn, Response{Op: "list", Snapshots: snaps})
	return nil
}

func (s *Server) handleControl(conn net.Conn, req Request) error {
	err := s.Manager.Signal(req.ExecutionID, engine.SignalKind(req.Kind))
	if s.Audit != nil {
		_ = s.Audit.LogRunControl(conn.RemoteAddr().String(), req.ExecutionID, req.Kind, s.auditResult(audit.ResultSuccess, err), err)
	}
	if err != nil {
		s.writeResponse(conn, Response{Op: "control", Error: err.Error()})
		return err
	}
	s.writeResponse(conn, Response{Op: "control", ExecutionID: req.ExecutionID, Status: "ok"})
	return nil
}

func (s *Server) handleDelete(conn net.Conn, req Request) error {
	err := s.Manager.Delete(context.Background(), req.ExecutionID)
	if s.Audit != nil {
		_ = s.Audit.LogRunDelete(conn.RemoteAddr().String(), req.ExecutionID, s.auditResult(audit.ResultSuccess, err), err)
	}
	if err != nil {
		s.writeResponse(conn, Response{Op: "delete", Error: err.Error()})
		return err
	}
	s.writeResponse(conn, Response{Op: "delete", ExecutionID: req.ExecutionID, Status: "ok"})
	return nil
}

// handleSubscribe takes over conn for the lifetime of the subscription:
// one goroutine drains the Broadcaster's channel and writes events, the
// calling goroutine reads inbound pings and replies pong, touching the
// subscriber's liveness clock on each one.
func (s *Server) handleSubscribe(conn net.Conn, reader *bufio.Reader) {
	ch, unsubscribe := s.Broadcaster.Subscribe()
	defer unsubscribe()

	var writeMu sync.Mutex
	writeLine := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(append(data, '\n'))
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			var ev Event
			switch e := event.(type) {
			case state.ExecutionUpdate:
				ev = Event{Type: "execution_update", Update: &e, Timestamp: e.Timestamp}
			case state.ScreenshotFrame:
				ev = Event{Type: "screenshot_frame", Frame: &e, Timestamp: e.Timestamp}
			case broadcast.Heartbeat:
				ev = Event{Type: "heartbeat", Timestamp: e.Timestamp}
			default:
				continue
			}
			if err := writeLine(ev); err != nil {
				return
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(subscribeReadTimeout))
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var req Request
			if json.Unmarshal(line, &req) == nil && req.Op == "ping" {
				s.Broadcaster.Touch(ch)
				writeLine(Response{Op: "pong"})
			}
		}
		if err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
