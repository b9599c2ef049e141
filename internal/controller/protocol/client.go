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

package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a blocking, one-request-at-a-time client for the Server's
// newline-delimited JSON protocol. It is deliberately simple: playbookctl
// issues one request, reads one response, and (for subscribe) streams
// Events until the connection closes or the caller stops iterating.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a daemon listening at addr over the given network
// ("unix" or "tcp").
func Dial(network, addr string) (*Client, error) {
	conn, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %s: %w", network, addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and returns the single Response line the daemon sends
// back. Not valid for req.Op == "subscribe"; use Subscribe for that.
func (c *Client) Call(req Request) (Response, error) {
	if err := c.writeRequest(req); err != nil {
		return Response{}, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

// Subscribe issues a subscribe request and invokes onEvent for every
// Event the daemon pushes, replying to inbound "ping" prompts is not
// needed on this side since the server only expects pings from
// subscribers that want to extend their own liveness window; playbookctl
// instead sends one on every pingInterval tick (the first one pingInterval
// after subscribing) so long-lived `watch` invocations are not dropped as
// stale.
func (c *Client) Subscribe(stop <-chan struct{}, onEvent func(Event) error) error {
	if err := c.writeRequest(Request{Op: "subscribe"}); err != nil {
		return err
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-stop:
				c.conn.Close()
				return
			case <-ticker.C:
				c.writeRequest(Request{Op: "ping"})
			}
		}
	}()

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			// A stray Response (e.g. the "pong" reply to our ping).
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}

func (c *Client) writeRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(append(data, '\n'))
	return err
}
