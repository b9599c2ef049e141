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

// Package utility implements the utility.* step handlers: variable
// mutation, logging, and short subprocess helpers. These are the handlers
// a playbook author reaches for when a step doesn't need a live target.
package utility

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/fieldkit-run/fieldkit/internal/handler"
	runerr "github.com/fieldkit-run/fieldkit/pkg/errors"
)

// SetVariable implements utility.set_variable: writes params["name"] =
// params["value"] into the run's variable map via RunContext.SetVar.
type SetVariable struct{}

func (SetVariable) Type() string { return "utility.set_variable" }

func (SetVariable) Execute(_ context.Context, params map[string]interface{}, runCtx *handler.RunContext) (handler.Output, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, runerr.Validation("utility.set_variable requires a non-empty \"name\"")
	}
	value := params["value"]
	runCtx.SetVar.SetVariable(name, value)
	return handler.Output{"name": name, "value": value}, nil
}

// Log implements utility.log: emits a structured log line and echoes the
// message back as output.
type Log struct {
	Logger *slog.Logger
}

func (Log) Type() string { return "utility.log" }

func (l Log) Execute(_ context.Context, params map[string]interface{}, runCtx *handler.RunContext) (handler.Output, error) {
	message, _ := params["message"].(string)
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("utility.log", slog.String("execution_id", runCtx.ExecutionID), slog.String("message", message))
	return handler.Output{"message": message}, nil
}

// Python implements utility.python: runs a short inline Python snippet as
// a subprocess and captures stdout. Cancellation tears the subprocess down
// promptly via CommandContext, satisfying the handler cancellation
// contract at its only I/O boundary (process wait).
type Python struct {
	Interpreter string
}

func (Python) Type() string { return "utility.python" }

func (p Python) Execute(ctx context.Context, params map[string]interface{}, _ *handler.RunContext) (handler.Output, error) {
	code, _ := params["code"].(string)
	if code == "" {
		return nil, runerr.Validation("utility.python requires non-empty \"code\"")
	}
	interp := p.Interpreter
	if interp == "" {
		interp = "python3"
	}

	cmd := exec.CommandContext(ctx, interp, "-c", code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, runerr.Cancellation()
		}
		return nil, runerr.Handler(fmt.Sprintf("python step failed: %v: %s", err, stderr.String()), err)
	}

	return handler.Output{
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}, nil
}
