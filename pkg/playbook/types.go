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

// Package playbook defines the declarative YAML playbook format: an
// ordered sequence of typed steps, driven by the execution runtime in
// internal/engine.
package playbook

import "fmt"

// ParameterType enumerates the types a declared playbook parameter may take.
type ParameterType string

const (
	ParamString     ParameterType = "string"
	ParamInteger    ParameterType = "integer"
	ParamFloat      ParameterType = "float"
	ParamBoolean    ParameterType = "boolean"
	ParamFile       ParameterType = "file"
	ParamCredential ParameterType = "credential"
	ParamList       ParameterType = "list"
	ParamDict       ParameterType = "dict"
)

// OnFailure controls what the Step Executor does after a step exhausts its
// retries.
type OnFailure string

const (
	OnFailureAbort    OnFailure = "abort"
	OnFailureContinue OnFailure = "continue"
	OnFailureSkip     OnFailure = "skip"
)

// Parameter declares one input a playbook accepts.
type Parameter struct {
	Name        string        `yaml:"name"`
	Type        ParameterType `yaml:"type"`
	Required    bool          `yaml:"required"`
	Default     interface{}   `yaml:"default,omitempty"`
	Description string        `yaml:"description,omitempty"`
}

// Step is one unit of work in a playbook.
type Step struct {
	ID                string                 `yaml:"id"`
	DisplayName       string                 `yaml:"name,omitempty"`
	Type              string                 `yaml:"type"`
	Parameters        map[string]interface{} `yaml:"parameters,omitempty"`
	TimeoutSeconds    int                    `yaml:"timeout,omitempty"`
	RetryCount        int                    `yaml:"retry_count,omitempty"`
	RetryDelaySeconds int                    `yaml:"retry_delay,omitempty"`
	OnFailure         OnFailure              `yaml:"on_failure,omitempty"`
}

// EffectiveTimeout returns the step's configured timeout, or a step-kind
// default when unset. Browser/desktop steps get a longer default than
// plain utility/gateway calls since they may wait on UI state.
func (s *Step) EffectiveTimeout() int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	switch {
	case hasPrefix(s.Type, "browser.") || hasPrefix(s.Type, "desktop."):
		return 300
	default:
		return 30
	}
}

// EffectiveOnFailure returns the step's on_failure policy, defaulting to abort.
func (s *Step) EffectiveOnFailure() OnFailure {
	if s.OnFailure == "" {
		return OnFailureAbort
	}
	return s.OnFailure
}

// EffectiveRetryDelaySeconds returns the configured retry delay, defaulting to 1s.
func (s *Step) EffectiveRetryDelaySeconds() int {
	if s.RetryDelaySeconds > 0 {
		return s.RetryDelaySeconds
	}
	return 1
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Metadata carries small, optional playbook-level flags.
type Metadata struct {
	// Verified marks a playbook as eligible to be invoked by a
	// playbook.run step of another playbook.
	Verified bool `yaml:"verified,omitempty"`
}

// Definition is a parsed playbook document.
type Definition struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version,omitempty"`
	Description string      `yaml:"description,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty"`
	Steps       []Step      `yaml:"steps"`
	Metadata    Metadata    `yaml:"metadata,omitempty"`

	// Path is the absolute filesystem path this definition was loaded
	// from; set by Load, not part of the YAML document.
	Path string `yaml:"-"`
}

// StepByID returns the step with the given id, or false if absent.
func (d *Definition) StepByID(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structural invariants: unique step ids, known parameter
// types, and at least a name. It does not check step-type registration —
// that is the Step Handler Registry's job at dispatch time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("playbook: name is required")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("playbook: step %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("playbook: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Type == "" {
			return fmt.Errorf("playbook: step %q has no type", s.ID)
		}
		switch s.OnFailure {
		case "", OnFailureAbort, OnFailureContinue, OnFailureSkip:
		default:
			return fmt.Errorf("playbook: step %q has invalid on_failure %q", s.ID, s.OnFailure)
		}
	}
	for _, p := range d.Parameters {
		switch p.Type {
		case ParamString, ParamInteger, ParamFloat, ParamBoolean, ParamFile, ParamCredential, ParamList, ParamDict:
		default:
			return fmt.Errorf("playbook: parameter %q has invalid type %q", p.Name, p.Type)
		}
	}
	return nil
}

// ResolveParameters merges user-supplied values over declared defaults and
// verifies every required parameter is present. It does not apply template
// expansion — callers pass the result to the template resolver's context.
func (d *Definition) ResolveParameters(user map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(d.Parameters))
	for _, p := range d.Parameters {
		if v, ok := user[p.Name]; ok {
			resolved[p.Name] = v
			continue
		}
		if p.Default != nil {
			resolved[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("playbook: missing required parameter %q", p.Name)
		}
	}
	// Carry through any extra user-supplied values not declared — the
	// resolver should not invent ReferenceErrors for values the caller
	// legitimately passed even if undeclared.
	for k, v := range user {
		if _, ok := resolved[k]; !ok {
			resolved[k] = v
		}
	}
	return resolved, nil
}
