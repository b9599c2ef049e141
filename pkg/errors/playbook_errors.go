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

package errors

import "fmt"

// Kind identifies a class of execution-time failure a step or run can
// surface. It is distinct from the Go error types in types.go: handlers
// and the executor classify failures by Kind so the engine can apply
// on_failure policy without type-switching on concrete error structs.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindReference          Kind = "reference"
	KindTimeout            Kind = "timeout"
	KindHandler            Kind = "handler"
	KindCancellation       Kind = "cancellation"
	KindVerification       Kind = "verification"
	KindNestingDepth       Kind = "nesting_depth"
	KindCircularDependency Kind = "circular_dependency"
	KindInternal           Kind = "internal"
)

// RunError is the typed error every handler, resolver, and sub-engine
// failure is normalized to before it reaches a StepResult. Its Kind drives
// retry/on_failure policy in the Step Executor.
type RunError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *RunError) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, &RunError{Kind: KindX}) to match on Kind alone.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Reference(name string) *RunError {
	return &RunError{Kind: KindReference, Message: fmt.Sprintf("undefined reference: %s", name)}
}

func Handler(message string, cause error) *RunError {
	return &RunError{Kind: KindHandler, Message: message, Cause: cause}
}

func Timeout(message string) *RunError {
	return &RunError{Kind: KindTimeout, Message: message}
}

func Cancellation() *RunError {
	return &RunError{Kind: KindCancellation, Message: "cancelled"}
}

func Verification(message string) *RunError {
	return &RunError{Kind: KindVerification, Message: message}
}

func NestingDepth(depth, max int) *RunError {
	return &RunError{Kind: KindNestingDepth, Message: fmt.Sprintf("nesting depth %d exceeds maximum %d", depth, max)}
}

func CircularDependency(path string) *RunError {
	return &RunError{Kind: KindCircularDependency, Message: fmt.Sprintf("circular playbook reference: %s", path)}
}

func Internal(message string, cause error) *RunError {
	return &RunError{Kind: KindInternal, Message: message, Cause: cause}
}

func Validation(message string) *RunError {
	return &RunError{Kind: KindValidation, Message: message}
}

// IsKind reports whether err is a *RunError of the given kind.
func IsKind(err error, kind Kind) bool {
	re, ok := err.(*RunError)
	if !ok {
		return false
	}
	return re.Kind == kind
}
