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

// Package redact scrubs credential-shaped strings out of span attributes
// before a span leaves the process — the same concern pkg/secrets.Masker
// handles for StepResult/audit output, applied to the trace pipeline
// instead. A gateway.login step's resolved credential.* parameter, for
// instance, can otherwise end up as a plain span attribute.
package redact

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// RedactionMode is config.Redaction.Level (internal/tracing.RedactionConfig).
type RedactionMode string

const (
	// ModeNone disables redaction. Only safe for a local, non-shared
	// trace store.
	ModeNone RedactionMode = "none"

	// ModeStandard applies StandardPatterns() plus any cfg.Redaction.Patterns.
	ModeStandard RedactionMode = "standard"

	// ModeStrict drops every attribute value, keeping only keys.
	ModeStrict RedactionMode = "strict"
)

// Pattern is one named regex/replacement rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns are the built-in rules applied in ModeStandard:
// credential-shaped strings (api keys, bearer tokens, passwords, private
// keys, generic secret/token pairs) plus a few PII shapes that a gateway's
// JSON response body could plausibly echo back (email, SSN, credit card).
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1[REDACTED]",
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"]+)`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED-AWS-KEY]",
		},
		{
			Name:        "private_key",
			Regex:       regexp.MustCompile(`(?s)(-----BEGIN (RSA |EC |DSA )?PRIVATE KEY-----).*?(-----END (RSA |EC |DSA )?PRIVATE KEY-----)`),
			Replacement: "$1[REDACTED]$3",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[REDACTED-EMAIL]",
		},
		{
			Name:        "ssn",
			Regex:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED-SSN]",
		},
		{
			Name:        "credit_card",
			Regex:       regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
			Replacement: "[REDACTED-CC]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=[REDACTED]",
		},
	}
}

// Redactor holds one mode and pattern set; internal/tracing/otel.go builds
// one per OTelProvider from config.RedactionConfig.
type Redactor struct {
	mode     RedactionMode
	patterns []Pattern
}

// NewRedactor builds a Redactor using StandardPatterns().
func NewRedactor(mode RedactionMode) *Redactor {
	return &Redactor{
		mode:     mode,
		patterns: StandardPatterns(),
	}
}

// NewRedactorWithPatterns builds a Redactor from an explicit pattern list
// (cfg.Redaction.Patterns) instead of StandardPatterns() — otel.go's
// buildRedactor passes StandardPatterns() plus cfg.Redaction.Patterns
// when an operator has configured extra ones, so neither set is lost.
func NewRedactorWithPatterns(mode RedactionMode, patterns []Pattern) *Redactor {
	return &Redactor{
		mode:     mode,
		patterns: patterns,
	}
}

// RedactString applies every configured pattern to s, in ModeStandard.
func (r *Redactor) RedactString(s string) string {
	if r.mode == ModeNone {
		return s
	}

	if r.mode == ModeStrict {
		return "[REDACTED]"
	}

	// Apply pattern-based redaction
	result := s
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}

// RedactAttributes returns attrs with any credential-shaped key or value
// replaced. StorageExporter's span conversion runs it over each span's
// attribute list before the span is written to the local trace store.
func (r *Redactor) RedactAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	if r.mode == ModeNone {
		return attrs
	}

	redacted := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		key := string(attr.Key)
		value := attr.Value.AsInterface()

		if r.shouldRedactKey(key) {
			redacted[i] = attribute.String(key, "[REDACTED]")
			continue
		}

		if strVal, ok := value.(string); ok {
			redacted[i] = attribute.String(key, r.RedactString(strVal))
		} else if r.mode == ModeStrict {
			redacted[i] = attribute.String(key, "[REDACTED]")
		} else {
			redacted[i] = attr
		}
	}
	return redacted
}

// shouldRedactKey reports whether an attribute key (e.g.
// "gateway.request.authorization") names credential-shaped data regardless
// of its value's content.
func (r *Redactor) shouldRedactKey(key string) bool {
	lowerKey := strings.ToLower(key)
	sensitiveKeys := []string{
		"password", "passwd", "pwd",
		"secret", "token",
		"api_key", "apikey",
		"private_key", "private",
		"authorization", "auth",
		"cookie", "session",
	}

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// RedactorSpanProcessor sits in front of a real sdktrace.SpanProcessor
// (otel.go's redactingProcessor wraps every configured remote exporter's
// processor with one of these; the local StorageExporter is not wrapped and
// redacts on its own) and forwards every call to it; OnEnd cannot scrub
// attributes, see below.
type RedactorSpanProcessor struct {
	redactor *Redactor
	next     sdktrace.SpanProcessor
}

func NewRedactorSpanProcessor(redactor *Redactor, next sdktrace.SpanProcessor) *RedactorSpanProcessor {
	return &RedactorSpanProcessor{
		redactor: redactor,
		next:     next,
	}
}

func (p *RedactorSpanProcessor) OnStart(ctx context.Context, span sdktrace.ReadWriteSpan) {
	if p.next != nil {
		p.next.OnStart(ctx, span)
	}
}

// OnEnd passes the span through unredacted: sdktrace.ReadOnlySpan has no
// mutation API, so attribute scrubbing can't happen at this layer. The
// local trace sink applies Redactor itself, in its own span-to-wire
// conversion (internal/tracing.StorageExporter, which reads attributes
// through RedactAttributes before anything is written to disk) — a remote
// OTLP/console exporter wrapped in this processor does not currently get
// the same treatment, since the otel SDK's exporter interfaces hand spans
// across in the same immutable ReadOnlySpan form.
func (p *RedactorSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p.next != nil {
		p.next.OnEnd(span)
	}
}

func (p *RedactorSpanProcessor) Shutdown(ctx context.Context) error {
	if p.next != nil {
		return p.next.Shutdown(ctx)
	}
	return nil
}

func (p *RedactorSpanProcessor) ForceFlush(ctx context.Context) error {
	if p.next != nil {
		return p.next.ForceFlush(ctx)
	}
	return nil
}
