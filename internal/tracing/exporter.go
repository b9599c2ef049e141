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

package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fieldkit-run/fieldkit/internal/tracing/export"
	"github.com/fieldkit-run/fieldkit/internal/tracing/redact"
	"github.com/fieldkit-run/fieldkit/internal/tracing/storage"
	"github.com/fieldkit-run/fieldkit/pkg/observability"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// StorageExporter is the sdktrace.SpanExporter NewOTelProviderWithConfig
// wraps in a BatchSpanProcessor when cfg.Storage.Path is set, so a run's
// spans are kept locally in their own sqlite file
// (internal/tracing/storage.SQLiteStore), independent of whatever
// cfg.Exporters ships spans to remotely. redactor, if non-nil, scrubs
// attribute values during the sdktrace.ReadOnlySpan -> observability.Span
// conversion — the point where this package can still mutate attributes,
// unlike RedactorSpanProcessor.OnEnd (see redact.RedactorSpanProcessor).
type StorageExporter struct {
	store    *storage.SQLiteStore
	redactor *redact.Redactor
}

func NewStorageExporter(store *storage.SQLiteStore, redactor *redact.Redactor) *StorageExporter {
	return &StorageExporter{store: store, redactor: redactor}
}

// ExportSpans stores each span, skipping (not failing) one that can't be
// converted or written so a single bad span doesn't sink the whole batch.
func (e *StorageExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, otelSpan := range spans {
		span := convertOTelSpan(otelSpan, e.redactor)
		if err := e.store.StoreSpan(ctx, span); err != nil {
			continue
		}
	}

	return nil
}

// Shutdown is a no-op: StorageExporter has no internal buffer of its own,
// BatchSpanProcessor already owns that.
func (e *StorageExporter) Shutdown(ctx context.Context) error {
	return nil
}

// convertOTelSpan converts an OpenTelemetry span to pkg/observability.Span,
// the shape both the sqlite store and playbookctl's "trace" command read
// back. When redactor is non-nil its
// RedactAttributes runs over the span's attributes before they're copied
// into the result, so a gateway step's resolved credential never reaches
// disk.
func convertOTelSpan(otelSpan sdktrace.ReadOnlySpan, redactor *redact.Redactor) *observability.Span {
	span := &observability.Span{
		TraceID:   otelSpan.SpanContext().TraceID().String(),
		SpanID:    otelSpan.SpanContext().SpanID().String(),
		Name:      otelSpan.Name(),
		StartTime: otelSpan.StartTime(),
		EndTime:   otelSpan.EndTime(),
	}

	// Set parent ID
	if otelSpan.Parent().IsValid() {
		span.ParentID = otelSpan.Parent().SpanID().String()
	}

	// Convert span kind
	switch otelSpan.SpanKind() {
	case trace.SpanKindInternal:
		span.Kind = observability.SpanKindInternal
	case trace.SpanKindClient:
		span.Kind = observability.SpanKindClient
	case trace.SpanKindServer:
		span.Kind = observability.SpanKindServer
	case trace.SpanKindProducer:
		span.Kind = observability.SpanKindProducer
	case trace.SpanKindConsumer:
		span.Kind = observability.SpanKindConsumer
	default:
		span.Kind = observability.SpanKindInternal
	}

	// Convert status
	status := otelSpan.Status()
	switch status.Code {
	case 1: // Error
		span.Status.Code = observability.StatusCodeError
		span.Status.Message = status.Description
	case 2: // OK
		span.Status.Code = observability.StatusCodeOK
	default: // Unset
		span.Status.Code = observability.StatusCodeUnset
	}

	attrs := otelSpan.Attributes()
	if redactor != nil {
		attrs = redactor.RedactAttributes(attrs)
	}
	span.Attributes = make(map[string]any, len(attrs))
	for _, attr := range attrs {
		span.Attributes[string(attr.Key)] = attr.Value.AsInterface()
	}

	span.Events = make([]observability.Event, 0, len(otelSpan.Events()))
	for _, otelEvent := range otelSpan.Events() {
		event := observability.Event{
			Name:       otelEvent.Name,
			Timestamp:  otelEvent.Time,
			Attributes: make(map[string]any),
		}

		eventAttrs := otelEvent.Attributes
		if redactor != nil {
			eventAttrs = redactor.RedactAttributes(eventAttrs)
		}
		for _, attr := range eventAttrs {
			event.Attributes[string(attr.Key)] = attr.Value.AsInterface()
		}

		span.Events = append(span.Events, event)
	}

	return span
}

var _ sdktrace.SpanExporter = (*StorageExporter)(nil)

// CreateExporter builds the sdktrace.SpanExporter for one cfg.Exporters
// entry: console for local debugging, otlp/otlp_http for a real collector.
func CreateExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "console":
		return export.NewConsoleExporter(export.ConsoleConfig{
			Writer:      nil, // Use default stdout
			PrettyPrint: true,
		})

	case "otlp":
		tlsConfig, err := export.BuildTLSConfig(export.TLSConfigInput{
			Enabled:           cfg.TLS.Enabled,
			VerifyCertificate: cfg.TLS.VerifyCertificate,
			CACertPath:        cfg.TLS.CACertPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config for OTLP exporter: %w", err)
		}

		return export.NewOTLPExporter(ctx, export.OTLPConfig{
			Endpoint:  cfg.Endpoint,
			Insecure:  !cfg.TLS.Enabled,
			TLSConfig: tlsConfig,
			Headers:   cfg.Headers,
		})

	case "otlp_http", "otlp-http":
		tlsConfig, err := export.BuildTLSConfig(export.TLSConfigInput{
			Enabled:           cfg.TLS.Enabled,
			VerifyCertificate: cfg.TLS.VerifyCertificate,
			CACertPath:        cfg.TLS.CACertPath,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config for OTLP HTTP exporter: %w", err)
		}

		return export.NewOTLPHTTPExporter(ctx, export.OTLPHTTPConfig{
			Endpoint:  cfg.Endpoint,
			URLPath:   "", // Use default /v1/traces
			Insecure:  !cfg.TLS.Enabled,
			TLSConfig: tlsConfig,
			Headers:   cfg.Headers,
		})

	case "none", "":
		// No exporter - tracing disabled
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Type)
	}
}

// CreateExportersFromConfig builds a batch span processor for every
// cfg.Exporters entry NewOTelProviderWithConfig should register. A single
// misconfigured exporter is logged and skipped rather than failing daemon
// startup outright — partial export beats no telemetry at all.
func CreateExportersFromConfig(ctx context.Context, cfg Config) ([]sdktrace.SpanProcessor, error) {
	var processors []sdktrace.SpanProcessor

	for i, exporterCfg := range cfg.Exporters {
		exporter, err := CreateExporter(ctx, exporterCfg)
		if err != nil {
			// Log warning but continue - partial export is better than no export
			slog.Warn("failed to create exporter, skipping",
				"index", i,
				"type", exporterCfg.Type,
				"endpoint", exporterCfg.Endpoint,
				"error", err)
			continue
		}

		if exporter == nil {
			// Type was "none" - skip
			continue
		}

		// Wrap in batch processor with configured batch size and interval
		batchOpts := []sdktrace.BatchSpanProcessorOption{}

		// Set batch size from config (default is 512 if not configured)
		if cfg.BatchSize > 0 {
			batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
		}

		// Set batch interval from config (default is 5s if not configured)
		if cfg.BatchInterval > 0 {
			batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchInterval))
		}

		processor := sdktrace.NewBatchSpanProcessor(exporter, batchOpts...)
		processors = append(processors, processor)

		slog.Info("created exporter",
			"type", exporterCfg.Type,
			"endpoint", exporterCfg.Endpoint)
	}

	return processors, nil
}
