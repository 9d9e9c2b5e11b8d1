// Package benchmark provides performance benchmarks for Starforge.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/envelope"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/pipeline"
	"github.com/starforge/starforge/internal/record"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/sink"
)

// BenchmarkEnvelopeNormalize measures raw event parsing throughput.
func BenchmarkEnvelopeNormalize(b *testing.B) {
	raw := json.RawMessage(`{
		"metadata": {"table": "customers", "operation": "update", "lsn": "A4/7F23B190"},
		"payload": {"id": 4211, "email": "c@example.com", "name": "Customer",
			"country": "Portugal", "city": "Lisbon"}
	}`)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := envelope.Normalize(raw); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPipelineSubmit measures end-to-end dimension ingestion against
// the in-memory sink: normalize, partition, decode, versioned append.
func BenchmarkPipelineSubmit(b *testing.B) {
	ctx := context.Background()

	store := sink.NewMemory()
	dead, err := deadletter.NewSink(b.TempDir(), 64<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer dead.Close()

	registry := schema.StarSchema()
	stats := observability.NewPipelineStats()
	notifier := router.NewNotifier(256)

	writer := record.NewWriter(store, stats)
	if err := writer.Prepare(ctx, registry); err != nil {
		b.Fatal(err)
	}
	r := router.New(registry, writer, dead, notifier, stats)

	pipe := pipeline.New(pipeline.Config{
		Partitions: 4,
		QueueDepth: 1024,
	}, registry, r, dead, stats)
	pipe.Start()

	events := make([]json.RawMessage, 1000)
	for i := range events {
		events[i] = json.RawMessage(fmt.Sprintf(`{
			"metadata": {"table": "customers", "operation": "update", "lsn": "0/%x"},
			"payload": {"id": %d, "email": "c@example.com", "name": "Customer",
				"country": "Portugal", "city": "Lisbon"}
		}`, i+1, i%100))
	}

	b.ResetTimer()
	b.ReportAllocs()

	total := 0
	for i := 0; i < b.N; i++ {
		if err := pipe.Submit(ctx, events[i%len(events)]); err != nil {
			b.Fatal(err)
		}
		total++
	}
	b.StopTimer()
	pipe.Stop()

	b.ReportMetric(float64(total)/b.Elapsed().Seconds(), "events/sec")
}

// BenchmarkDeadLetterAppend measures capture throughput of the framed,
// compressed dead-letter segment log.
func BenchmarkDeadLetterAppend(b *testing.B) {
	dead, err := deadletter.NewSink(b.TempDir(), 64<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer dead.Close()

	event := json.RawMessage(`{"metadata": {"table": "invoices", "operation": "insert", "lsn": "0/1"}, "payload": {"id": 1}}`)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := dead.Append(deadletter.ReasonUnknownEntityKind, "no handler registered", event); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCurrentState measures read-time version reconciliation over a
// stream with heavy per-key churn.
func BenchmarkCurrentState(b *testing.B) {
	ctx := context.Background()
	store := sink.NewMemory()
	registry := schema.StarSchema()
	stats := observability.NewPipelineStats()

	writer := record.NewWriter(store, stats)
	if err := writer.Prepare(ctx, registry); err != nil {
		b.Fatal(err)
	}

	ent, _ := registry.Lookup("customers")
	for i := 0; i < 10000; i++ {
		raw := json.RawMessage(fmt.Sprintf(`{
			"metadata": {"table": "customers", "operation": "update", "lsn": "0/%x"},
			"payload": {"id": %d, "email": "c@example.com", "name": "Customer",
				"country": "Portugal", "city": "Lisbon"}
		}`, i+1, i%500))
		env, err := envelope.Normalize(raw)
		if err != nil {
			b.Fatal(err)
		}
		fields, err := ent.Decode(env.Operation, env.Row)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := writer.Write(ctx, ent, env, fields); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rows, err := store.Current(ctx, "customers")
		if err != nil {
			b.Fatal(err)
		}
		if len(rows) != 500 {
			b.Fatalf("current rows = %d, want 500", len(rows))
		}
	}
}
