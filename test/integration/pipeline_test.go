// Package integration provides end-to-end integration tests for Starforge:
// raw change events in, versioned star-schema streams and enriched fact
// rows out.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/dictionary"
	"github.com/starforge/starforge/internal/enrich"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/pipeline"
	"github.com/starforge/starforge/internal/record"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/sink"
	"github.com/starforge/starforge/pkg/types"
)

const enrichedStream = "order_items_enriched"

// harness wires the full processing chain against an in-memory store
// and a real dead-letter sink, mirroring the production assembly.
type harness struct {
	store    *sink.Memory
	dead     *deadletter.Sink
	stats    *observability.PipelineStats
	registry *schema.Registry
	caches   map[string]*dictionary.Cache
	view     *enrich.View
	pipe     *pipeline.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := sink.NewMemory()
	dead, err := deadletter.NewSink(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("failed to create dead-letter sink: %v", err)
	}
	t.Cleanup(func() { dead.Close() })

	registry := schema.StarSchema()
	stats := observability.NewPipelineStats()
	notifier := router.NewNotifier(64)

	writer := record.NewWriter(store, stats)
	if err := writer.Prepare(ctx, registry); err != nil {
		t.Fatalf("failed to prepare streams: %v", err)
	}
	r := router.New(registry, writer, dead, notifier, stats)

	opts := dictionary.Options{MinLifetime: time.Millisecond, MaxLifetime: time.Hour}
	orders := dictionary.NewCache("orders",
		dictionary.NewStreamSource(store, "orders", "id", "customer_id", "status", "order_date"), opts)
	customers := dictionary.NewCache("customers",
		dictionary.NewStreamSource(store, "customers", "id", "country", "city"), opts)
	products := dictionary.NewCache("products",
		dictionary.NewStreamSource(store, "products", "id", "name", "category"), opts)

	fact, ok := registry.Lookup("order_items")
	if !ok {
		t.Fatal("order_items entity is not registered")
	}
	joins := []enrich.Join{
		{
			ForeignKey: "order_id",
			Cache:      orders,
			Attributes: []enrich.Attribute{
				{Out: "customer_id", Attr: "customer_id", Type: schema.FieldUint},
				{Out: "order_status", Attr: "status", Type: schema.FieldString},
				{Out: "order_date", Attr: "order_date", Type: schema.FieldTime},
			},
		},
		{
			ForeignKey: "customer_id",
			Cache:      customers,
			Attributes: []enrich.Attribute{
				{Out: "customer_country", Attr: "country", Type: schema.FieldString},
				{Out: "customer_city", Attr: "city", Type: schema.FieldString},
			},
		},
		{
			ForeignKey: "product_id",
			Cache:      products,
			Attributes: []enrich.Attribute{
				{Out: "product_name", Attr: "name", Type: schema.FieldString},
				{Out: "product_category", Attr: "category", Type: schema.FieldString},
			},
		},
	}
	measures := []enrich.Measure{{
		Out:  "revenue",
		Type: schema.FieldFloat,
		Compute: func(fields map[string]interface{}) interface{} {
			quantity, qok := fields["quantity"].(uint64)
			price, pok := fields["price"].(float64)
			if !qok || !pok {
				return nil
			}
			return float64(quantity) * price
		},
	}}
	view := enrich.NewView(store, fact, enrichedStream, joins, measures, stats, notifier)
	if err := view.Prepare(ctx); err != nil {
		t.Fatalf("failed to prepare enriched stream: %v", err)
	}
	r.SetFactObserver(view)

	pipe := pipeline.New(pipeline.Config{
		Partitions:   2,
		QueueDepth:   64,
		RetryBase:    5 * time.Millisecond,
		RetryMax:     20 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
	}, registry, r, dead, stats)
	pipe.Start()
	t.Cleanup(pipe.Stop)

	return &harness{
		store:    store,
		dead:     dead,
		stats:    stats,
		registry: registry,
		caches:   map[string]*dictionary.Cache{"orders": orders, "customers": customers, "products": products},
		view:     view,
		pipe:     pipe,
	}
}

func (h *harness) submit(t *testing.T, event string) {
	t.Helper()
	if err := h.pipe.Submit(context.Background(), json.RawMessage(event)); err != nil {
		t.Fatalf("failed to submit event: %v", err)
	}
}

// refresh reloads every dictionary from the store and recomputes the
// enriched view, the way a scheduled refresh would.
func (h *harness) refresh(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for name, c := range h.caches {
		if err := c.Refresh(ctx); err != nil {
			t.Fatalf("failed to refresh dictionary %s: %v", name, err)
		}
	}
	h.view.Recompute(ctx)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitForRecords(t *testing.T, stream string, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d records in %s", n, stream), func() bool {
		return len(h.store.Records(stream)) >= n
	})
}

func customerEvent(lsn string, id int, country, city string) string {
	return fmt.Sprintf(`{
		"metadata": {"table": "customers", "operation": "insert", "lsn": "%s"},
		"payload": {"id": %d, "email": "c%d@example.com", "name": "Customer %d",
			"country": "%s", "city": "%s"}
	}`, lsn, id, id, id, country, city)
}

func TestEndToEndEnrichment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, customerEvent("0/10", 1, "Portugal", "Lisbon"))
	h.submit(t, `{
		"metadata": {"table": "products", "operation": "insert", "lsn": "0/11"},
		"payload": {"id": 7, "name": "Compass", "category": "navigation", "price": 19.5}
	}`)
	h.submit(t, `{
		"metadata": {"table": "orders", "operation": "insert", "lsn": "0/12"},
		"payload": {"id": 100, "customer_id": 1, "status": "shipped",
			"order_date": "2024-03-05T00:00:00Z", "total": 39.0}
	}`)
	h.waitForRecords(t, "customers", 1)
	h.waitForRecords(t, "products", 1)
	h.waitForRecords(t, "orders", 1)

	h.refresh(t)

	h.submit(t, `{
		"metadata": {"table": "order_items", "operation": "insert", "lsn": "0/13"},
		"payload": {"id": 5001, "order_id": 100, "product_id": 7, "quantity": 2, "price": 19.5}
	}`)
	h.waitForRecords(t, enrichedStream, 1)

	row, found, err := h.store.CurrentRow(ctx, enrichedStream, 5001)
	if err != nil {
		t.Fatalf("failed to read enriched row: %v", err)
	}
	if !found {
		t.Fatal("enriched row not found")
	}
	if got := row["order_status"]; got != "shipped" {
		t.Errorf("order_status = %v, want shipped", got)
	}
	if got := row["order_date"]; got != "2024-03-05T00:00:00Z" {
		t.Errorf("order_date = %v, want 2024-03-05T00:00:00Z", got)
	}
	if got := row["revenue"]; got != 39.0 {
		t.Errorf("revenue = %v, want 39.0", got)
	}
	if got := row["customer_country"]; got != "Portugal" {
		t.Errorf("customer_country = %v, want Portugal", got)
	}
	if got := row["customer_city"]; got != "Lisbon" {
		t.Errorf("customer_city = %v, want Lisbon", got)
	}
	if got := row["product_name"]; got != "Compass" {
		t.Errorf("product_name = %v, want Compass", got)
	}
	if got := row["product_category"]; got != "navigation" {
		t.Errorf("product_category = %v, want navigation", got)
	}
	if got := row[types.FieldVersion]; got != uint64(0x13) {
		t.Errorf("version = %v, want %d", got, 0x13)
	}
	if h.view.PendingCount() != 0 {
		t.Errorf("pending joins = %d, want 0", h.view.PendingCount())
	}
}

func TestOutOfOrderReplayKeepsLatestVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, customerEvent("0/1", 1, "USA", "Boston"))
	h.waitForRecords(t, "customers", 1)
	h.submit(t, `{
		"metadata": {"table": "customers", "operation": "update", "lsn": "0/2"},
		"payload": {"id": 1, "email": "c1@example.com", "name": "Customer 1",
			"country": "Canada", "city": "Toronto"}
	}`)
	h.waitForRecords(t, "customers", 2)

	// The connector replays the original insert after the update.
	h.submit(t, customerEvent("0/1", 1, "USA", "Boston"))
	h.waitForRecords(t, "customers", 3)

	row, found, err := h.store.CurrentRow(ctx, "customers", 1)
	if err != nil {
		t.Fatalf("failed to read customer: %v", err)
	}
	if !found {
		t.Fatal("customer row not found")
	}
	if got := row["country"]; got != "Canada" {
		t.Errorf("country = %v, want Canada (replayed stale insert must lose)", got)
	}
	if got := row[types.FieldVersion]; got != uint64(2) {
		t.Errorf("version = %v, want 2", got)
	}
	if got := len(h.store.Records("customers")); got != 3 {
		t.Errorf("appended records = %d, want 3 (every event is retained)", got)
	}
}

func TestTombstoneExcludesRowFromCurrentState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.submit(t, customerEvent("0/1", 1, "USA", "Boston"))
	h.waitForRecords(t, "customers", 1)
	h.submit(t, `{
		"metadata": {"table": "customers", "operation": "delete", "lsn": "0/2"},
		"payload": {"id": 1}
	}`)
	h.waitForRecords(t, "customers", 2)

	_, found, err := h.store.CurrentRow(ctx, "customers", 1)
	if err != nil {
		t.Fatalf("failed to read customer: %v", err)
	}
	if found {
		t.Fatal("deleted customer still visible in current state")
	}

	// A stale pre-delete update must not resurrect the row.
	h.submit(t, customerEvent("0/1", 1, "USA", "Boston"))
	h.waitForRecords(t, "customers", 3)
	_, found, err = h.store.CurrentRow(ctx, "customers", 1)
	if err != nil {
		t.Fatalf("failed to read customer: %v", err)
	}
	if found {
		t.Fatal("stale replay resurrected a tombstoned row")
	}
}

func TestLateDimensionsTriggerReemission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Fact arrives before any of its dimensions.
	h.submit(t, `{
		"metadata": {"table": "order_items", "operation": "insert", "lsn": "0/20"},
		"payload": {"id": 5001, "order_id": 100, "product_id": 7, "quantity": 2, "price": 19.5}
	}`)
	h.waitForRecords(t, enrichedStream, 1)

	row, found, err := h.store.CurrentRow(ctx, enrichedStream, 5001)
	if err != nil || !found {
		t.Fatalf("enriched row missing after fact write: found=%v err=%v", found, err)
	}
	if row["order_status"] != nil || row["product_name"] != nil {
		t.Fatalf("lookup misses must surface as nulls, got status=%v name=%v",
			row["order_status"], row["product_name"])
	}
	if h.view.PendingCount() != 1 {
		t.Fatalf("pending joins = %d, want 1", h.view.PendingCount())
	}

	h.submit(t, customerEvent("0/21", 1, "Portugal", "Lisbon"))
	h.submit(t, `{
		"metadata": {"table": "products", "operation": "insert", "lsn": "0/22"},
		"payload": {"id": 7, "name": "Compass", "category": "navigation", "price": 19.5}
	}`)
	h.submit(t, `{
		"metadata": {"table": "orders", "operation": "insert", "lsn": "0/23"},
		"payload": {"id": 100, "customer_id": 1, "status": "shipped", "total": 39.0}
	}`)
	h.waitForRecords(t, "customers", 1)
	h.waitForRecords(t, "products", 1)
	h.waitForRecords(t, "orders", 1)

	h.refresh(t)

	row, found, err = h.store.CurrentRow(ctx, enrichedStream, 5001)
	if err != nil || !found {
		t.Fatalf("enriched row missing after recompute: found=%v err=%v", found, err)
	}
	if got := row["order_status"]; got != "shipped" {
		t.Errorf("order_status = %v, want shipped", got)
	}
	if got := row["customer_country"]; got != "Portugal" {
		t.Errorf("customer_country = %v, want Portugal", got)
	}
	if got := row["product_name"]; got != "Compass" {
		t.Errorf("product_name = %v, want Compass", got)
	}
	// Re-emission replays the fact at its original position.
	if got := row[types.FieldVersion]; got != uint64(0x20) {
		t.Errorf("version = %v, want %d", got, 0x20)
	}
	if h.view.PendingCount() != 0 {
		t.Errorf("pending joins = %d, want 0 after recompute", h.view.PendingCount())
	}
	if got := h.stats.Snapshot().Reemissions; got != 1 {
		t.Errorf("reemissions = %d, want 1", got)
	}
}

func TestDeadLetterCapture(t *testing.T) {
	h := newHarness(t)

	unknown := `{"metadata": {"table": "invoices", "operation": "insert", "lsn": "0/1"}, "payload": {"id": 1}}`
	malformed := `{"payload": {"id": 1}}`
	rejected := `{"metadata": {"table": "customers", "operation": "insert", "lsn": "0/2"}, "payload": {"id": "not-a-number"}}`

	h.submit(t, unknown)
	h.submit(t, malformed)
	h.submit(t, rejected)

	waitFor(t, "3 dead-lettered events", func() bool { return h.dead.Count() == 3 })

	records, err := deadletter.Tail(h.dead.Dir(), 10)
	if err != nil {
		t.Fatalf("failed to read dead letters: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("dead letters = %d, want 3", len(records))
	}

	byReason := make(map[deadletter.Reason]deadletter.Record)
	for _, rec := range records {
		byReason[rec.Reason] = rec
	}
	for reason, want := range map[deadletter.Reason]string{
		deadletter.ReasonUnknownEntityKind: unknown,
		deadletter.ReasonMalformedEnvelope: malformed,
		deadletter.ReasonHandlerRejected:   rejected,
	} {
		rec, ok := byReason[reason]
		if !ok {
			t.Errorf("no dead letter with reason %s", reason)
			continue
		}
		if string(rec.Event) != want {
			t.Errorf("reason %s: original payload not preserved byte for byte", reason)
		}
	}

	// Nothing malformed reaches the star streams.
	if got := len(h.store.Records("customers")); got != 0 {
		t.Errorf("customers records = %d, want 0", got)
	}
	snap := h.stats.Snapshot()
	if snap.DeadLettered.Total != 3 {
		t.Errorf("dead-letter total = %d, want 3", snap.DeadLettered.Total)
	}
}

func TestPerKeyOrderingUnderLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Interleave updates to two customers; each key's versions arrive in
	// order, so the final state must reflect the last update per key.
	for i := 1; i <= 50; i++ {
		h.submit(t, fmt.Sprintf(`{
			"metadata": {"table": "customers", "operation": "update", "lsn": "0/%x"},
			"payload": {"id": %d, "email": "c@example.com", "name": "n",
				"country": "Batch%d", "city": "c"}
		}`, i, i%2+1, i))
	}
	h.waitForRecords(t, "customers", 50)

	for pk, wantBatch := range map[uint64]int{1: 50, 2: 49} {
		row, found, err := h.store.CurrentRow(ctx, "customers", pk)
		if err != nil || !found {
			t.Fatalf("customer %d missing: found=%v err=%v", pk, found, err)
		}
		if got := row["country"]; got != fmt.Sprintf("Batch%d", wantBatch) {
			t.Errorf("customer %d country = %v, want Batch%d", pk, got, wantBatch)
		}
	}
}
