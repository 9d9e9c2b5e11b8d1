// Package app provides the unified application lifecycle management for Starforge.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	httpapi "github.com/starforge/starforge/internal/api/http"
	"github.com/starforge/starforge/internal/config"
	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/dictionary"
	"github.com/starforge/starforge/internal/enrich"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/pipeline"
	"github.com/starforge/starforge/internal/record"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/internal/server"
	"github.com/starforge/starforge/internal/sink"
	"github.com/starforge/starforge/internal/storage"
)

// EnrichedStream is the output stream for denormalized order item facts.
const EnrichedStream = "order_items_enriched"

// App manages the Starforge service lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	store    sink.Store
	dead     *deadletter.Sink
	registry *schema.Registry
	stats    *observability.PipelineStats
	notifier *router.Notifier
	shutdown *server.ShutdownManager

	// Processing components
	caches   []*dictionary.Cache
	manager  *dictionary.Manager
	view     *enrich.View
	pipe     *pipeline.Pipeline
	httpServ *http.Server

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start initializes shared resources and starts the service.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.initProcessing(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize processing: %w", err)
	}

	if err := a.startHTTPServer(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	log.Printf("Starforge started")
	return nil
}

// initSharedResources initializes the store, the dead-letter sink, and the
// shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Sink.Type {
	case "sqlite":
		a.store, err = sink.NewSQLite(a.cfg.Sink.Path)
	case "memory":
		a.store = sink.NewMemory()
	default:
		return fmt.Errorf("unsupported sink type: %s", a.cfg.Sink.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize sink: %w", err)
	}
	log.Printf("Sink initialized: type=%s", a.cfg.Sink.Type)

	var deadOpts []deadletter.Option
	if a.cfg.DeadLetter.Archive {
		archive, err := a.initArchiveStorage(ctx)
		if err != nil {
			return err
		}
		deadOpts = append(deadOpts, deadletter.WithArchiver(archive, a.cfg.DeadLetter.ArchivePrefix))
		log.Printf("Dead-letter archival enabled: type=%s prefix=%s",
			a.cfg.Storage.Type, a.cfg.DeadLetter.ArchivePrefix)
	}
	a.dead, err = deadletter.NewSink(a.cfg.DeadLetter.Dir, a.cfg.DeadLetter.MaxSegmentSize, deadOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize dead-letter sink: %w", err)
	}
	log.Printf("Dead-letter sink initialized: %s", a.cfg.DeadLetter.Dir)

	a.registry = schema.StarSchema()
	a.stats = observability.NewPipelineStats()
	a.notifier = router.NewNotifier(256)
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	return nil
}

// initArchiveStorage builds the object storage backend for segment archival.
func (a *App) initArchiveStorage(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		return storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
}

// initProcessing wires the writer, router, dictionaries, enrichment view,
// and pipeline.
func (a *App) initProcessing(ctx context.Context) error {
	writer := record.NewWriter(a.store, a.stats)
	if err := writer.Prepare(ctx, a.registry); err != nil {
		return fmt.Errorf("failed to prepare streams: %w", err)
	}

	r := router.New(a.registry, writer, a.dead, a.notifier, a.stats)

	dictOpts := dictionary.Options{
		MinLifetime:    a.cfg.Dictionary.MinLifetime,
		MaxLifetime:    a.cfg.Dictionary.MaxLifetime,
		RefreshTimeout: a.cfg.Dictionary.RefreshTimeout,
	}
	orders := dictionary.NewCache("orders",
		dictionary.NewStreamSource(a.store, "orders", "id", "customer_id", "status", "order_date"), dictOpts)
	customers := dictionary.NewCache("customers",
		dictionary.NewStreamSource(a.store, "customers", "id", "country", "city"), dictOpts)
	products := dictionary.NewCache("products",
		dictionary.NewStreamSource(a.store, "products", "id", "name", "category"), dictOpts)
	a.caches = []*dictionary.Cache{orders, customers, products}

	a.manager = dictionary.NewManager(a.cfg.Dictionary.MaxConcurrentRefresh)
	for _, c := range a.caches {
		a.manager.Register(c)
	}

	fact, ok := a.registry.Lookup("order_items")
	if !ok {
		return fmt.Errorf("order_items entity is not registered")
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
	a.view = enrich.NewView(a.store, fact, EnrichedStream, joins, measures, a.stats, a.notifier)
	if err := a.view.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare enriched stream: %w", err)
	}
	r.SetFactObserver(a.view)

	a.manager.SetOnRefresh(func(ctx context.Context, name string) {
		a.view.Recompute(ctx)
	})
	if err := a.manager.WarmUp(ctx); err != nil {
		log.Printf("app: dictionary warm-up failed, serving misses until refresh: %v", err)
	}
	a.manager.Start(a.notifier)
	log.Printf("Dictionaries initialized: %d caches, max %d concurrent refreshes",
		len(a.caches), a.cfg.Dictionary.MaxConcurrentRefresh)

	pipeCfg := pipeline.Config{
		Partitions:   a.cfg.Pipeline.Partitions,
		QueueDepth:   a.cfg.Pipeline.QueueDepth,
		RetryBase:    a.cfg.Pipeline.RetryBase,
		RetryMax:     a.cfg.Pipeline.RetryMax,
		DrainTimeout: a.cfg.Pipeline.DrainTimeout,
	}
	a.pipe = pipeline.New(pipeCfg, a.registry, r, a.dead, a.stats)
	a.pipe.Start()

	// Closers run LIFO: pipeline drains before the dictionaries stop, and
	// both before the store and dead-letter sink close. The HTTP server
	// registers itself on top of this stack when it starts.
	a.shutdown.RegisterCloser(a.store)
	a.shutdown.RegisterCloser(a.dead)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.manager.Stop()
		return nil
	}))
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.pipe.Stop()
		return nil
	}))

	return nil
}

// startHTTPServer starts the intake and stats API.
func (a *App) startHTTPServer() error {
	mux := http.NewServeMux()
	middleware := httpapi.ChainMiddleware(
		server.ShutdownMiddleware(a.shutdown),
		httpapi.RecoveryMiddleware,
		httpapi.RequestIDMiddleware,
		httpapi.ContentTypeMiddleware,
	)
	mux.Handle("/v1/events", middleware(httpapi.NewEventsHandler(a.pipe)))
	mux.Handle("/v1/stats", middleware(httpapi.NewStatsHandler(a.stats, a.dead, a.caches, a.view)))
	mux.Handle("/v1/deadletter", middleware(httpapi.NewDeadLetterHandler(a.cfg.DeadLetter.Dir)))
	mux.Handle("/healthz", &httpapi.HealthHandler{})

	a.httpServ = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	graceful := server.NewGracefulHTTPServer(a.httpServ, a.shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := graceful.ListenAndServe(); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the service and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	// The shutdown manager drains in-flight requests, then runs the
	// registered closers in reverse order: HTTP server, pipeline,
	// dictionary manager, dead-letter sink, store.
	err := a.shutdown.Shutdown(ctx, "service stopping")
	if err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	if a.cancel != nil {
		a.cancel()
	}

	log.Printf("Starforge stopped")
	return err
}

// cleanup releases shared resources after a failed start. After a
// successful start the shutdown manager owns resource cleanup.
func (a *App) cleanup() {
	if a.dead != nil {
		if err := a.dead.Close(); err != nil {
			log.Printf("Dead-letter sink close error: %v", err)
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("Sink close error: %v", err)
		}
	}
}

// WaitForShutdown blocks until a shutdown signal is received, then stops
// the service.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	return a.Stop(ctx)
}
