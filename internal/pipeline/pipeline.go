// Package pipeline accepts raw change events and drives them through
// normalization, routing, and the outbound store on partitioned workers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/envelope"
	"github.com/starforge/starforge/internal/observability"
	"github.com/starforge/starforge/internal/router"
	"github.com/starforge/starforge/internal/schema"
	"github.com/starforge/starforge/pkg/types"
)

const (
	defaultPartitions = 4
	defaultQueueDepth = 256
	defaultRetryBase  = 50 * time.Millisecond
	defaultRetryMax   = 5 * time.Second
	defaultDrain      = 10 * time.Second
)

// ErrClosed is returned by Submit after the pipeline has been stopped.
var ErrClosed = errors.New("pipeline is closed")

// Config sizes the worker pool and its retry behavior.
type Config struct {
	// Partitions is the number of sequential workers. Events for the same
	// (entity kind, primary key) always land on the same worker, which
	// preserves per-key apply order.
	Partitions int
	// QueueDepth is the buffer of each worker's queue.
	QueueDepth int
	// RetryBase and RetryMax bound the exponential backoff applied to
	// failed store appends.
	RetryBase time.Duration
	RetryMax  time.Duration
	// DrainTimeout bounds how long Stop waits for queued events to apply
	// before aborting in-flight retries.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default pipeline sizing.
func DefaultConfig() Config {
	return Config{
		Partitions:   defaultPartitions,
		QueueDepth:   defaultQueueDepth,
		RetryBase:    defaultRetryBase,
		RetryMax:     defaultRetryMax,
		DrainTimeout: defaultDrain,
	}
}

func (c Config) withDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrain
	}
	return c
}

type job struct {
	raw json.RawMessage
	env types.Envelope
}

// Pipeline fans normalized events out to partitioned workers. Unparseable
// events go straight to the dead-letter sink; everything else is delivered
// at least once, with store failures retried until the pipeline stops.
type Pipeline struct {
	cfg      Config
	registry *schema.Registry
	router   *router.Router
	dead     router.DeadLetters
	stats    *observability.PipelineStats

	queues  []chan job
	closing chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	producers sync.WaitGroup
}

// New creates a pipeline over the given router.
func New(cfg Config, registry *schema.Registry, r *router.Router, dead router.DeadLetters, stats *observability.PipelineStats) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		router:   r,
		dead:     dead,
		stats:    stats,
		queues:   make([]chan job, cfg.Partitions),
		closing:  make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan job, cfg.QueueDepth)
	}
	return p
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.work(ctx, i, q)
	}
	log.Printf("pipeline: started %d partitions, queue depth %d", p.cfg.Partitions, p.cfg.QueueDepth)
}

// Stop closes the intake, drains the queues, and waits for the workers.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	// Release submitters blocked on a full queue, then wait for every
	// in-flight Submit to leave before the queues close.
	close(p.closing)
	p.producers.Wait()

	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		log.Printf("pipeline: drain timed out after %v, aborting retries", p.cfg.DrainTimeout)
		p.cancel()
		<-done
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// Submit normalizes one raw event and enqueues it on its partition.
// Malformed events are dead-lettered and reported as accepted; the error
// return covers intake problems only.
func (p *Pipeline) Submit(ctx context.Context, raw json.RawMessage) error {
	// The lock only covers the closed check and producer registration; the
	// enqueue below must not hold it, or a full queue would block Stop.
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.producers.Add(1)
	p.mu.RUnlock()
	defer p.producers.Done()

	p.stats.RecordProcessed()
	env, err := envelope.Normalize(raw)
	if err != nil {
		log.Printf("pipeline: malformed event dead-lettered: %v", err)
		p.stats.RecordMalformedEnvelope()
		_, derr := p.dead.Append(deadletter.ReasonMalformedEnvelope, err.Error(), raw)
		return derr
	}

	q := p.queues[p.partition(env)]
	select {
	case q <- job{raw: raw, env: env}:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// partition picks the worker for an envelope. Events sharing an entity kind
// and primary key hash to the same partition.
func (p *Pipeline) partition(env types.Envelope) int {
	key := env.EntityKind
	if ent, ok := p.registry.Lookup(env.EntityKind); ok {
		if pk, ok := env.Row[ent.Key]; ok {
			key = fmt.Sprintf("%s/%v", env.EntityKind, pk)
		}
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(len(p.queues)))
}

func (p *Pipeline) work(ctx context.Context, id int, q <-chan job) {
	defer p.wg.Done()
	for j := range q {
		p.apply(ctx, id, j)
	}
}

// apply routes one event, retrying with exponential backoff for as long as
// the pipeline is running. Events are never dropped on store failures.
func (p *Pipeline) apply(ctx context.Context, id int, j job) {
	backoff := p.cfg.RetryBase
	for {
		err := p.router.Route(ctx, j.env, j.raw)
		if err == nil {
			return
		}
		log.Printf("pipeline: worker %d retrying %s event in %v: %v", id, j.env.EntityKind, backoff, err)
		p.stats.RecordSinkRetry()
		select {
		case <-ctx.Done():
			log.Printf("pipeline: worker %d dropping %s event on shutdown: %v", id, j.env.EntityKind, err)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.RetryMax {
			backoff = p.cfg.RetryMax
		}
	}
}
