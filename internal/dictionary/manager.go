package dictionary

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starforge/starforge/internal/router"
)

// Manager owns the dictionary caches and keeps them fresh. Refreshes run on
// a per-cache schedule bounded by MaxLifetime, with dimension write
// notifications pulling the next refresh forward once MinLifetime has
// passed. Concurrent refreshes are limited by a weighted semaphore so a
// thundering herd of nudges cannot saturate the store.
type Manager struct {
	caches map[string]*Cache
	nudges map[string]chan struct{}
	sem    *semaphore.Weighted

	onRefresh func(ctx context.Context, name string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager allowing at most maxConcurrent refreshes at
// once.
func NewManager(maxConcurrent int64) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		caches: make(map[string]*Cache),
		nudges: make(map[string]chan struct{}),
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

// Register adds a cache to the manager. Must be called before Start.
func (m *Manager) Register(c *Cache) {
	m.caches[c.Name()] = c
	m.nudges[c.Name()] = make(chan struct{}, 1)
}

// Cache returns the registered cache for a dimension.
func (m *Manager) Cache(name string) (*Cache, bool) {
	c, ok := m.caches[name]
	return c, ok
}

// SetOnRefresh registers a callback invoked after each successful refresh.
// The enrichment view uses this to recompute rows held back by misses.
func (m *Manager) SetOnRefresh(fn func(ctx context.Context, name string)) {
	m.onRefresh = fn
}

// WarmUp performs an initial blocking refresh of every cache.
func (m *Manager) WarmUp(ctx context.Context) error {
	for _, c := range m.caches {
		if err := c.Refresh(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the refresh loops and subscribes to dimension write
// notifications.
func (m *Manager) Start(notifier *router.Notifier) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, c := range m.caches {
		m.wg.Add(1)
		go m.run(ctx, c, m.nudges[c.Name()])
	}

	if notifier == nil {
		return
	}
	kinds := make([]string, 0, len(m.caches))
	for name := range m.caches {
		kinds = append(kinds, name)
	}
	ch := notifier.SubscribeAutoID(kinds...)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case notif, ok := <-ch:
				if !ok {
					return
				}
				if nudge, ok := m.nudges[notif.EntityKind]; ok {
					select {
					case nudge <- struct{}{}:
					default:
					}
				}
			}
		}
	}()
}

// Stop terminates the refresh loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, c *Cache, nudge <-chan struct{}) {
	defer m.wg.Done()
	timer := time.NewTimer(c.Options().MaxLifetime)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.refresh(ctx, c)
			timer.Reset(c.Options().MaxLifetime)
		case <-nudge:
			if c.Age() < c.Options().MinLifetime {
				continue
			}
			m.refresh(ctx, c)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.Options().MaxLifetime)
		}
	}
}

func (m *Manager) refresh(ctx context.Context, c *Cache) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.sem.Release(1)

	if err := c.Refresh(ctx); err != nil {
		log.Printf("dictionary: %v, serving stale snapshot", err)
		return
	}
	if m.onRefresh != nil {
		m.onRefresh(ctx, c.Name())
	}
}
