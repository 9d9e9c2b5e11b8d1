// Package router dispatches normalized change events to their entity streams
// and provides an in-process write notification bus for cache refresh nudges.
package router

import (
	"sync"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	DimensionWritten NotificationType = iota
	FactWritten
	EnrichedEmitted
)

// Notification represents a write notification.
type Notification struct {
	Type       NotificationType
	EntityKind string
	Key        uint64
	Version    uint64
	Tombstone  bool
	Timestamp  int64
}

// Notifier provides an in-process pub/sub notification bus for write visibility.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, notif.EntityKind) {
			select {
			case sub.Ch <- notif:
			default:
				// Channel full - drop notification, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber to the notifier with a custom ID.
func (n *Notifier) Subscribe(id string, kinds []string) *Subscriber {
	ch := make(chan Notification, n.bufferSize)
	sub := &Subscriber{
		ID:    id,
		Kinds: kinds,
		Ch:    ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber to the notifier with an auto-generated ID.
func (n *Notifier) SubscribeAutoID(kinds ...string) chan Notification {
	id := "sub_" + uuid.NewString()
	ch := make(chan Notification, n.bufferSize)
	sub := &Subscriber{
		ID:    id,
		Kinds: kinds,
		Ch:    ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return ch
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks if the notification matches the subscriber's kinds.
func (n *Notifier) matchesFilter(sub *Subscriber, entityKind string) bool {
	if len(sub.Kinds) == 0 {
		return true // No filters - receive all notifications
	}
	for _, kind := range sub.Kinds {
		if len(kind) == 0 || kind == entityKind {
			return true
		}
	}
	return false
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID    string
	Kinds []string
	Ch    chan Notification
}
