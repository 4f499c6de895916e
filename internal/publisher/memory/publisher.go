// Package memory keeps job announcements inside the process when no Pub/Sub
// topic is configured. The operator API reads them back for inspection.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// LocalTopic is used for announcements when pubsub.topic_name is empty.
	LocalTopic = "geoscrape-local"
	// DefaultCapacity bounds the number of retained announcements.
	DefaultCapacity = 256
)

// Announcement is one published job notification.
type Announcement struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Feed is a bounded, newest-last log of announcements. It satisfies
// jobqueue.Notifier.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	items    []Announcement
	log      *zap.Logger
	now      func() time.Time
}

// New returns a Feed holding at most capacity announcements. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		capacity: capacity,
		log:      logger.Named("announcements"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish records the payload and evicts the oldest entry once the feed is full.
func (f *Feed) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	f.mu.Lock()
	f.seq++
	a := Announcement{ID: fmt.Sprintf("local-%d", f.seq), Topic: topic, Payload: payload, At: f.now()}
	if len(f.items) == f.capacity {
		f.items = append(f.items[:0], f.items[1:]...)
	}
	f.items = append(f.items, a)
	f.mu.Unlock()

	f.log.Debug("job announced", zap.String("id", a.ID), zap.String("topic", topic), zap.Any("payload", payload))
	return a.ID, nil
}

// Recent returns up to n announcements on topic, newest first. An empty topic
// matches every topic and a non-positive n returns all of them.
func (f *Feed) Recent(topic string, n int) []Announcement {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Announcement, 0, len(f.items))
	for i := len(f.items) - 1; i >= 0; i-- {
		if topic != "" && f.items[i].Topic != topic {
			continue
		}
		out = append(out, f.items[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Len reports how many announcements are retained.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}
