package notify

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"github.com/google/uuid"
)

// Level is the severity of a notification
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

const defaultLimit = 100

// Notification is a single toast
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Feed keeps the most recent notifications for front-ends to poll
type Feed struct {
	mu    sync.RWMutex
	items []Notification
	limit int
}

// NewFeed creates a Feed holding at most limit notifications
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Feed{limit: limit}
}

func (f *Feed) Success(message string) { f.push(LevelSuccess, message) }
func (f *Feed) Error(message string)   { f.push(LevelError, message) }
func (f *Feed) Info(message string)    { f.push(LevelInfo, message) }
func (f *Feed) Warning(message string) { f.push(LevelWarning, message) }

func (f *Feed) push(level Level, message string) {
	n := Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}

	switch level {
	case LevelError:
		log.Errorf("Notification: %s", message)
	case LevelWarning:
		log.Warnf("Notification: %s", message)
	default:
		log.Infof("Notification: %s", message)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append(f.items[:0:0], f.items[over:]...)
	}
}

// List returns the notifications oldest first
func (f *Feed) List() []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	items := make([]Notification, len(f.items))
	copy(items, f.items)
	return items
}

// Since returns the notifications newer than the one with the given id.
// An unknown id returns the whole feed.
func (f *Feed) Since(id string) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].ID == id {
			items := make([]Notification, len(f.items)-i-1)
			copy(items, f.items[i+1:])
			return items
		}
	}
	items := make([]Notification, len(f.items))
	copy(items, f.items)
	return items
}
