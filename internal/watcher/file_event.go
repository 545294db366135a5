package watcher

import (
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileEvent represents a file system event in the watched directory
type FileEvent struct {
	Path      string
	EventType string // created, modified, deleted, renamed
	Timestamp time.Time
}

// EventType constants
const (
	EventCreated  = "created"
	EventModified = "modified"
	EventDeleted  = "deleted"
	EventRenamed  = "renamed"
	EventOther    = "other"
)

// eventFromNotify converts an fsnotify event. Create wins over Write when
// both bits are set.
func eventFromNotify(ev fsnotify.Event) FileEvent {
	eventType := EventOther
	switch {
	case ev.Has(fsnotify.Create):
		eventType = EventCreated
	case ev.Has(fsnotify.Write):
		eventType = EventModified
	case ev.Has(fsnotify.Remove):
		eventType = EventDeleted
	case ev.Has(fsnotify.Rename):
		eventType = EventRenamed
	}

	return FileEvent{
		Path:      ev.Name,
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// triggersUpload reports whether the event can announce new frame content
func (e FileEvent) triggersUpload() bool {
	return e.EventType == EventCreated || e.EventType == EventModified
}
