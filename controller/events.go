package controller

import (
	"fmt"
	"time"
)

// EventType identifies a cascade notification.
type EventType string

const (
	// EventStarted is published when a cascade begins.
	EventStarted EventType = "started"
	// EventRetrying is published before a failed attempt is retried.
	EventRetrying EventType = "retrying"
	// EventClassLabel is published when the class label changes.
	EventClassLabel EventType = "class_label"
	// EventSubLabel is published when the cascade reaches a terminal label.
	EventSubLabel EventType = "sub_label"
	// EventFailed is published when a stage exhausts its attempts.
	EventFailed EventType = "failed"
)

// Event is a notification about the cascade of Generation.
type Event struct {
	Type       EventType `json:"type"`
	Generation uint64    `json:"generation"`
	Model      string    `json:"model"`
	Attempt    int       `json:"attempt,omitempty"`
	Label      string    `json:"label,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

// Listener receives events. It is called synchronously on the cascade goroutine
// and must not block; it must not call Run or Override.
type Listener func(Event)

// RunningMessage is the message of EventStarted.
const RunningMessage = "Running detection ..."

// RetryMessage returns the notification for a retry after the given failed attempt.
// Attempts 1 to 3 are named "1st try", "2nd try" and "3rd try".
func RetryMessage(failedAttempt int) string {
	var try string
	switch failedAttempt {
	case 1:
		try = "1st try"
	case 2:
		try = "2nd try"
	case 3:
		try = "3rd try"
	default:
		try = fmt.Sprintf("try #%d", failedAttempt)
	}
	return "Retry running detection ... " + try
}

// Subscribe registers a listener.
//
// Returns:
//   - func(): Removes the listener.
func (c *Controller) Subscribe(l Listener) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// publish delivers ev to every listener if its generation is still current.
func (c *Controller) publish(ev Event) {
	if !c.current(ev.Generation) {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	c.listenersMu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}
