// Package fakewatch is a sessionwatch.Watcher whose current session
// id a test can change mid-run, used to drive the session-switch
// scenario without systemd-logind or D-Bus.
package fakewatch

import "fbproducer/internal/sessionwatch"

// Watcher reports whatever ID is currently set. Tests mutate ID
// directly; reads and writes of ID are not synchronized.
type Watcher struct {
	ID sessionwatch.SessionID
}

// New returns a Watcher reporting id.
func New(id sessionwatch.SessionID) *Watcher {
	return &Watcher{ID: id}
}

func (w *Watcher) CurrentSessionID() (sessionwatch.SessionID, error) {
	return w.ID, nil
}
