package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Listeners is an ordered observer registry for snapshots of type T.
type Listeners[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []listener[T]
	logger  zerolog.Logger
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// NewListeners returns an empty registry. Listener panics are logged to logger.
func NewListeners[T any](logger zerolog.Logger) *Listeners[T] {
	return &Listeners[T]{logger: logger}
}

// Subscribe appends fn and returns a func that removes it.
func (l *Listeners[T]) Subscribe(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Notify calls every listener with v in subscription order.
func (l *Listeners[T]) Notify(v T) {
	l.mu.RLock()
	entries := append([]listener[T](nil), l.entries...)
	l.mu.RUnlock()

	for _, e := range entries {
		l.call(e.fn, v)
	}
}

func (l *Listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("panic", fmt.Sprint(r)).Msg("listener panicked")
		}
	}()
	fn(v)
}
