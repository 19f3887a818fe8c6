package session

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const flashKey = "_flash"

// Session is the state of one visitor. It is safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	id        string
	oldID     string
	values    map[string]any
	isNew     bool
	dirty     bool
	destroyed bool
}

func newSession() *Session {
	return &Session{id: uuid.NewString(), values: make(map[string]any), isNew: true}
}

// ID returns the session id carried by the cookie.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// IsNew reports whether the session was created by this request.
func (s *Session) IsNew() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isNew
}

// Get returns the value under key, or nil.
func (s *Session) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// GetString returns the value under key as text.
func (s *Session) GetString(key string) string {
	switch v := s.Get(key).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Has reports whether key is set.
func (s *Session) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Set stores value under key. Values must be JSON encodable; numbers come
// back as float64 on the next request.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.dirty = true
	s.mu.Unlock()
}

// Delete removes key.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.values[key]; ok {
		delete(s.values, key)
		s.dirty = true
	}
	s.mu.Unlock()
}

// Clear removes every value.
func (s *Session) Clear() {
	s.mu.Lock()
	s.values = make(map[string]any)
	s.dirty = true
	s.mu.Unlock()
}

// Len reports the number of stored values.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Keys lists the stored keys in sorted order.
func (s *Session) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if k != flashKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Regenerate moves the values to a fresh id. The old id is dropped from the
// store when the session is saved.
func (s *Session) Regenerate() {
	s.mu.Lock()
	if s.oldID == "" && !s.isNew {
		s.oldID = s.id
	}
	s.id = uuid.NewString()
	s.dirty = true
	s.mu.Unlock()
}

// Destroy clears the session and expires its cookie.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.values = make(map[string]any)
	s.destroyed = true
	s.dirty = true
	s.mu.Unlock()
}

// Flash queues a one-shot message of the given kind ("error", "notice", ...).
func (s *Session) Flash(kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flashes := s.flashMap()
	flashes[kind] = append(flashes[kind], message)
	s.values[flashKey] = flashes
	s.dirty = true
}

// Flashes returns and removes the queued messages of kind.
func (s *Session) Flashes(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	flashes := s.flashMap()
	out := flashes[kind]
	if len(out) == 0 {
		return nil
	}
	delete(flashes, kind)
	if len(flashes) == 0 {
		delete(s.values, flashKey)
	} else {
		s.values[flashKey] = flashes
	}
	s.dirty = true
	return out
}

// AllFlashes returns and removes every queued message, by kind.
func (s *Session) AllFlashes() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	flashes := s.flashMap()
	if len(flashes) == 0 {
		return nil
	}
	delete(s.values, flashKey)
	s.dirty = true
	return flashes
}

// flashMap decodes the flash bucket, which arrives as map[string]any after a
// JSON round trip. Callers hold mu.
func (s *Session) flashMap() map[string][]string {
	out := make(map[string][]string)
	switch raw := s.values[flashKey].(type) {
	case map[string][]string:
		for k, v := range raw {
			out[k] = append([]string(nil), v...)
		}
	case map[string]any:
		for k, v := range raw {
			list, _ := v.([]any)
			for _, item := range list {
				if msg, ok := item.(string); ok {
					out[k] = append(out[k], msg)
				}
			}
		}
	}
	return out
}

type snapshot struct {
	id, oldID        string
	values           map[string]any
	isNew            bool
	dirty, destroyed bool
}

func (s *Session) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]any, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return snapshot{id: s.id, oldID: s.oldID, values: values, isNew: s.isNew, dirty: s.dirty, destroyed: s.destroyed}
}

func (s *Session) markSaved() {
	s.mu.Lock()
	s.dirty = false
	s.oldID = ""
	s.mu.Unlock()
}
