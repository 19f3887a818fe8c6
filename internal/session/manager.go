package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/pew-pew-pew/pew/internal/logging"
)

type contextKey struct{}

// Options configures a Manager.
type Options struct {
	// Prefix namespaces store keys, normally the application name.
	Prefix     string
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager binds sessions to requests.
type Manager struct {
	store  Store
	opts   Options
	logger *logging.Logger
}

// NewManager creates a manager over store.
func NewManager(store Store, opts Options, logger *logging.Logger) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "pew"
	}
	if opts.CookieName == "" {
		opts.CookieName = opts.Prefix + "_session"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{store: store, opts: opts, logger: logger}
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string { return m.opts.CookieName }

func (m *Manager) key(id string) string {
	return m.opts.Prefix + ":" + id
}

// Load returns the session named by the request cookie, or a new one.
func (m *Manager) Load(r *http.Request) *Session {
	c, err := r.Cookie(m.opts.CookieName)
	if err != nil || c.Value == "" {
		return newSession()
	}
	data, err := m.store.Load(r.Context(), m.key(c.Value))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Failed to load session")
		}
		return newSession()
	}
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		m.logger.WithContext(r.Context()).WithError(err).Warn("Discarding corrupt session")
		return newSession()
	}
	return &Session{id: c.Value, values: values}
}

// Save writes s to the store when it changed. Destroyed sessions are deleted.
func (m *Manager) Save(ctx context.Context, s *Session) error {
	return m.save(ctx, s, false)
}

// save writes s when it changed, or when touch is set and s came from the
// store, which slides its expiry forward.
func (m *Manager) save(ctx context.Context, s *Session, touch bool) error {
	snap := s.snapshot()
	if !snap.dirty && !(touch && !snap.isNew) {
		return nil
	}
	if snap.oldID != "" {
		if err := m.store.Delete(ctx, m.key(snap.oldID)); err != nil {
			return err
		}
	}
	if snap.destroyed {
		if err := m.store.Delete(ctx, m.key(snap.id)); err != nil {
			return err
		}
		s.markSaved()
		return nil
	}
	data, err := json.Marshal(snap.values)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, m.key(snap.id), data, m.opts.TTL); err != nil {
		return err
	}
	s.markSaved()
	return nil
}

// GC removes expired sessions from the store.
func (m *Manager) GC(ctx context.Context) (int, error) {
	return m.store.GC(ctx)
}

func (m *Manager) cookie(s *Session) *http.Cookie {
	c := &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(m.opts.TTL / time.Second),
	}
	s.mu.RLock()
	destroyed := s.destroyed
	s.mu.RUnlock()
	if destroyed {
		c.Value = ""
		c.MaxAge = -1
	}
	return c
}

// Middleware attaches the visitor's session to the request context and
// persists it before the response headers go out.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := m.Load(r)
		r = r.WithContext(NewContext(r.Context(), s))

		sw := &sessionWriter{ResponseWriter: w, commit: func() {
			if err := m.save(r.Context(), s, true); err != nil {
				m.logger.WithContext(r.Context()).WithError(err).Error("Failed to save session")
			}
			// Untouched new sessions get no cookie.
			if !s.IsNew() || s.Len() > 0 {
				http.SetCookie(w, m.cookie(s))
			}
		}}
		next.ServeHTTP(sw, r)
		sw.flushCommit()

		// Changes made after the body started still reach the store.
		if err := m.Save(r.Context(), s); err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Error("Failed to save session")
		}
	})
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session attached by Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(contextKey{}).(*Session)
	return s
}

// sessionWriter commits the session right before the first header write.
type sessionWriter struct {
	http.ResponseWriter
	once   sync.Once
	commit func()
}

func (w *sessionWriter) flushCommit() {
	w.once.Do(w.commit)
}

func (w *sessionWriter) WriteHeader(code int) {
	w.flushCommit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *sessionWriter) Write(b []byte) (int, error) {
	w.flushCommit()
	return w.ResponseWriter.Write(b)
}

func (w *sessionWriter) Flush() {
	w.flushCommit()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sessionWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
