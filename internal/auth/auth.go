// Package auth checks credentials against the users table, keeps the
// signed-in user in the session and issues bearer tokens for API clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/pew-pew-pew/pew/internal/database"
	"github.com/pew-pew-pew/pew/internal/logging"
	"github.com/pew-pew-pew/pew/internal/session"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("auth: invalid username or password")

// SessionKey is the session entry holding the signed-in user.
const SessionKey = "auth_user"

const passwordCost = bcrypt.DefaultCost

// dummyHash is compared against when the user does not exist so both paths
// cost one bcrypt run at the same cost.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("pew-pew-pew"), passwordCost)
	if err != nil {
		panic(fmt.Sprintf("auth: dummy hash: %v", err))
	}
	return hash
})

// Config names the table and columns holding credentials.
type Config struct {
	Table         string
	UsernameField string
	PasswordField string
	IDField       string
}

func (c *Config) defaults() {
	if c.Table == "" {
		c.Table = "users"
	}
	if c.UsernameField == "" {
		c.UsernameField = "username"
	}
	if c.PasswordField == "" {
		c.PasswordField = "password"
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
}

// Auth performs session based authentication.
type Auth struct {
	db     *database.Database
	cfg    Config
	logger *logging.Logger
}

// New creates an authenticator over db.
func New(db *database.Database, cfg Config, logger *logging.Logger) *Auth {
	cfg.defaults()
	if logger == nil {
		logger = logging.Discard()
	}
	return &Auth{db: db, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (a *Auth) Config() Config { return a.cfg }

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate looks the user up and verifies the password. The returned row
// never contains the password column.
func (a *Auth) Authenticate(ctx context.Context, username, password string) (database.Row, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	row, err := a.db.Select(a.cfg.Table).
		Where(database.Conditions{a.cfg.UsernameField: username}).
		One(ctx)
	if errors.Is(err, database.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		a.logger.LogSecurityEvent(ctx, "login_unknown_user", map[string]interface{}{"username": username})
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	hash, _ := row[a.cfg.PasswordField].(string)
	if !CheckPassword(hash, password) {
		a.logger.LogSecurityEvent(ctx, "login_bad_password", map[string]interface{}{"username": username})
		return nil, ErrInvalidCredentials
	}
	delete(row, a.cfg.PasswordField)
	return row, nil
}

// Login stores user in s under a fresh session id.
func (a *Auth) Login(s *session.Session, user database.Row) {
	clean := make(map[string]any, len(user))
	for k, v := range user {
		if k != a.cfg.PasswordField {
			clean[k] = v
		}
	}
	s.Regenerate()
	s.Set(SessionKey, clean)
}

// Attempt authenticates and logs the user in on success.
func (a *Auth) Attempt(ctx context.Context, s *session.Session, username, password string) (database.Row, error) {
	user, err := a.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	a.Login(s, user)
	a.logger.WithContext(ctx).WithField("username", username).Info("User logged in")
	return user, nil
}

// Logout forgets the signed-in user and rotates the session id.
func (a *Auth) Logout(s *session.Session) {
	s.Delete(SessionKey)
	s.Regenerate()
}

// User returns the signed-in user, or nil.
func (a *Auth) User(s *session.Session) map[string]any {
	return UserFrom(s)
}

// LoggedIn reports whether s carries a signed-in user.
func (a *Auth) LoggedIn(s *session.Session) bool {
	return UserFrom(s) != nil
}

// UserID returns the signed-in user's id as text, or "".
func (a *Auth) UserID(s *session.Session) string {
	user := UserFrom(s)
	if user == nil || user[a.cfg.IDField] == nil {
		return ""
	}
	return fmt.Sprint(user[a.cfg.IDField])
}

// UserFrom reads the signed-in user from s. A nil session has no user.
func UserFrom(s *session.Session) map[string]any {
	if s == nil {
		return nil
	}
	user, _ := s.Get(SessionKey).(map[string]any)
	return user
}
