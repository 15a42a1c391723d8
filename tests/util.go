// Package testutil holds the fixtures shared by the package tests.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
	"github.com/trezcool/shule/storage/localdb"
)

func CreateUser(
	t *testing.T,
	repo user.Repository,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()

	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("createUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	return usr
}

// OpenLocalStore opens a local store in a temporary directory, closed at the end of the test.
func OpenLocalStore(t *testing.T) *localdb.Store {
	t.Helper()

	store, err := localdb.New(localdb.Config{Path: filepath.Join(t.TempDir(), "local.db")})
	if err != nil {
		t.Fatalf("localdb.New() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("failed to close local store: %v", err)
		}
	})
	return store
}

// NewValidator returns a validator with the global and user validators registered.
func NewValidator() *validator.Validate {
	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)
	return validate
}

func session(id, name, role string) core.Session {
	return core.Session{UserID: id, UserName: name, Roles: []string{role}}
}

func AdminSession() core.Session { return session("admin-1", "Head Teacher", user.RoleAdminPrincipal) }
func TeacherSession() core.Session { return session("teacher-1", "Mwalimu Juma", user.RoleTeacher) }
func AccountantSession() core.Session { return session("accountant-1", "Bursar Neema", user.RoleAccountant) }
func StudentSession() core.Session { return session("student-1", "Amani", user.RoleStudent) }

// Logger records the messages logged during a test.
type Logger struct {
	mu       sync.Mutex
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) record(level, msg string) {
	l.mu.Lock()
	l.Messages = append(l.Messages, level+": "+msg)
	l.mu.Unlock()
}

// Logged returns a copy of the messages, prefixed with their level.
func (l *Logger) Logged() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.Messages...)
}

func (l *Logger) Debug(msg string, _ ...interface{}) { l.record("debug", msg) }
func (l *Logger) Info(msg string, _ ...interface{}) { l.record("info", msg) }
func (l *Logger) Warn(msg string, _ ...interface{}) { l.record("warn", msg) }
func (l *Logger) Error(msg string, _ ...interface{}) { l.record("error", msg) }
func (l *Logger) Fatal(msg string, _ ...interface{}) { l.record("fatal", msg) }
