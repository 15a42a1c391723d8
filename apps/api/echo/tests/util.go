// Package tests exercises the HTTP API end to end against in-memory stores.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/shule/apps/api/echo"
	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/audit"
	"github.com/trezcool/shule/core/fee"
	"github.com/trezcool/shule/core/grade"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/promotion"
	"github.com/trezcool/shule/core/report"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/core/syncengine"
	"github.com/trezcool/shule/core/user"
	emailsvc "github.com/trezcool/shule/services/email"
	dummydb "github.com/trezcool/shule/storage/database/dummy"
	"github.com/trezcool/shule/storage/localdb"
	"github.com/trezcool/shule/storage/remote/memremote"
	testutil "github.com/trezcool/shule/tests"
)

type httpErr struct {
	Error string `json:"error"`
}

// eventRecorder is an audit sink keeping the events in memory.
type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Write(_ context.Context, ev audit.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		actions = append(actions, ev.Action)
	}
	return actions
}

type fixture struct {
	conf     *core.Config
	app      *echoapi.Server
	usrRepo  user.Repository
	local    *localdb.Store
	rmt      *memremote.Store
	engine   *syncengine.Engine
	auditLog *audit.Logger
	events   *eventRecorder
}

// setup wires the server on fresh stores. engineOpts defaults to an unlimited retry policy.
func setup(t *testing.T, engineOpts ...syncengine.Options) *fixture {
	t.Helper()

	conf := core.NewConfig()
	conf.Debug = false
	conf.TestMode = true
	logger := new(testutil.Logger)

	validate, translator := core.NewValidator()
	user.InitValidators(validate, translator)

	usrRepo := dummydb.NewUserRepository(dummydb.Open())
	local := testutil.OpenLocalStore(t)
	rmt := memremote.New()
	events := new(eventRecorder)
	auditLog := audit.NewLogger(events, logger, offline.NewID)
	mailSvc := emailsvc.NewConsoleServiceMock(conf, logger)
	var opts syncengine.Options
	if len(engineOpts) > 0 {
		opts = engineOpts[0]
	}
	engine := syncengine.NewEngine(local, rmt, logger, opts)

	app := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           conf,
		Logger:         logger,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
		UserSvc:        user.NewService(usrRepo, mailSvc, validate, conf),
		StudentSvc:     student.NewService(local, validate, auditLog),
		AttendanceSvc:  attendance.NewService(local, validate, auditLog),
		GradeSvc:       grade.NewService(local, validate, auditLog),
		FeeSvc:         fee.NewService(local, validate, mailSvc, auditLog),
		PromotionSvc:   promotion.NewService(local, validate, auditLog),
		ReportSvc:      report.NewService(rmt, validate),
		Engine:         engine,
		LocalStore:     local,
		AuditLog:       auditLog,
	})

	return &fixture{
		conf:     conf,
		app:      app,
		usrRepo:  usrRepo,
		local:    local,
		rmt:      rmt,
		engine:   engine,
		auditLog: auditLog,
		events:   events,
	}
}

func (f *fixture) createUser(t *testing.T, uname, pwd string, isActive bool, roles ...string) user.User {
	t.Helper()
	return testutil.CreateUser(t, f.usrRepo, uname, uname, uname+"@test.cd", pwd, roles, isActive)
}

func (f *fixture) token(t *testing.T, usr user.User) string {
	t.Helper()

	token, err := echoapi.GenerateToken(f.conf, usr)
	require.NoError(t, err)
	return token
}

// do sends body, JSON encoded unless it is nil, and returns the recorded response.
func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.app.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) pendingItems(t *testing.T) []offline.QueueItem {
	t.Helper()

	items, err := f.local.PendingItems(context.Background())
	require.NoError(t, err)
	return items
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func errorBody(msg string) httpErr { return httpErr{Error: msg} }

