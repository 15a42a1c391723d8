package promotion

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/student"
	testutil "github.com/trezcool/shule/tests"
)

func newTestService(t *testing.T) (Service, offline.Store) {
	t.Helper()

	store := testutil.OpenLocalStore(t)
	return NewService(store, testutil.NewValidator(), nil), store
}

func twoStudents() NewRequest {
	return NewRequest{
		ClassID:      "4A",
		AcademicYear: "2024",
		Decisions: []Decision{
			{StudentID: "s1", StudentName: "Amani", Decision: DecisionPromote, TargetClassID: "Grade 4B"},
			{StudentID: "s2", StudentName: "Baraka", Decision: DecisionRepeat, Comment: "needs support in reading"},
		},
	}
}

func TestService_CreateRequest(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	req, err := svc.CreateRequest(ctx, testutil.TeacherSession(), twoStudents())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Len(t, req.Decisions, 2)
	assert.Equal(t, "Grade 4B", req.Decisions[0].TargetClassID)

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "no other record is mutated")
	assert.Equal(t, Table, items[0].TableName)

	stored, err := svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, req.Decisions, stored.Decisions)
}

func TestService_CreateRequestErrors(t *testing.T) {
	dup := twoStudents()
	dup.Decisions[1].StudentID = "s1"

	tests := []struct {
		name string
		sess core.Session
		nr   NewRequest
	}{
		{name: "accountant", sess: testutil.AccountantSession(), nr: twoStudents()},
		{name: "anonymous", sess: core.Session{}, nr: twoStudents()},
		{name: "no decisions", sess: testutil.TeacherSession(), nr: NewRequest{ClassID: "4A", AcademicYear: "2024"}},
		{name: "unknown decision", sess: testutil.TeacherSession(), nr: NewRequest{ClassID: "4A", AcademicYear: "2024", Decisions: []Decision{{StudentID: "s1", Decision: "skip"}}}},
		{name: "duplicate student", sess: testutil.TeacherSession(), nr: dup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)
			if _, err := svc.CreateRequest(context.Background(), tt.sess, tt.nr); err == nil {
				t.Errorf("CreateRequest() error = %v, wantErr %v", err, true)
			}
			items, err := store.PendingItems(context.Background())
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestService_Review(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	admin := testutil.AdminSession()

	// s1 is known locally, s2 is not
	studentSvc := student.NewService(store, testutil.NewValidator(), nil)
	s1, err := studentSvc.Add(ctx, admin, student.NewStudent{FirstName: "Amani", LastName: "Mushi", ClassID: "4A"})
	require.NoError(t, err)

	nr := twoStudents()
	nr.Decisions[0].StudentID = s1.ID
	req, err := svc.CreateRequest(ctx, testutil.TeacherSession(), nr)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, testutil.TeacherSession(), req.ID, "")
	assert.Equal(t, core.ErrForbidden, err)

	approved, err := svc.Approve(ctx, admin, req.ID, " well done ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "well done", approved.ReviewComment)
	require.NotNil(t, approved.ReviewedAt)

	moved, err := studentSvc.Get(ctx, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, "Grade 4B", moved.ClassID)

	// terminal
	_, err = svc.Reject(ctx, admin, req.ID, "")
	assert.Equal(t, ErrInvalidTransition, err)
	_, err = svc.Approve(ctx, admin, req.ID, "")
	assert.Equal(t, ErrInvalidTransition, err)

	_, err = svc.Reject(ctx, admin, "unknown", "")
	assert.Equal(t, ErrNotFound, err)
}

func TestService_Reject(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	req, err := svc.CreateRequest(ctx, testutil.TeacherSession(), twoStudents())
	require.NoError(t, err)
	rejected, err := svc.Reject(ctx, testutil.AdminSession(), req.ID, "incomplete")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, offline.OpUpdate, items[1].Operation)
	assert.Equal(t, StatusRejected, items[1].Payload["status"])

	pending, err := svc.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
	all, err := svc.List(ctx, Filter{ClassID: "4A"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestService_ReviewConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	admin := testutil.AdminSession()

	for round := 0; round < 20; round++ {
		req, err := svc.CreateRequest(ctx, testutil.TeacherSession(), twoStudents())
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			results [2]error
		)
		reviews := [2]func() error{
			func() error { _, err := svc.Approve(ctx, admin, req.ID, ""); return err },
			func() error { _, err := svc.Reject(ctx, admin, req.ID, ""); return err },
		}
		for i := range reviews {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = reviews[i]()
			}(i)
		}
		wg.Wait()

		var won, lost int
		for _, err := range results {
			switch err {
			case nil:
				won++
			case ErrInvalidTransition:
				lost++
			default:
				t.Fatalf("review error = %v", err)
			}
		}
		assert.Equal(t, 1, won, "round %d", round)
		assert.Equal(t, 1, lost, "round %d", round)
	}

	// one create and one review per request
	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	reviewed := make(map[string]int)
	for _, it := range items {
		if it.Operation == offline.OpUpdate {
			reviewed[it.RecordID]++
		}
	}
	assert.Len(t, reviewed, 20)
	for id, n := range reviewed {
		assert.Equal(t, 1, n, "request %s", id)
	}
}
