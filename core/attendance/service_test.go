package attendance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	testutil "github.com/trezcool/shule/tests"
)

func newTestService(t *testing.T) (Service, offline.Store) {
	t.Helper()

	store := testutil.OpenLocalStore(t)
	return NewService(store, testutil.NewValidator(), nil), store
}

func TestService_Mark(t *testing.T) {
	valid := MarkAttendance{StudentID: "s1", StudentName: "Amani Mushi", ClassID: "4A", Date: "2024-02-12", Status: "Present"}

	tests := []struct {
		name    string
		sess    core.Session
		ma      MarkAttendance
		wantErr bool
	}{
		{name: "teacher", sess: testutil.TeacherSession(), ma: valid},
		{name: "admin", sess: testutil.AdminSession(), ma: valid},
		{name: "accountant", sess: testutil.AccountantSession(), ma: valid, wantErr: true},
		{name: "anonymous", sess: core.Session{}, ma: valid, wantErr: true},
		{name: "unknown status", sess: testutil.TeacherSession(), ma: MarkAttendance{StudentID: "s1", ClassID: "4A", Date: "2024-02-12", Status: "sick"}, wantErr: true},
		{name: "bad date", sess: testutil.TeacherSession(), ma: MarkAttendance{StudentID: "s1", ClassID: "4A", Date: "12-02-2024", Status: "absent"}, wantErr: true},
		{name: "missing student", sess: testutil.TeacherSession(), ma: MarkAttendance{ClassID: "4A", Date: "2024-02-12", Status: "absent"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)

			rec, err := svc.Mark(context.Background(), tt.sess, tt.ma)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Mark() error = %v, wantErr %v", err, tt.wantErr)
			}
			items, err := store.PendingItems(context.Background())
			require.NoError(t, err)
			if tt.wantErr {
				assert.Empty(t, items)
				return
			}
			assert.Equal(t, "2024-02-12_4A_s1", rec.ID)
			assert.Equal(t, StatusPresent, rec.Status)
			assert.Equal(t, tt.sess.UserID, rec.RecordedBy)
			require.Len(t, items, 1)
			assert.Equal(t, offline.OpCreate, items[0].Operation)
			assert.Equal(t, rec.ID, items[0].RecordID)
		})
	}
}

func TestService_MarkTwiceUpdates(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	teacher := testutil.TeacherSession()

	first, err := svc.Mark(ctx, teacher, MarkAttendance{StudentID: "s1", StudentName: "Amani", ClassID: "4A", Date: "2024-02-12", Status: StatusAbsent})
	require.NoError(t, err)
	second, err := svc.Mark(ctx, teacher, MarkAttendance{StudentID: "s1", ClassID: "4A", Date: "2024-02-12", Status: StatusLate, Remarks: "bus delay"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatusLate, second.Status)
	assert.Equal(t, "Amani", second.StudentName)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, offline.OpUpdate, items[1].Operation)
	assert.Equal(t, StatusLate, items[1].Payload["status"])

	records, err := svc.Query(ctx, Filter{ClassID: "4A"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StatusLate, records[0].Status)
}

func TestService_RecordClass(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	teacher := testutil.TeacherSession()

	records, err := svc.RecordClass(ctx, teacher, ClassAttendance{
		ClassID: "4A",
		Date:    "2024-02-13",
		Entries: []Entry{
			{StudentID: "s1", StudentName: "Amani", Status: StatusPresent},
			{StudentID: "s2", StudentName: "Baraka", Status: StatusAbsent},
			{StudentID: "s3", StudentName: "Chausiku", Status: StatusLate},
			{StudentID: "s4", StudentName: "Dalila", Status: StatusExcused},
		},
	})
	require.NoError(t, err)
	assert.Len(t, records, 4)

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	stats, err := svc.Stats(ctx, Filter{ClassID: "4A", From: "2024-02-01", To: "2024-02-29"})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 4, Present: 1, Absent: 1, Late: 1, Excused: 1, Rate: 50}, stats)

	stats, err = svc.Stats(ctx, Filter{To: "2024-02-12"})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	_, err = svc.RecordClass(ctx, teacher, ClassAttendance{
		ClassID: "4A",
		Date:    "2024-02-14",
		Entries: []Entry{{StudentID: "s1", Status: StatusPresent}, {StudentID: "s1", Status: StatusAbsent}},
	})
	require.Error(t, err)
	ve, ok := err.(*core.ValidationError)
	require.True(t, ok, "want a validation error, got %T", err)
	assert.Equal(t, ErrDuplicateStudent, ve.Err)

	_, err = svc.RecordClass(ctx, teacher, ClassAttendance{ClassID: "4A", Date: "2024-02-14"})
	assert.Error(t, err, "an empty sheet is rejected")

	items, err = store.PendingItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4, "rejected sheets enqueue nothing")
}

func TestComputeStats(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		want    Stats
	}{
		{name: "no records", want: Stats{}},
		{
			name:    "all present",
			records: []Record{{Status: StatusPresent}, {Status: StatusPresent}},
			want:    Stats{Total: 2, Present: 2, Rate: 100},
		},
		{
			name:    "late counts as attended",
			records: []Record{{Status: StatusPresent}, {Status: StatusLate}, {Status: StatusAbsent}},
			want:    Stats{Total: 3, Present: 1, Late: 1, Absent: 1, Rate: 66.67},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeStats(tt.records); got != tt.want {
				t.Errorf("ComputeStats() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
