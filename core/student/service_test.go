package student

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	testutil "github.com/trezcool/shule/tests"
)

func newTestService(t *testing.T) (*service, offline.Store) {
	t.Helper()

	store := testutil.OpenLocalStore(t)
	return NewService(store, testutil.NewValidator(), nil).(*service), store
}

func TestService_Add(t *testing.T) {
	valid := NewStudent{FirstName: " Amani ", LastName: "Mushi", ClassID: "4A", GuardianEmail: "Parent@Example.com"}

	tests := []struct {
		name    string
		sess    core.Session
		ns      NewStudent
		wantErr error
	}{
		{name: "anonymous", sess: core.Session{}, ns: valid, wantErr: core.ErrUnauthenticated},
		{name: "teacher", sess: testutil.TeacherSession(), ns: valid, wantErr: core.ErrForbidden},
		{name: "admin", sess: testutil.AdminSession(), ns: valid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)

			got, err := svc.Add(context.Background(), tt.sess, tt.ns)
			if err != tt.wantErr {
				t.Fatalf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
			items, err := store.PendingItems(context.Background())
			require.NoError(t, err)
			if tt.wantErr != nil {
				assert.Empty(t, items)
				return
			}

			assert.Equal(t, "Amani", got.FirstName)
			assert.Equal(t, "parent@example.com", got.GuardianEmail)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, tt.sess.UserID, got.CreatedBy)
			require.Len(t, items, 1)
			assert.Equal(t, Table, items[0].TableName)
			assert.Equal(t, offline.OpCreate, items[0].Operation)
			assert.Equal(t, got.ID, items[0].RecordID)
			assert.Equal(t, 0, items[0].Attempts)

			stored, err := svc.Get(context.Background(), got.ID)
			require.NoError(t, err)
			assert.Equal(t, got.FullName(), stored.FullName())
		})
	}
}

func TestService_AddValidation(t *testing.T) {
	tests := []struct {
		name string
		ns   NewStudent
	}{
		{name: "missing first name", ns: NewStudent{LastName: "Mushi", ClassID: "4A"}},
		{name: "blank last name", ns: NewStudent{FirstName: "Amani", LastName: "   ", ClassID: "4A"}},
		{name: "missing class", ns: NewStudent{FirstName: "Amani", LastName: "Mushi"}},
		{name: "bad birth date", ns: NewStudent{FirstName: "Amani", LastName: "Mushi", ClassID: "4A", DateOfBirth: "12/01/2015"}},
		{name: "bad gender", ns: NewStudent{FirstName: "Amani", LastName: "Mushi", ClassID: "4A", Gender: "x"}},
		{name: "bad guardian email", ns: NewStudent{FirstName: "Amani", LastName: "Mushi", ClassID: "4A", GuardianEmail: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t)

			if _, err := svc.Add(context.Background(), testutil.AdminSession(), tt.ns); err == nil {
				t.Errorf("Add() error = %v, wantErr %v", err, true)
			}
			items, err := store.PendingItems(context.Background())
			require.NoError(t, err)
			assert.Empty(t, items, "nothing is enqueued when validation fails")
		})
	}
}

func TestService_ProcessAdmission(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	adm, err := svc.ProcessAdmission(ctx, testutil.AdminSession(), NewAdmission{
		Student:        NewStudent{FirstName: "Baraka", LastName: "Odhiambo", ClassID: "1A"},
		AdmissionDate:  "2024-01-08",
		PreviousSchool: "Sunrise Academy",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(adm.AdmissionNumber, "ADM-2024-"), adm.AdmissionNumber)
	assert.Len(t, adm.AdmissionNumber, len("ADM-2024-")+6)
	assert.Equal(t, AdmissionApproved, adm.Status)
	assert.Equal(t, "Baraka Odhiambo", adm.StudentName)

	s, err := svc.Get(ctx, adm.StudentID)
	require.NoError(t, err)
	assert.Equal(t, adm.AdmissionNumber, s.AdmissionNumber)
	assert.Equal(t, "1A", s.ClassID)

	items, err := store.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Table, items[0].TableName)
	assert.Equal(t, AdmissionTable, items[1].TableName)

	_, err = svc.ProcessAdmission(ctx, testutil.AdminSession(), NewAdmission{
		Student: NewStudent{FirstName: "Baraka", LastName: "Odhiambo", ClassID: "1A"},
	})
	assert.Error(t, err, "admission date is required")
}

func TestService_GetAndList(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	admin := testutil.AdminSession()

	for _, ns := range []NewStudent{
		{FirstName: "Zawadi", LastName: "Kimaro", ClassID: "4A"},
		{FirstName: "Amani", LastName: "Mushi", ClassID: "4A"},
		{FirstName: "Baraka", LastName: "Abdallah", ClassID: "5B"},
	} {
		_, err := svc.Add(ctx, admin, ns)
		require.NoError(t, err)
	}

	_, err := svc.Get(ctx, "unknown")
	assert.Equal(t, ErrNotFound, err)

	tests := []struct {
		name   string
		filter QueryFilter
		want   []string
	}{
		{name: "all sorted by last name", want: []string{"Abdallah", "Kimaro", "Mushi"}},
		{name: "by class", filter: QueryFilter{ClassID: "4A"}, want: []string{"Kimaro", "Mushi"}},
		{name: "search", filter: QueryFilter{Search: "  amani "}, want: []string{"Mushi"}},
		{name: "by status", filter: QueryFilter{Status: StatusGraduated}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			students, err := svc.List(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]string, 0, len(students))
			for _, s := range students {
				got = append(got, s.LastName)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
