package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"enforcer/internal/enforcement"
	"enforcer/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewWithDB(db), mock
}

func TestMarkTakedownsOverdueRetriesWhenBusy(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE takedowns SET overdue_at").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("UPDATE takedowns SET overdue_at").WillReturnResult(sqlmock.NewResult(0, 2))

	marked, err := st.MarkTakedownsOverdue(context.Background(), []string{"td-1", "td-2"}, time.Now())
	if err != nil {
		t.Fatalf("MarkTakedownsOverdue failed: %v", err)
	}
	if marked != 2 {
		t.Fatalf("expected 2 marked, got %d", marked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordFailureRollsBackOnWriteError(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE queue_items").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := st.RecordFailure(context.Background(), "item-1", store.FailureUpdate{Attempts: 1, NextRunAt: time.Now()},
		enforcement.AutomationActor("sendqueue"))
	if err == nil {
		t.Fatal("expected write error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimDueSkipsItemsClaimedElsewhere(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM queue_items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("item-1"))
	mock.ExpectExec("UPDATE queue_items SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	items, err := st.ClaimDue(context.Background(), time.Now(), 5, "")
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no claimed items, got %d", len(items))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
