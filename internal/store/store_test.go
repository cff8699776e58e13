package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/toolbridge/internal/broker"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestWriteInsertsEvent(t *testing.T) {
	s, mock := newMockStore(t)
	occurred := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO task_audit").
		WithArgs("ev-1", "task.succeeded", "task-1", "jira_search", "succeeded", "agent-1", nil, occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Write(context.Background(), broker.TaskEvent{
		EventID:    "ev-1",
		EventType:  "task.succeeded",
		TaskID:     "task-1",
		ToolName:   "jira_search",
		State:      broker.TaskSucceeded,
		AgentID:    "agent-1",
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWriteNullsEmptyFields(t *testing.T) {
	s, mock := newMockStore(t)
	occurred := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO task_audit").
		WithArgs("ev-2", "task.timed_out", "task-2", "jira_search", "timed_out", nil, nil, occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Write(context.Background(), broker.TaskEvent{
		EventID:    "ev-2",
		EventType:  "task.timed_out",
		TaskID:     "task-2",
		ToolName:   "jira_search",
		State:      broker.TaskTimedOut,
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWriteDuplicateIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	occurred := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// ON CONFLICT DO NOTHING reports zero rows affected; Write must not
	// surface that as an error.
	mock.ExpectExec("INSERT INTO task_audit").
		WithArgs("ev-1", "task.succeeded", "task-1", "jira_search", "succeeded", "agent-1", nil, occurred).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Write(context.Background(), broker.TaskEvent{
		EventID:    "ev-1",
		EventType:  "task.succeeded",
		TaskID:     "task-1",
		ToolName:   "jira_search",
		State:      broker.TaskSucceeded,
		AgentID:    "agent-1",
		OccurredAt: occurred,
	})
	if err != nil {
		t.Fatalf("Write duplicate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountByState(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"state", "count"}).
		AddRow("succeeded", 7).
		AddRow("timed_out", 2)
	mock.ExpectQuery("SELECT state, COUNT\\(\\*\\) FROM task_audit").WillReturnRows(rows)

	counts, err := s.CountByState(context.Background())
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts["succeeded"] != 7 || counts["timed_out"] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
