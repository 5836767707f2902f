package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/parleyhq/parley/pkg/models"
)

func TestPostgresTransitionApprovalConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectExec("UPDATE messages SET approval_status").
		WithArgs(string(models.ApprovalApproved), "m1", string(models.ApprovalPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.TransitionApproval(context.Background(), "m1", models.ApprovalPending, models.ApprovalApproved); err != nil {
		t.Fatalf("winning transition: %v", err)
	}

	// Zero affected rows means the other client already transitioned it.
	mock.ExpectExec("UPDATE messages SET approval_status").
		WithArgs(string(models.ApprovalApproved), "m1", string(models.ApprovalPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.TransitionApproval(context.Background(), "m1", models.ApprovalPending, models.ApprovalApproved)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("losing transition = %v, want ErrConflict", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSetSettingUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectExec("INSERT INTO settings").
		WithArgs("default_model", "openai:gpt-4o", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SetSetting(context.Background(), "default_model", "openai:gpt-4o"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresSearchMessagesTrigramFallback(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	cols := []string{"id", "session_id", "role", "content", "images", "tool_calls",
		"tool_results", "approval_status", "request_payload", "response_payload",
		"token_count", "raw_token_count", "snapshot_id", "verbatim_count", "created_at"}

	// FTS finds nothing; the trigram query supplies the hit.
	mock.ExpectQuery("websearch_to_tsquery").
		WithArgs("helo", 10).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("similarity").
		WithArgs("helo", 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"m1", "s1", "user", "hello world", nil, nil, nil, "",
			nil, nil, 3, 0, "", 0, time.Now()))

	msgs, err := store.SearchMessages(context.Background(), "helo", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v, want single m1", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := NewPostgresStoreWithDB(db)

	mock.ExpectQuery("SELECT id, title, auto_approve").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession = %v, want ErrNotFound", err)
	}
}
