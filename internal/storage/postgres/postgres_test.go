package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	store := New(db)
	t.Cleanup(func() { _ = store.Close() })
	return store, mock
}

func TestGetUsage(t *testing.T) {
	store, mock := newMockStore(t)
	updatedAt := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_usage")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"total_conversation_seconds", "remaining", "updated_at"}).
			AddRow(int64(30), int64(1170), updatedAt))

	doc, err := store.Usage().GetUsage(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if doc.UserID != "user-1" || doc.TotalConversationSeconds != 30 || doc.Remaining != 1170 {
		t.Errorf("unexpected document %+v", doc)
	}
	if !doc.UpdatedAt.Equal(updatedAt) {
		t.Errorf("updated_at = %v, want %v", doc.UpdatedAt, updatedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetUsage_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_usage")).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Usage().GetUsage(context.Background(), "user-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUsage_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_usage")).
		WithArgs("user-1").
		WillReturnError(boom)

	_, err := store.Usage().GetUsage(context.Background(), "user-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestPutUsage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_usage")).
		WithArgs("user-1", int64(40), int64(1160)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Usage().PutUsage(context.Background(), "user-1", storage.UsageDocument{
		TotalConversationSeconds: 40,
		Remaining:                1160,
	})
	if err != nil {
		t.Fatalf("put usage: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyUsage(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("GREATEST(user_usage.remaining - $2::bigint, 0)")).
		WithArgs("user-1", int64(10), int64(1200)).
		WillReturnRows(sqlmock.NewRows([]string{"total_conversation_seconds", "remaining", "updated_at"}).
			AddRow(int64(10), int64(1190), now))

	doc, err := store.Usage().ApplyUsage(context.Background(), "user-1", 10, 1200)
	if err != nil {
		t.Fatalf("apply usage: %v", err)
	}
	if doc.TotalConversationSeconds != 10 || doc.Remaining != 1190 {
		t.Errorf("unexpected document %+v", doc)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGrant(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SET remaining = user_usage.remaining + $2::bigint")).
		WithArgs("user-1", int64(600), int64(1200)).
		WillReturnRows(sqlmock.NewRows([]string{"total_conversation_seconds", "remaining", "updated_at"}).
			AddRow(int64(1200), int64(600), now))

	doc, err := store.Usage().Grant(context.Background(), "user-1", 600, 1200)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if doc.Remaining != 600 {
		t.Errorf("remaining = %d, want 600", doc.Remaining)
	}
}

func TestListUsers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id FROM user_usage")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-a").AddRow("user-b"))

	users, err := store.Usage().ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 || users[0] != "user-a" || users[1] != "user-b" {
		t.Errorf("unexpected users %v", users)
	}
}

func TestMigrate_Validation(t *testing.T) {
	tests := []struct {
		name      string
		dsn       string
		direction string
	}{
		{"empty dsn", "", "up"},
		{"invalid direction", "postgres://localhost/talktime", "sideways"},
		{"empty direction", "postgres://localhost/talktime", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Migrate(tt.dsn, tt.direction); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	if len(entries) == 0 || len(entries)%2 != 0 {
		t.Fatalf("expected paired up/down migrations, got %d files", len(entries))
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open(configWithDSN("")); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func configWithDSN(dsn string) config.PostgresConfig {
	return config.PostgresConfig{DSN: dsn}
}
