package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/SanmishaTech/bbng-mo-sub001/internal/vault"
)

func TestGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectQuery("select value from session_vault").
		WithArgs(vault.KeyAuthToken).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("the-token"))

	v, err := store.Get(context.Background(), vault.KeyAuthToken)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "the-token" {
		t.Fatalf("value=%q", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetMissingKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectQuery("select value from session_vault").
		WithArgs(vault.KeyRefreshToken).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	if _, err := store.Get(context.Background(), vault.KeyRefreshToken); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("got err=%v, want ErrNotFound", err)
	}
}

func TestSetUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectExec("insert into session_vault").
		WithArgs(vault.KeyUserData, `{"id":42}`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(context.Background(), vault.KeyUserData, `{"id":42}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewWithDB(db)

	mock.ExpectExec("delete from session_vault").
		WithArgs(vault.KeyAuthToken).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Zero rows affected is still success: absent keys delete cleanly.
	if err := store.Delete(context.Background(), vault.KeyAuthToken); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
