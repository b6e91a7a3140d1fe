package mysql

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/velmie/boxrelay"
)

func testBox(t *testing.T, table string) *boxrelay.Box {
	t.Helper()

	box, err := boxrelay.NewBox(boxrelay.BoxConfig{Name: "orders", Table: table})
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	return box
}

func TestNewCleanupMaintainerDefaults(t *testing.T) {
	db := &sql.DB{}
	maintainer, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{
		Boxes: []*boxrelay.Box{testBox(t, "orders")},
	})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.CheckEvery != defaultCleanupEvery {
		t.Fatalf("expected default check interval")
	}
	if maintainer.store.cfg.CleanupLimit != defaultCleanupLimit {
		t.Fatalf("expected default limit")
	}
	if maintainer.cfg.LockName != defaultCleanupLockName {
		t.Fatalf("expected default lock name")
	}
}

func TestNewCleanupMaintainerValidation(t *testing.T) {
	db := &sql.DB{}
	boxes := []*boxrelay.Box{testBox(t, "orders")}

	if _, err := NewCleanupMaintainer(nil, CleanupMaintainerConfig{Boxes: boxes}); err != ErrDBRequired {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{}); err != ErrBoxesRequired {
		t.Fatalf("expected ErrBoxesRequired, got %v", err)
	}
	if _, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{Boxes: boxes, Limit: -1}); err != ErrCleanupLimitInvalid {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}
	bad := []*boxrelay.Box{testBox(t, "orders-1")}
	if _, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{Boxes: bad}); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
}

func TestCleanupValidatesOptions(t *testing.T) {
	store := MustNewStore(&sql.DB{})
	box := testBox(t, "orders")

	if _, err := store.Cleanup(context.Background(), box, CleanupOptions{}); err != ErrCleanupBeforeRequired {
		t.Fatalf("expected ErrCleanupBeforeRequired, got %v", err)
	}
	if _, err := store.Cleanup(context.Background(), box, CleanupOptions{Before: time.Now(), Limit: -1}); err != ErrCleanupLimitInvalid {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}
}
