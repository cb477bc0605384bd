package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestAdminCreateRecordsApprover(t *testing.T) {
	approver := "admin-1"
	tx := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "ON CONFLICT (account_id) DO NOTHING") {
				t.Fatalf("re-grants must be a no-op: %s", query)
			}
			if args[0] != "acc-2" {
				t.Fatalf("unexpected account: %v", args[0])
			}
			createdBy, ok := args[1].(*string)
			if !ok || createdBy == nil || *createdBy != "admin-1" {
				t.Fatalf("grant must carry the approver: %#v", args[1])
			}
			return stubResult{rows: 1}, nil
		},
	}
	store := NewAdminStore(stubDB{})
	if err := store.CreateAdmin(context.Background(), tx, "acc-2", &approver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdminIsAdmin(t *testing.T) {
	store := NewAdminStore(stubDB{
		getFn: func(_ context.Context, dest any, query string, args ...any) error {
			if !strings.Contains(query, "FROM admins") {
				t.Fatalf("unexpected query: %s", query)
			}
			*dest.(*bool) = args[0] == "admin-1"
			return nil
		},
	})
	isAdmin, err := store.IsAdmin(context.Background(), "admin-1")
	if err != nil || !isAdmin {
		t.Fatalf("expected admin, got %v err=%v", isAdmin, err)
	}
	isAdmin, err = store.IsAdmin(context.Background(), "acc-2")
	if err != nil || isAdmin {
		t.Fatalf("expected non-admin, got %v err=%v", isAdmin, err)
	}
}
