package accesskeys

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "keys", "access.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGrantAuthorizeRevoke(t *testing.T) {
	store := openTestStore(t)
	store.clock = func() time.Time { return time.Unix(1_700_000_000, 0) }

	if err := store.Grant("ed25519:abc", MethodClaim, 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	authorized, err := store.Authorized("ed25519:abc", MethodClaim)
	if err != nil || !authorized {
		t.Fatalf("expected credential to be authorized, got %v err=%v", authorized, err)
	}
	authorized, err = store.Authorized("ed25519:abc", "add_drop")
	if err != nil || authorized {
		t.Fatalf("expected other method to be refused, got %v err=%v", authorized, err)
	}

	grant, found, err := store.Lookup("ed25519:abc")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if grant.GrantedAtSeconds != 1_700_000_000 || grant.Method != MethodClaim {
		t.Fatalf("unexpected grant %+v", grant)
	}

	existed, err := store.Revoke("ed25519:abc")
	if err != nil || !existed {
		t.Fatalf("revoke: existed=%v err=%v", existed, err)
	}
	existed, err = store.Revoke("ed25519:abc")
	if err != nil || existed {
		t.Fatalf("second revoke: existed=%v err=%v", existed, err)
	}
	authorized, err = store.Authorized("ed25519:abc", MethodClaim)
	if err != nil || authorized {
		t.Fatalf("expected revoked credential to be unauthorized")
	}
}

func TestGrantsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Grant("ed25519:one", MethodClaim, 5); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	grant, found, err := reopened.Lookup("ed25519:one")
	if err != nil || !found || grant.Allowance != 5 {
		t.Fatalf("expected persisted grant, got %+v found=%v err=%v", grant, found, err)
	}
	count, err := reopened.Count()
	if err != nil || count != 1 {
		t.Fatalf("expected one grant, got %d err=%v", count, err)
	}
}

func TestRejectsEmptyInput(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	store := openTestStore(t)
	if err := store.Grant("", MethodClaim, 0); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if _, err := store.Revoke(""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}
