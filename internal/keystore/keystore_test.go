package keystore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "keys.db")
	s, err := Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open key store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate key store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialRoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	got, err := s.LoadCredential(ctx, "s1")
	if err != nil || got != nil {
		t.Fatalf("LoadCredential on empty store = %v, %v; want nil, nil", got, err)
	}

	if err := s.SaveCredential(ctx, "s1", []byte("v1")); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}
	if err := s.SaveCredential(ctx, "s1", []byte("v2")); err != nil {
		t.Fatalf("SaveCredential overwrite: %v", err)
	}
	got, err = s.LoadCredential(ctx, "s1")
	if err != nil || !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("LoadCredential = %q, %v; want v2", got, err)
	}

	if err := s.SaveCredential(ctx, "s1", nil); err != nil {
		t.Fatalf("SaveCredential(nil): %v", err)
	}
	if got, _ = s.LoadCredential(ctx, "s1"); got != nil {
		t.Fatalf("credential should be gone, got %q", got)
	}
}

func TestGetKeysOmitsMissingIDs(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	err := s.SetKeys(ctx, "s1", map[string]map[string][]byte{
		"pre-key": {"1": []byte("a"), "2": []byte("b")},
		"session": {"1": []byte("other-type")},
	})
	if err != nil {
		t.Fatalf("SetKeys: %v", err)
	}

	got, err := s.GetKeys(ctx, "s1", "pre-key", []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("GetKeys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetKeys returned %d entries, want 2: %v", len(got), got)
	}
	if _, ok := got["3"]; ok {
		t.Error("missing id 3 should be absent")
	}
	if !bytes.Equal(got["1"], []byte("a")) {
		t.Errorf("key 1 = %q, want a", got["1"])
	}

	other, err := s.GetKeys(ctx, "s2", "pre-key", []string{"1"})
	if err != nil || len(other) != 0 {
		t.Fatalf("keys leaked across sessions: %v, %v", other, err)
	}
}

func TestSetKeysNilDeletesAndUpserts(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	if err := s.SetKeys(ctx, "s1", map[string]map[string][]byte{"pre-key": {"1": []byte("a"), "2": []byte("b")}}); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	if err := s.SetKeys(ctx, "s1", map[string]map[string][]byte{"pre-key": {"1": nil, "2": []byte("b2")}}); err != nil {
		t.Fatalf("SetKeys update: %v", err)
	}

	got, err := s.GetKeys(ctx, "s1", "pre-key", []string{"1", "2"})
	if err != nil {
		t.Fatalf("GetKeys: %v", err)
	}
	if _, ok := got["1"]; ok {
		t.Error("key 1 should have been deleted")
	}
	if !bytes.Equal(got["2"], []byte("b2")) {
		t.Errorf("key 2 = %q, want b2", got["2"])
	}
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	keys := map[string][]byte{}
	for i := 0; i < 5; i++ {
		keys[fmt.Sprint(i)] = []byte{byte(i)}
	}
	if err := s.SetKeys(ctx, "s1", map[string]map[string][]byte{"pre-key": keys}); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	if err := s.SaveCredential(ctx, "s1", []byte("creds")); err != nil {
		t.Fatalf("SaveCredential: %v", err)
	}

	if err := s.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := s.LoadCredential(ctx, "s1"); got != nil {
		t.Errorf("credential survived Clear: %q", got)
	}
	if got, _ := s.GetKeys(ctx, "s1", "pre-key", []string{"0", "4"}); len(got) != 0 {
		t.Errorf("keys survived Clear: %v", got)
	}
}

func TestListKeysScopesToSessionAndType(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	err := s.SetKeys(ctx, "s1", map[string]map[string][]byte{
		"identity": {"a:1": []byte("x"), "a:2": []byte("y")},
		"session":  {"a:1": []byte("z")},
	})
	if err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	if err := s.SetKeys(ctx, "s2", map[string]map[string][]byte{"identity": {"b:1": []byte("w")}}); err != nil {
		t.Fatalf("SetKeys s2: %v", err)
	}

	got, err := s.ListKeys(ctx, "s1", "identity")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got["a:2"], []byte("y")) {
		t.Fatalf("ListKeys = %v, want the two s1 identities", got)
	}
}

func TestSqliteBusyTimeoutIsSet(t *testing.T) {
	s := createTestStore(t)
	var ms int
	if err := s.db.GetContext(context.Background(), &ms, "PRAGMA busy_timeout"); err != nil {
		t.Fatalf("read busy_timeout: %v", err)
	}
	if ms < 1000 {
		t.Fatalf("busy_timeout = %dms, want at least 1000", ms)
	}
}
