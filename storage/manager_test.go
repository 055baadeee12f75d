package storage

import (
	"math/big"
	"testing"
)

type storedRecord struct {
	Name   string
	Amount *big.Int
}

func TestManagerRoundTrip(t *testing.T) {
	manager := NewManager(NewMemDB())
	key := []byte("record/alpha")

	in := storedRecord{Name: "alpha", Amount: big.NewInt(1234)}
	if err := manager.KVPut(key, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out storedRecord
	ok, err := manager.KVGet(key, &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to exist")
	}
	if out.Name != in.Name || out.Amount.Cmp(in.Amount) != 0 {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}

	ok, err = manager.KVGet([]byte("record/missing"), &out)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key")
	}
}

func TestManagerRejectsEmptyKey(t *testing.T) {
	manager := NewManager(NewMemDB())
	if err := manager.KVPut(nil, "value"); err == nil {
		t.Fatalf("expected empty key rejection")
	}
	if _, err := manager.KVGet(nil, nil); err == nil {
		t.Fatalf("expected empty key rejection")
	}
}

func TestManagerAppendDeduplicates(t *testing.T) {
	manager := NewManager(NewMemDB())
	key := []byte("index/participants")

	for _, value := range []string{"alice", "bob", "alice"} {
		if err := manager.KVAppend(key, []byte(value)); err != nil {
			t.Fatalf("append %s: %v", value, err)
		}
	}

	var list [][]byte
	if err := manager.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries after dedupe, got %d", len(list))
	}
	if string(list[0]) != "alice" || string(list[1]) != "bob" {
		t.Fatalf("unexpected order: %q, %q", list[0], list[1])
	}
}

func TestManagerGetListEmpty(t *testing.T) {
	manager := NewManager(NewMemDB())
	list := [][]byte{[]byte("stale")}
	if err := manager.KVGetList([]byte("index/none"), &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty slice, got %d entries", len(list))
	}
}

func TestManagerDelete(t *testing.T) {
	manager := NewManager(NewMemDB())
	key := []byte("record/tmp")
	if err := manager.KVPut(key, "value"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := manager.KVDelete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var out string
	ok, err := manager.KVGet(key, &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected key deleted")
	}
}
