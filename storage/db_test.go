package storage

import (
	"bytes"
	"errors"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get([]byte("a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("1")) {
		t.Fatalf("unexpected value %q", got)
	}
	ok, err := db.Has([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("expected key a to exist: %v", err)
	}

	batch := db.NewBatch()
	batch.Put([]byte("b"), []byte("2"))
	batch.Put([]byte("c"), []byte("3"))
	batch.Delete([]byte("a"))
	if batch.Len() != 3 {
		t.Fatalf("expected 3 batched ops, got %d", batch.Len())
	}
	if ok, _ := db.Has([]byte("b")); ok {
		t.Fatalf("batch must not apply before Write")
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if ok, _ := db.Has([]byte("a")); ok {
		t.Fatalf("expected a to be deleted by batch")
	}
	for key, want := range map[string]string{"b": "2", "c": "3"} {
		got, err := db.Get([]byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if string(got) != want {
			t.Fatalf("key %s: want %s got %s", key, want, got)
		}
	}
	if err := db.Delete([]byte("b")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected b to be gone, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	t.Cleanup(db.Close)
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(db.Close)
	exerciseDatabase(t, db)
}
