package store

import (
	"bytes"
	"testing"

	"github.com/kimhsiao/driftsync/internal/errors"
)

// storeUnderTest runs the Store contract against both backends.
func storeUnderTest(t *testing.T, name string, open func(t *testing.T) Store) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGetRoundtrip", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			rec := &Record{Key: "k1", EntityType: "note", EntityID: "n1", Value: []byte(`{"title":"a"}`)}
			if err := s.Put("ops", rec); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get("ops", "k1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got.Value, rec.Value) {
				t.Errorf("Value mismatch: got %s", got.Value)
			}
			if got.EntityType != "note" || got.EntityID != "n1" {
				t.Errorf("Entity metadata lost: %+v", got)
			}
		})

		t.Run("PutReplaces", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			s.Put("ops", &Record{Key: "k1", Value: []byte("v1")})
			s.Put("ops", &Record{Key: "k1", Value: []byte("v2")})

			got, err := s.Get("ops", "k1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got.Value) != "v2" {
				t.Errorf("Expected replaced value v2, got %s", got.Value)
			}
		})

		t.Run("GetMissing", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.Get("ops", "ghost")
			if !errors.Is(err, errors.ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})

		t.Run("DeleteIsIdempotent", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			s.Put("ops", &Record{Key: "k1", Value: []byte("v")})
			if err := s.Delete("ops", "k1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := s.Delete("ops", "k1"); err != nil {
				t.Errorf("Second delete should be a no-op, got %v", err)
			}
			if _, err := s.Get("ops", "k1"); !errors.Is(err, errors.ErrNotFound) {
				t.Errorf("Record still present after delete: %v", err)
			}
		})

		t.Run("GetAllIsScopedToCollection", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			s.Put("ops", &Record{Key: "a", Value: []byte("1")})
			s.Put("ops", &Record{Key: "b", Value: []byte("2")})
			s.Put("other", &Record{Key: "c", Value: []byte("3")})

			records, err := s.GetAll("ops")
			if err != nil {
				t.Fatalf("GetAll failed: %v", err)
			}
			if len(records) != 2 {
				t.Errorf("Expected 2 records, got %d", len(records))
			}
		})

		t.Run("GetByEntity", func(t *testing.T) {
			s := open(t)
			defer s.Close()

			s.Put("ops", &Record{Key: "a", EntityType: "note", EntityID: "n1", Value: []byte("1")})
			s.Put("ops", &Record{Key: "b", EntityType: "note", EntityID: "n1", Value: []byte("2")})
			s.Put("ops", &Record{Key: "c", EntityType: "note", EntityID: "n2", Value: []byte("3")})

			records, err := s.GetByEntity("ops", "note", "n1")
			if err != nil {
				t.Fatalf("GetByEntity failed: %v", err)
			}
			if len(records) != 2 {
				t.Errorf("Expected 2 records for note/n1, got %d", len(records))
			}
		})
	})
}

func TestStoreBackends(t *testing.T) {
	storeUnderTest(t, "Memory", func(t *testing.T) Store {
		return NewMemory()
	})
	storeUnderTest(t, "SQLite", func(t *testing.T) Store {
		s, err := OpenSQLite(t.TempDir())
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		return s
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s1.Put("ops", &Record{Key: "k1", Value: []byte(`{"title":"survives"}`)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := OpenSQLite(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get("ops", "k1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got.Value) != `{"title":"survives"}` {
		t.Errorf("Value lost across reopen: %s", got.Value)
	}
}

func TestSQLiteLargeValueRoundtrip(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	// Highly repetitive payloads exercise the compression path.
	value := bytes.Repeat([]byte(`{"field":"value"},`), 4096)
	if err := s.Put("ops", &Record{Key: "big", Value: value}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("ops", "big")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.Value, value) {
		t.Error("Large value corrupted on roundtrip")
	}
}
