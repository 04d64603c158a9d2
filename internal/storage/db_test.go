package storage

import (
	"bytes"
	"errors"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := db.Get([]byte("missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() missing error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))
		if ok, err := db.Has([]byte("exists")); err != nil || !ok {
			t.Errorf("Has(exists) = %v, %v", ok, err)
		}
		if ok, err := db.Has([]byte("absent")); err != nil || ok {
			t.Errorf("Has(absent) = %v, %v", ok, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))
		if err := db.Delete([]byte("del")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if _, err := db.Get([]byte("del")); !errors.Is(err, ErrNotFound) {
			t.Error("Get() after Delete() should return ErrNotFound")
		}
		if err := db.Delete([]byte("never-existed")); err != nil {
			t.Errorf("Delete() nonexistent key error: %v", err)
		}
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		v := []byte("abc")
		db.Put([]byte("copy"), v)
		v[0] = 'z'
		got, _ := db.Get([]byte("copy"))
		if string(got) != "abc" {
			t.Errorf("stored value aliased caller buffer: %q", got)
		}
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		db.Put([]byte("idx/c"), []byte("3"))
		db.Put([]byte("idx/a"), []byte("1"))
		db.Put([]byte("idx/b"), []byte("2"))
		db.Put([]byte("other/x"), []byte("4"))

		var keys []string
		err := db.ForEach([]byte("idx/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		want := []string{"idx/a", "idx/b", "idx/c"}
		if len(keys) != len(want) {
			t.Fatalf("ForEach keys = %v, want %v", keys, want)
		}
		for i := range want {
			if keys[i] != want[i] {
				t.Errorf("key[%d] = %s, want %s", i, keys[i], want[i])
			}
		}
	})

	t.Run("ForEachStop", func(t *testing.T) {
		stop := errors.New("stop")
		var n int
		err := db.ForEach([]byte("idx/"), func(key, value []byte) error {
			n++
			return stop
		})
		if !errors.Is(err, stop) || n != 1 {
			t.Errorf("ForEach stop: err=%v n=%d", err, n)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		batcher, ok := db.(Batcher)
		if !ok {
			t.Skip("db does not support batches")
		}
		db.Put([]byte("b/old"), []byte("x"))
		b := batcher.NewBatch()
		b.Put([]byte("b/one"), []byte("1"))
		b.Put([]byte("b/two"), []byte("2"))
		b.Delete([]byte("b/old"))

		if ok, _ := db.Has([]byte("b/one")); ok {
			t.Error("batch write visible before Commit")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}
		if ok, _ := db.Has([]byte("b/one")); !ok {
			t.Error("b/one missing after Commit")
		}
		if ok, _ := db.Has([]byte("b/old")); ok {
			t.Error("b/old still present after Commit")
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("persist"), []byte("data"))
	db1.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(val, []byte("data")) {
		t.Errorf("persisted value = %q, want %q", val, "data")
	}
}
