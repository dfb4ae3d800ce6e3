package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jwoglom/collarlink/pkg/record"
)

func rawRecord(num uint32) []byte {
	b, _ := (&record.RawIMURecord{Timestamp: uint64(num) * 1000, RecordNum: num}).MarshalBinary()
	return b
}

// testStores runs fn against every Store implementation
func testStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore())
	})
}

// TestStore_AppendAndRead tests appending and reading records back by index
func TestStore_AppendAndRead(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		if _, err := s.Open("0011223344556677", record.KindRawIMU); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}

		h, created, err := OpenOrCreate(s, "0011223344556677", record.KindRawIMU)
		if err != nil || !created {
			t.Fatalf("OpenOrCreate failed: created=%v err=%v", created, err)
		}
		for i := uint32(0); i < 5; i++ {
			if err := s.Append(h, rawRecord(i)); err != nil {
				t.Fatalf("Append %d failed: %v", i, err)
			}
		}
		if err := s.Close(h); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		n, err := s.RecordCount("0011223344556677", record.KindRawIMU)
		if err != nil || n != 5 {
			t.Fatalf("Expected 5 records, got %d (%v)", n, err)
		}

		b, err := s.ReadRecord("0011223344556677", record.KindRawIMU, 3)
		if err != nil {
			t.Fatalf("ReadRecord failed: %v", err)
		}
		if num, _ := record.RecordNum(b); num != 3 {
			t.Errorf("Expected record 3, got %d", num)
		}

		if _, err := s.ReadRecord("0011223344556677", record.KindRawIMU, 5); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound, got %v", err)
		}
		if _, err := s.ReadRecord("0011223344556677", record.KindActivity, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound for other kind, got %v", err)
		}

		// reopening continues at the end
		h, created, err = OpenOrCreate(s, "0011223344556677", record.KindRawIMU)
		if err != nil || created {
			t.Fatalf("Reopen failed: created=%v err=%v", created, err)
		}
		s.Append(h, rawRecord(5))
		s.Close(h)
		if n, _ := s.RecordCount("0011223344556677", record.KindRawIMU); n != 6 {
			t.Errorf("Expected 6 records after reopen, got %d", n)
		}
	})
}

// TestStore_AppendRejectsWrongSize tests that partial records never reach a file
func TestStore_AppendRejectsWrongSize(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		h, _ := s.Create("A", record.KindActivity)
		if err := s.Append(h, make([]byte, 10)); err == nil {
			t.Error("Expected error for short record")
		}
		if n, _ := s.RecordCount("A", record.KindActivity); n != 0 {
			t.Errorf("Expected 0 records, got %d", n)
		}
		if err := s.Append(Handle(999), make([]byte, record.ActivityRecordSize)); !errors.Is(err, ErrBadHandle) {
			t.Errorf("Expected ErrBadHandle, got %v", err)
		}
	})
}

// TestStore_Delete tests deleting single files and erasing everything
func TestStore_Delete(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		for _, name := range []string{"A01", "A02", "B"} {
			h, _ := s.Create(name, record.KindRawIMU)
			s.Append(h, rawRecord(0))
			s.Close(h)
		}

		if err := s.Delete("A01"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete("A01"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := s.RecordCount("A02", record.KindRawIMU); err != nil {
			t.Errorf("Unrelated file removed: %v", err)
		}

		if err := s.DeleteAll(); err != nil {
			t.Fatalf("DeleteAll failed: %v", err)
		}
		for _, name := range []string{"A02", "B"} {
			if _, err := s.RecordCount(name, record.KindRawIMU); !errors.Is(err, ErrNotFound) {
				t.Errorf("%s survived DeleteAll: %v", name, err)
			}
		}
	})
}

// TestFileStore_TornRecord tests that a partial trailing record is dropped on open
func TestFileStore_TornRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	data := append(rawRecord(0), rawRecord(1)[:100]...)
	if err := os.WriteFile(filepath.Join(dir, "T.imu"), data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	h, err := s.Open("T", record.KindRawIMU)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Append(h, rawRecord(1)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	s.Close(h)

	b, err := s.ReadRecord("T", record.KindRawIMU, 1)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}
	if num, _ := record.RecordNum(b); num != 1 {
		t.Errorf("Expected record 1 after torn tail, got %d", num)
	}
}
