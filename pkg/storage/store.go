// Package storage persists session files as append-only sequences of fixed-size records.
package storage

import (
	"errors"

	"github.com/jwoglom/collarlink/pkg/record"
)

var (
	ErrNotFound       = errors.New("file not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrBadHandle      = errors.New("unknown file handle")
)

// Handle refers to a file opened for appending
type Handle uint32

// Store is the flash filesystem as seen by the session manager. A file is addressed
// by name and record kind; the same name may hold one file of each kind.
type Store interface {
	// Open opens an existing file for appending. It returns ErrNotFound if the file does not exist.
	Open(name string, kind record.Kind) (Handle, error)
	// Create creates an empty file, replacing any existing one
	Create(name string, kind record.Kind) (Handle, error)
	// Append writes one whole record. A failed append leaves the file unchanged.
	Append(h Handle, b []byte) error
	Close(h Handle) error

	// ReadRecord returns record index of a file. ErrRecordNotFound when index is past the end.
	ReadRecord(name string, kind record.Kind, index int) ([]byte, error)
	RecordCount(name string, kind record.Kind) (int, error)

	// Delete removes every file with the given name
	Delete(name string) error
	DeleteAll() error
}

// OpenOrCreate opens name, creating it when it does not exist yet
func OpenOrCreate(s Store, name string, kind record.Kind) (Handle, bool, error) {
	h, err := s.Open(name, kind)
	if err == nil {
		return h, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}
	h, err = s.Create(name, kind)
	return h, true, err
}

func extension(kind record.Kind) string {
	if kind == record.KindActivity {
		return ".act"
	}
	return ".imu"
}
