package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jwoglom/collarlink/pkg/record"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps each session file as a regular file under a directory
type FileStore struct {
	dir    string
	files  map[Handle]*openFile
	nextID Handle
	mutex  sync.Mutex
}

type openFile struct {
	f    *os.File
	kind record.Kind
	size int64
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	log.Infof("Storage directory: %s", dir)
	return &FileStore{
		dir:   dir,
		files: make(map[Handle]*openFile),
	}, nil
}

func (s *FileStore) path(name string, kind record.Kind) string {
	return filepath.Join(s.dir, name+extension(kind))
}

func (s *FileStore) register(f *os.File, kind record.Kind, size int64) Handle {
	s.nextID++
	s.files[s.nextID] = &openFile{f: f, kind: kind, size: size}
	return s.nextID
}

func (s *FileStore) Open(name string, kind record.Kind) (Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	f, err := os.OpenFile(s.path(name, kind), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, fmt.Errorf("failed to open %s: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	// drop a torn trailing record left by a power loss
	size := info.Size() - info.Size()%int64(kind.Size())
	if size != info.Size() {
		log.Warnf("Truncating %s from %d to %d bytes", name, info.Size(), size)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to truncate %s: %w", name, err)
		}
	}

	log.Debugf("Opened %s%s (%d records)", name, extension(kind), size/int64(kind.Size()))
	return s.register(f, kind, size), nil
}

func (s *FileStore) Create(name string, kind record.Kind) (Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	f, err := os.OpenFile(s.path(name, kind), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}

	log.Debugf("Created %s%s", name, extension(kind))
	return s.register(f, kind, 0), nil
}

func (s *FileStore) Append(h Handle, b []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	of, ok := s.files[h]
	if !ok {
		return ErrBadHandle
	}
	if len(b) != of.kind.Size() {
		return fmt.Errorf("record size %d does not match %s record size %d", len(b), of.kind, of.kind.Size())
	}

	if _, err := of.f.WriteAt(b, of.size); err != nil {
		// roll back whatever part of the record made it to disk
		if terr := of.f.Truncate(of.size); terr != nil {
			log.Errorf("Failed to roll back partial record: %v", terr)
		}
		return fmt.Errorf("append failed: %w", err)
	}
	of.size += int64(len(b))
	return nil
}

func (s *FileStore) Close(h Handle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	of, ok := s.files[h]
	if !ok {
		return ErrBadHandle
	}
	delete(s.files, h)
	return of.f.Close()
}

func (s *FileStore) ReadRecord(name string, kind record.Kind, index int) ([]byte, error) {
	f, err := os.Open(s.path(name, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	defer f.Close()

	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", ErrRecordNotFound, index)
	}

	b := make([]byte, kind.Size())
	if _, err := f.ReadAt(b, int64(index)*int64(kind.Size())); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s[%d]", ErrRecordNotFound, name, index)
		}
		return nil, fmt.Errorf("failed to read %s[%d]: %w", name, index, err)
	}
	return b, nil
}

func (s *FileStore) RecordCount(name string, kind record.Kind) (int, error) {
	info, err := os.Stat(s.path(name, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, err
	}
	return int(info.Size() / int64(kind.Size())), nil
}

func (s *FileStore) Delete(name string) error {
	found := false
	for _, kind := range []record.Kind{record.KindRawIMU, record.KindActivity} {
		err := os.Remove(s.path(name, kind))
		switch {
		case err == nil:
			found = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	log.Debugf("Deleted %s", name)
	return nil
}

// DeleteAll removes every session file. Files still open are closed first.
func (s *FileStore) DeleteAll() error {
	s.mutex.Lock()
	for h, of := range s.files {
		of.f.Close()
		delete(s.files, h)
	}
	s.mutex.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".imu") || strings.HasSuffix(name, ".act")) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
		removed++
	}

	log.Infof("Erased storage: %d files removed", removed)
	return nil
}
