package storage

import (
	"fmt"
	"sync"

	"github.com/jwoglom/collarlink/pkg/record"
)

type memKey struct {
	name string
	kind record.Kind
}

// MemStore is a volatile Store used by the simulator and tests
type MemStore struct {
	files  map[memKey][]byte
	open   map[Handle]memKey
	nextID Handle
	mutex  sync.RWMutex
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		files: make(map[memKey][]byte),
		open:  make(map[Handle]memKey),
	}
}

func (s *MemStore) Open(name string, kind record.Kind) (Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := memKey{name, kind}
	if _, ok := s.files[k]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.nextID++
	s.open[s.nextID] = k
	return s.nextID, nil
}

func (s *MemStore) Create(name string, kind record.Kind) (Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := memKey{name, kind}
	s.files[k] = []byte{}
	s.nextID++
	s.open[s.nextID] = k
	return s.nextID, nil
}

func (s *MemStore) Append(h Handle, b []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	k, ok := s.open[h]
	if !ok {
		return ErrBadHandle
	}
	if len(b) != k.kind.Size() {
		return fmt.Errorf("record size %d does not match %s record size %d", len(b), k.kind, k.kind.Size())
	}
	data, ok := s.files[k]
	if !ok {
		return fmt.Errorf("%w: %s was deleted while open", ErrNotFound, k.name)
	}
	s.files[k] = append(data, b...)
	return nil
}

func (s *MemStore) Close(h Handle) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.open[h]; !ok {
		return ErrBadHandle
	}
	delete(s.open, h)
	return nil
}

func (s *MemStore) ReadRecord(name string, kind record.Kind, index int) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, ok := s.files[memKey{name, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	size := kind.Size()
	if index < 0 || (index+1)*size > len(data) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrRecordNotFound, name, index)
	}
	b := make([]byte, size)
	copy(b, data[index*size:])
	return b, nil
}

func (s *MemStore) RecordCount(name string, kind record.Kind) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, ok := s.files[memKey{name, kind}]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return len(data) / kind.Size(), nil
}

func (s *MemStore) Delete(name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	found := false
	for _, kind := range []record.Kind{record.KindRawIMU, record.KindActivity} {
		k := memKey{name, kind}
		if _, ok := s.files[k]; ok {
			delete(s.files, k)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *MemStore) DeleteAll() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.files = make(map[memKey][]byte)
	s.open = make(map[Handle]memKey)
	return nil
}

// Names returns the names of all stored files
func (s *MemStore) Names() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for k := range s.files {
		if !seen[k.name] {
			seen[k.name] = true
			names = append(names, k.name)
		}
	}
	return names
}
