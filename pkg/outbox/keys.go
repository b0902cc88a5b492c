package outbox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var ErrKeyNotFound = errors.New("outbox: key not found")

var keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// KeyStore is the device secret store holding the outbox key. Keys never
// leave it except to encrypt or decrypt the local store.
type KeyStore interface {
	Get(name string) ([]byte, error)
	Put(name string, key []byte) error
}

// LoadOrCreateKey returns the key stored under name, generating and
// persisting a random 256-bit key the first time.
func LoadOrCreateKey(keys KeyStore, name string) ([]byte, error) {
	key, err := keys.Get(name)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("outbox: stored key %q has %d bytes, want %d", name, len(key), KeySize)
		}
		return key, nil
	case !errors.Is(err, ErrKeyNotFound):
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("outbox: generate key: %w", err)
	}
	if err := keys.Put(name, key); err != nil {
		return nil, fmt.Errorf("outbox: persist key: %w", err)
	}
	return key, nil
}

// FileKeyStore keeps each key in its own 0600 file under dir.
type FileKeyStore struct {
	dir string
}

func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

func (s *FileKeyStore) Get(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: read key %q: %w", name, err)
	}
	return key, nil
}

func (s *FileKeyStore) Put(name string, key []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	return writeAtomic(path, key)
}

func (s *FileKeyStore) path(name string) (string, error) {
	if !keyNamePattern.MatchString(name) {
		return "", fmt.Errorf("outbox: invalid key name %q", name)
	}
	return filepath.Join(s.dir, name+".key"), nil
}

type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) Get(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[name]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), key...), nil
}

func (s *MemoryKeyStore) Put(name string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[name] = append([]byte(nil), key...)
	return nil
}
