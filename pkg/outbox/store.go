// Package outbox is the device-local durable queue of messages the server
// has not confirmed yet. The whole queue is stored as one encrypted file
// that is replaced atomically on every save.
package outbox

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrDecryptionFailed    = errors.New("outbox: decryption failed")
	ErrEncryptionFailed    = errors.New("outbox: encryption failed")
	ErrSerializationFailed = errors.New("outbox: serialization failed")
	ErrItemNotFound        = errors.New("outbox: item not found")
)

// KeySize is the length of the symmetric outbox key.
const KeySize = chacha20poly1305.KeySize

var additionalData = []byte("pitchos-outbox-v1")

// Item is one outbound message waiting for the server.
type Item struct {
	ClientID  string                `json:"client_id"`
	ChatID    string                `json:"chat_id"`
	Draft     models.MessageDraft   `json:"draft"`
	Status    models.DeliveryStatus `json:"status"`
	Attempts  int                   `json:"attempts"`
	LastError string                `json:"last_error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type Store struct {
	path string
	key  []byte
}

func NewStore(path string, key []byte) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("outbox: key must be %d bytes, got %d", KeySize, len(key))
	}
	if path == "" {
		return nil, errors.New("outbox: store path is required")
	}
	return &Store{path: path, key: append([]byte(nil), key...)}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored items, or an empty slice when nothing has been
// saved yet. A key mismatch or tampered file yields ErrDecryptionFailed;
// a readable but malformed payload yields ErrSerializationFailed.
func (s *Store) Load() ([]Item, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make([]Item, 0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: read %s: %w", s.path, err)
	}

	plaintext, err := s.open(data)
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	if items == nil {
		items = make([]Item, 0)
	}
	return items, nil
}

// Save replaces the store with items. The previous file stays intact until
// the new one is fully written and synced.
func (s *Store) Save(items []Item) error {
	if items == nil {
		items = make([]Item, 0)
	}
	plaintext, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}

	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, sealed)
}

// Reset deletes the store file. Callers use it after ErrDecryptionFailed or
// ErrSerializationFailed when the queued messages cannot be recovered.
func (s *Store) Reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("outbox: reset %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncryptionFailed, err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *Store) open(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: file too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("outbox: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("outbox: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("outbox: chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("outbox: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("outbox: sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("outbox: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("outbox: replace %s: %w", path, err)
	}

	// Persist the rename itself. Not every platform supports syncing a
	// directory, so failures here are ignored.
	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
