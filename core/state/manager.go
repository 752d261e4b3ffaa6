package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"pegledger/storage"
)

// ErrTxClosed is returned when a transaction is used after Commit or Discard.
var ErrTxClosed = errors.New("state: transaction already closed")

// KV is the read/write surface shared by the manager and its transactions.
// Values are RLP encoded.
type KV interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Manager provides RLP-encoded key/value access on top of a storage backend.
// Writes made through Begin are staged and only reach the backend on Commit.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) load(hashed []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, len(data) > 0, nil
}

// KVPut encodes value and writes it directly to the backend.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.load(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	return decodeInto(data, out)
}

// KVDelete removes the key from the backend.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete(kvKey(key))
}

// Begin opens a staged transaction. Reads observe the transaction's own writes
// first and fall back to committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{
		manager: m,
		writes:  make(map[string]stagedWrite),
	}
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

type stagedWrite struct {
	value   []byte
	deleted bool
}

// Tx buffers writes until Commit. Discarding a transaction leaves committed
// state untouched. Tx is not safe for concurrent use.
type Tx struct {
	manager *Manager
	writes  map[string]stagedWrite
	order   []string
	closed  bool
}

func (tx *Tx) stage(hashed []byte, write stagedWrite) {
	k := string(hashed)
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = write
}

// KVPut encodes the value immediately so later mutation of the caller's struct
// does not leak into the staged write.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.stage(kvKey(key), stagedWrite{value: encoded})
	return nil
}

// KVGet reads through the staged writes before consulting committed state.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, ErrTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	if staged, ok := tx.writes[string(hashed)]; ok {
		if staged.deleted {
			return false, nil
		}
		return decodeInto(staged.value, out)
	}
	data, ok, err := tx.manager.load(hashed)
	if err != nil || !ok {
		return false, err
	}
	return decodeInto(data, out)
}

// KVDelete stages the removal of key.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	tx.stage(kvKey(key), stagedWrite{deleted: true})
	return nil
}

// Pending reports the number of staged keys.
func (tx *Tx) Pending() int { return len(tx.order) }

// Commit flushes all staged writes to the backend as one atomic batch.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	if len(tx.order) == 0 {
		return nil
	}
	batch := storage.NewBatch()
	for _, k := range tx.order {
		write := tx.writes[k]
		if write.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), write.value)
	}
	tx.manager.mu.Lock()
	defer tx.manager.mu.Unlock()
	if err := tx.manager.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Discard drops every staged write. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}
