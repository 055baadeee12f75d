package storage

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/rlp"
)

// Manager layers an RLP-typed key-value codec over a raw Database. The ledger
// and orchestrator persist their records exclusively through this surface.
type Manager struct {
	db Database
}

// NewManager wraps the supplied database.
func NewManager(db Database) *Manager {
	return &Manager{db: db}
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("storage: manager not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("storage: manager not initialised")
	}
	if len(key) == 0 {
		return false, fmt.Errorf("storage: key must not be empty")
	}
	data, ok, err := m.db.Get(key)
	if err != nil {
		return false, err
	}
	if !ok || len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep indexes
// deterministic under replay.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("storage: manager not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	data, ok, err := m.db.Get(key)
	if err != nil {
		return err
	}
	var list [][]byte
	if ok && len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("storage: manager not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	data, ok, err := m.db.Get(key)
	if err != nil {
		return err
	}
	if !ok || len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("storage: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("storage: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

// KVDelete removes the value stored under the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("storage: manager not initialised")
	}
	if len(key) == 0 {
		return fmt.Errorf("storage: key must not be empty")
	}
	return m.db.Delete(key)
}
