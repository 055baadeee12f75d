// Package registry resolves participant identifiers to payout addresses. The
// ledger never keys state by address; resolution happens only at routing time.
package registry

import (
	"errors"
	"fmt"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress indicates a registration with a zero payout address.
var ErrInvalidAddress = errors.New("registry: invalid address")

var participantPrefix = []byte("registry/participant/")

// Storage abstracts the state access required by the registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Registry is the store-backed participant directory.
type Registry struct {
	store Storage
}

// NewRegistry binds the registry to the supplied storage backend.
func NewRegistry(store Storage) *Registry {
	return &Registry{store: store}
}

// Register records or replaces the payout address for a participant.
func (r *Registry) Register(participantID string, addr ethcommon.Address) error {
	if r == nil {
		return fmt.Errorf("registry not initialised")
	}
	id := strings.TrimSpace(participantID)
	if id == "" {
		return fmt.Errorf("registry: participant id required")
	}
	if addr == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	return r.store.KVPut(participantKey(id), addr.Bytes())
}

// Resolve returns the payout address registered for the participant.
func (r *Registry) Resolve(participantID string) ([20]byte, bool, error) {
	var out [20]byte
	if r == nil {
		return out, false, fmt.Errorf("registry not initialised")
	}
	var raw []byte
	ok, err := r.store.KVGet(participantKey(strings.TrimSpace(participantID)), &raw)
	if err != nil || !ok {
		return out, false, err
	}
	if len(raw) != len(out) {
		return out, false, fmt.Errorf("registry: malformed address for %s", strings.TrimSpace(participantID))
	}
	copy(out[:], raw)
	return out, true, nil
}

func participantKey(id string) []byte {
	buf := make([]byte, len(participantPrefix)+len(id))
	copy(buf, participantPrefix)
	copy(buf[len(participantPrefix):], id)
	return buf
}
