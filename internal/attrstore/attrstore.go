// Package attrstore implements C10: the TNCS attribute store keyed by the
// fixed attribute ids 1..5 (PreferredLanguage, ReasonString,
// ReasonLanguage, ContactAddress, ContactPort). Grounded on
// tncs_attributes.c and the §9 open-question decision to enforce
// id in [1,5] and copy exactly the given byte length.
package attrstore

import (
	"sync"

	"github.com/eurolinux-enterprise-linux-sources/libtnc/pkg/tncerr"
)

// AttributeID identifies one of the five attributes IF-IMV lets IMVs set
// and the batch engine reads back when composing a recommendation.
type AttributeID int

const (
	PreferredLanguage AttributeID = 1
	ReasonString      AttributeID = 2
	ReasonLanguage    AttributeID = 3
	ContactAddress    AttributeID = 4
	ContactPort       AttributeID = 5
)

// Valid reports whether id is in the enforced range §9 decided on.
func (id AttributeID) Valid() bool {
	return id >= PreferredLanguage && id <= ContactPort
}

// Store is the process-global (one per TNCS) attribute map. It is safe for
// concurrent use, per §5's "Attribute store: globally shared ...
// implementers MUST protect it with its own lock."
type Store struct {
	mu    sync.RWMutex
	attrs map[AttributeID][]byte
}

// New builds an empty Store.
func New() *Store {
	return &Store{attrs: make(map[AttributeID][]byte)}
}

// Set replaces the value stored at id with a copy of value. Shrinking a
// previously larger value is allowed and does not require reallocation in
// the caller's sense — Go's map assignment handles this transparently.
func (s *Store) Set(id AttributeID, value []byte) error {
	if !id.Valid() {
		return tncerr.New(tncerr.InvalidParameter, "attribute id out of range [1,5]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.attrs[id] = cp
	return nil
}

// Get returns the current value stored at id. It fails with
// InvalidParameter both for an out-of-range id and when no value has ever
// been set for a valid id (mirrors TNC_TNCS_GetAttribute returning
// non-success for an absent attribute).
func (s *Store) Get(id AttributeID) ([]byte, error) {
	if !id.Valid() {
		return nil, tncerr.New(tncerr.InvalidParameter, "attribute id out of range [1,5]")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.attrs[id]
	if !ok {
		return nil, tncerr.New(tncerr.InvalidParameter, "attribute not set")
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}
