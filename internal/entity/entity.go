package entity

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of mutation carried by a queue item.
type Operation int

const (
	// OperationCreate inserts a new record at each destination.
	OperationCreate Operation = iota + 1
	// OperationUpdate replaces an existing record at each destination.
	OperationUpdate
	// OperationDelete removes the record; deleting an absent record is a no-op.
	OperationDelete
)

var operationNames = map[Operation]string{
	OperationCreate: "create",
	OperationUpdate: "update",
	OperationDelete: "delete",
}

// String returns the lower-case operation name.
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// Valid reports whether o is one of the declared operations.
func (o Operation) Valid() bool {
	_, ok := operationNames[o]
	return ok
}

// ParseOperation parses "create", "update" or "delete" (case-insensitive).
func ParseOperation(s string) (Operation, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for op, name := range operationNames {
		if name == needle {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (o Operation) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid operation %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operation) UnmarshalText(text []byte) error {
	op, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// Key identifies an entity across types.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + "/" + k.ID
}

// Entity is a locally cached domain record.
type Entity struct {
	Type      string    `json:"type" cbor:"type"`
	ID        string    `json:"id" cbor:"id"`
	Synced    bool      `json:"synced" cbor:"synced"`
	Revision  int64     `json:"revision" cbor:"revision"`
	Fields    Fields    `json:"fields" cbor:"fields"`
	UpdatedAt time.Time `json:"updated_at" cbor:"updated_at"`
}

// Key returns the (type, id) pair for e.
func (e Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Clone returns a deep copy of e. The copy shares no maps or slices with e.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = e.Fields.Clone()
	return out
}
