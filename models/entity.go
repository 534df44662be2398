package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	StatusUnmodified = "unmodified"
	StatusModified   = "modified"
)

// Wire keys carried next to the domain fields.
const (
	FieldUID     = "uid"
	FieldHash    = "hash"
	FieldDeleted = "deleted"
)

// Entity is one synced record. Fields holds the domain values as raw JSON so
// an absent key, an explicit null and an empty string stay distinguishable.
// Status values other than the two constants are kept as-is.
type Entity struct {
	Collection    string                     `json:"collection"`
	UID           string                     `json:"uid"`
	Hash          string                     `json:"hash"`
	Status        string                     `json:"status"`
	PendingUpload bool                       `json:"pending_upload"`
	Deleted       bool                       `json:"deleted"`
	Fields        map[string]json.RawMessage `json:"fields"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

func NormalizeUID(uid string) string {
	return strings.ToUpper(strings.TrimSpace(uid))
}

func (e *Entity) Modified() bool {
	return e.Status == StatusModified
}

// Field reports the raw value of a domain field and whether the key exists.
func (e *Entity) Field(name string) (json.RawMessage, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

func (e *Entity) IsNull(name string) bool {
	v, ok := e.Fields[name]
	return ok && bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func (e *Entity) SetField(name string, value interface{}) error {
	if isWireKey(name) {
		return fmt.Errorf("field %q is reserved", name)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[name] = raw
	return nil
}

func (e *Entity) SetNull(name string) error {
	return e.SetField(name, nil)
}

func (e *Entity) RemoveField(name string) {
	delete(e.Fields, name)
}

func (e *Entity) Clone() *Entity {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]json.RawMessage, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// MarshalWire renders the server form: domain fields plus uid, deleted and
// hash. Local status and the pending flag never leave the device.
func (e *Entity) MarshalWire() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.Fields)+3)
	for k, v := range e.Fields {
		obj[k] = v
	}
	var err error
	if obj[FieldUID], err = json.Marshal(NormalizeUID(e.UID)); err != nil {
		return nil, err
	}
	if obj[FieldHash], err = json.Marshal(e.Hash); err != nil {
		return nil, err
	}
	if obj[FieldDeleted], err = json.Marshal(e.Deleted); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// UnmarshalWire parses a server object into an unmodified Entity.
func UnmarshalWire(collection string, data []byte) (*Entity, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("decode entity: null object")
	}

	e := &Entity{
		Collection: collection,
		Status:     StatusUnmodified,
		Fields:     make(map[string]json.RawMessage, len(obj)),
	}
	for k, v := range obj {
		switch k {
		case FieldUID:
			if err := json.Unmarshal(v, &e.UID); err != nil {
				return nil, fmt.Errorf("decode entity uid: %w", err)
			}
		case FieldHash:
			var hash *string
			if err := json.Unmarshal(v, &hash); err != nil {
				return nil, fmt.Errorf("decode entity hash: %w", err)
			}
			if hash != nil {
				e.Hash = *hash
			}
		case FieldDeleted:
			var deleted *bool
			if err := json.Unmarshal(v, &deleted); err != nil {
				return nil, fmt.Errorf("decode entity deleted flag: %w", err)
			}
			e.Deleted = deleted != nil && *deleted
		default:
			e.Fields[k] = v
		}
	}
	if e.UID == "" {
		return nil, fmt.Errorf("decode entity: missing uid")
	}
	e.UID = NormalizeUID(e.UID)
	return e, nil
}

func isWireKey(name string) bool {
	return name == FieldUID || name == FieldHash || name == FieldDeleted
}
