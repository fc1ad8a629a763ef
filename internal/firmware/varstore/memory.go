package varstore

import (
	"bytes"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

// MemStore is an in-memory Store that enumerates in insertion order.
type MemStore struct {
	vars []*efi.Variable
}

func NewMemStore(vars ...*efi.Variable) *MemStore {
	m := &MemStore{}
	for _, v := range vars {
		m.vars = append(m.vars, v.Copy())
	}

	return m
}

func (m *MemStore) find(name string, guid efi.GUID) int {
	for i, v := range m.vars {
		if v.Name == name && v.GUID == guid {
			return i
		}
	}

	return -1
}

func (m *MemStore) Get(name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error) {
	i := m.find(name, guid)
	if i < 0 {
		return 0, 0, ErrNotFound
	}

	v := m.vars[i]
	if len(buf) < len(v.Data) {
		return v.Attributes, len(v.Data), ErrBufferTooSmall
	}

	return v.Attributes, copy(buf, v.Data), nil
}

// Set creates, replaces or deletes a variable. Replacing a variable with
// different attributes is rejected, as firmware does.
func (m *MemStore) Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
	if name == "" {
		return ErrInvalidParameter
	}

	i := m.find(name, guid)

	if len(data) == 0 || attrs&efi.AccessMask == 0 {
		if i < 0 {
			return ErrNotFound
		}

		m.vars = append(m.vars[:i], m.vars[i+1:]...)

		return nil
	}

	if i >= 0 {
		if m.vars[i].Attributes != attrs {
			return ErrInvalidParameter
		}

		m.vars[i].Data = bytes.Clone(data)

		return nil
	}

	m.vars = append(m.vars, &efi.Variable{Name: name, GUID: guid, Attributes: attrs, Data: bytes.Clone(data)})

	return nil
}

func (m *MemStore) NextName(name string, guid efi.GUID) (string, efi.GUID, error) {
	next := 0

	if name != "" {
		i := m.find(name, guid)
		if i < 0 {
			return "", efi.GUID{}, ErrInvalidParameter
		}

		next = i + 1
	}

	if next >= len(m.vars) {
		return "", efi.GUID{}, ErrNotFound
	}

	return m.vars[next].Name, m.vars[next].GUID, nil
}

// Len reports the number of variables held.
func (m *MemStore) Len() int {
	return len(m.vars)
}
