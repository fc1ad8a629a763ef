package efi

import "bytes"

// Variable is one variable as held by a store.
type Variable struct {
	Name       string
	GUID       GUID
	Attributes Attributes
	Data       []byte
}

// Key identifies a variable.
type Key struct {
	Name string
	GUID GUID
}

// Key returns the lookup key of v.
func (v *Variable) Key() Key {
	return Key{Name: v.Name, GUID: v.GUID}
}

// Copy returns a deep copy of v.
func (v *Variable) Copy() *Variable {
	c := *v
	c.Data = bytes.Clone(v.Data)

	return &c
}
