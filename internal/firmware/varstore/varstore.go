// Package varstore provides platform variable store backends: an ordered
// in-memory store, a Linux efivarfs directory and a raw EDK2 varstore image.
package varstore

import (
	"errors"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

var (
	ErrNotFound         = errors.New("variable not found")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOutOfResources   = errors.New("variable store is full")
	ErrWriteProtected   = errors.New("variable store is write protected")
)

// Store is the runtime variable service the engine reads and writes.
//
// Get copies the value into buf and returns its attributes and size. When buf
// is shorter than the value, ErrBufferTooSmall is returned together with the
// required size, so a nil buf probes the size.
//
// Set with empty data deletes the variable; deleting a missing variable
// returns ErrNotFound.
//
// NextName returns the variable following (name, guid) in store order. An
// empty name starts the walk; ErrNotFound marks its end.
type Store interface {
	Get(name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error)
	Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error
	NextName(name string, guid efi.GUID) (string, efi.GUID, error)
}

// ReadVariable fetches a whole variable value.
func ReadVariable(s Store, name string, guid efi.GUID) ([]byte, efi.Attributes, error) {
	attrs, size, err := s.Get(name, guid, nil)
	if err == nil {
		return []byte{}, attrs, nil
	}

	if !errors.Is(err, ErrBufferTooSmall) {
		return nil, 0, err
	}

	buf := make([]byte, size)

	attrs, n, err := s.Get(name, guid, buf)
	if err != nil {
		return nil, 0, err
	}

	return buf[:n], attrs, nil
}

// List walks s and returns copies of every variable in store order.
func List(s Store) ([]*efi.Variable, error) {
	var vars []*efi.Variable

	name, guid := "", efi.GUID{}

	for {
		var err error

		name, guid, err = s.NextName(name, guid)
		if errors.Is(err, ErrNotFound) {
			return vars, nil
		}

		if err != nil {
			return nil, err
		}

		data, attrs, err := ReadVariable(s, name, guid)
		if err != nil {
			return nil, err
		}

		vars = append(vars, &efi.Variable{Name: name, GUID: guid, Attributes: attrs, Data: data})
	}
}
