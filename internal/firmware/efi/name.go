package efi

import (
	"bytes"
	"errors"

	"golang.org/x/text/encoding/unicode"
)

// Encoding is the UCS-2 encoding firmware uses for variable names.
var Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// StringFormat tells which representation a VarName carries.
type StringFormat int

const (
	FormatASCII StringFormat = iota
	FormatUnicode
)

// VarName is a variable name as presented by a caller: either 8-bit text from
// configuration or a NUL-terminated UCS-2 buffer from the variable store.
// Comparison is by value, so the same logical name is equal in both forms.
type VarName struct {
	format StringFormat
	ascii  string
	wide   []byte
}

// ASCIIName wraps an 8-bit name.
func ASCIIName(s string) VarName {
	return VarName{format: FormatASCII, ascii: s}
}

// UnicodeName wraps a UCS-2 little-endian name, with or without terminator.
func UnicodeName(ucs2 []byte) VarName {
	return VarName{format: FormatUnicode, wide: ucs2}
}

// WideName encodes s and wraps it as the store would present it.
func WideName(s string) VarName {
	b, err := EncodeName(s)
	if err != nil {
		return ASCIIName(s)
	}

	return UnicodeName(b)
}

// Format reports the representation.
func (n VarName) Format() StringFormat {
	return n.format
}

// String returns the UTF-8 form of the name.
func (n VarName) String() string {
	if n.format == FormatASCII {
		return n.ascii
	}

	s, err := DecodeName(n.wide)
	if err != nil {
		return string(n.wide)
	}

	return s
}

// Equal compares the name with an 8-bit string, case-sensitively.
func (n VarName) Equal(s string) bool {
	return n.String() == s
}

// EncodeName returns the NUL-terminated UCS-2 form of s.
func EncodeName(s string) ([]byte, error) {
	if bytes.IndexByte([]byte(s), 0) != -1 {
		return nil, errors.New("variable name contains a null character")
	}

	b, err := Encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}

	return append(b, 0, 0), nil
}

// DecodeName converts UCS-2 bytes up to the first null code unit.
func DecodeName(ucs2 []byte) (string, error) {
	end := len(ucs2) &^ 1
	for i := 0; i+1 < len(ucs2); i += 2 {
		if ucs2[i] == 0 && ucs2[i+1] == 0 {
			end = i

			break
		}
	}

	b, err := Encoding.NewDecoder().Bytes(ucs2[:end])
	if err != nil {
		return "", err
	}

	return string(b), nil
}
