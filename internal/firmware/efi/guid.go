// Package efi holds the UEFI value types shared by the variable stores and the
// emulated NVRAM engine: GUIDs, variable attributes and variable names.
package efi

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GUID is an EFI_GUID kept in its canonical (string) byte order. Use BytesLE
// and GUIDFromBytesLE for the mixed-endian layout firmware stores on disk.
type GUID [16]byte

// Well-known vendor namespaces.
var (
	GlobalVariableGUID     = MustParseGUID("8BE4DF61-93CA-11D2-AA0D-00E098032B8C")
	AppleBootVariableGUID  = MustParseGUID("7C436110-AB2A-4BBB-A880-FE41995C9F82")
	AppleVendorGUID        = MustParseGUID("4D1EDE05-38C7-4A6A-9CC6-4BCCA8B38C14")
	OcVendorVariableGUID   = MustParseGUID("4D1FDA02-38C7-4A6A-9CC6-4BCCA8B30102")
	VariableRuntimeGUID    = MustParseGUID("3DBA852A-2645-4184-9571-E60C2BFD724C")
	SystemNvDataFvGUID     = MustParseGUID("FFF12B8D-7696-4C8B-A985-2747075B4F50")
	FirmwareFileSystem2    = MustParseGUID("8C8CE578-8A3D-4F1C-9935-896185C32DD3")
	AuthenticatedVariables = MustParseGUID("AAF32C78-947B-439A-A180-2E144EC37792")
)

// ParseGUID parses the registry form XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX.
// Braced, URN and hyphenless forms are rejected.
func ParseGUID(s string) (GUID, error) {
	if len(s) != 36 {
		return GUID{}, fmt.Errorf("invalid GUID %q: expected 36 characters, got %d", s, len(s))
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, fmt.Errorf("invalid GUID %q: %w", s, err)
	}

	return GUID(u), nil
}

// MustParseGUID is ParseGUID for constants.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}

	return g
}

// String formats the GUID in upper case, the way firmware prints %g.
func (g GUID) String() string {
	return strings.ToUpper(uuid.UUID(g).String())
}

// BytesLE returns the EFI_GUID memory layout (first three fields little-endian).
func (g GUID) BytesLE() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(g[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(g[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(g[6:8]))
	copy(b[8:], g[8:])

	return b
}

// GUIDFromBytesLE decodes an EFI_GUID from its memory layout at offset.
func GUIDFromBytesLE(data []byte, offset int) (GUID, error) {
	var g GUID

	if offset < 0 || offset+16 > len(data) {
		return g, fmt.Errorf("GUID at offset %d overruns %d bytes", offset, len(data))
	}

	b := data[offset : offset+16]
	binary.BigEndian.PutUint32(g[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(g[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(g[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(g[8:], b[8:])

	return g, nil
}
