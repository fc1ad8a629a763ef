package efi

import "strings"

// Attributes is the EFI variable attribute bitmask.
type Attributes uint32

const (
	AttrNonVolatile                       Attributes = 0x00000001
	AttrBootserviceAccess                 Attributes = 0x00000002
	AttrRuntimeAccess                     Attributes = 0x00000004
	AttrHardwareErrorRecord               Attributes = 0x00000008
	AttrAuthenticatedWriteAccess          Attributes = 0x00000010
	AttrTimeBasedAuthenticatedWriteAccess Attributes = 0x00000020
	AttrAppendWrite                       Attributes = 0x00000040
)

// AccessMask selects the access bits of an attribute set.
const AccessMask = AttrBootserviceAccess | AttrRuntimeAccess

// Has reports whether every bit of want is set.
func (a Attributes) Has(want Attributes) bool {
	return a&want == want
}

func (a Attributes) String() string {
	if a == 0 {
		return "0"
	}

	var parts []string

	for _, f := range []struct {
		bit  Attributes
		name string
	}{
		{AttrNonVolatile, "NV"},
		{AttrBootserviceAccess, "BS"},
		{AttrRuntimeAccess, "RT"},
		{AttrHardwareErrorRecord, "HR"},
		{AttrAuthenticatedWriteAccess, "AW"},
		{AttrTimeBasedAuthenticatedWriteAccess, "AT"},
		{AttrAppendWrite, "AP"},
	} {
		if a&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}

	return strings.Join(parts, "|")
}
