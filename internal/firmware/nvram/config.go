package nvram

import "github.com/bmcpi/emunvram/internal/firmware/efi"

// DeleteSection lists variable names to remove under one GUID key.
type DeleteSection struct {
	GUID  string
	Names []string
}

// Config is the NVRAM configuration snapshot the runtime works from.
type Config struct {
	// Legacy filters both load and save. A nil schema filters nothing; an
	// empty one rejects every section.
	Legacy *Schema
	// WriteFlash adds the non-volatile attribute to variables set on load.
	WriteFlash bool
	// LegacyOverwrite lets loaded values replace existing variables.
	LegacyOverwrite bool

	Add    []Section
	Delete []DeleteSection

	// RequestBootVarRouting makes Load force boot variable redirection on.
	RequestBootVarRouting bool
	// ExposeVersion publishes Version instead of a placeholder.
	ExposeVersion bool
	Version       string

	// MaxBufferSize caps save buffers; zero leaves them uncapped.
	MaxBufferSize int
}

// Attributes returns the attributes variables are written with.
func (c *Config) Attributes() efi.Attributes {
	if c.WriteFlash {
		return efi.AttrBootserviceAccess | efi.AttrRuntimeAccess | efi.AttrNonVolatile
	}

	return efi.AttrBootserviceAccess | efi.AttrRuntimeAccess
}
