package nvram

import (
	"fmt"
	"slices"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

// Wildcard as the first name of a schema list permits every name.
const Wildcard = "*"

// SchemaEntry is the set of variable names permitted under one GUID: either
// every name, or an explicit case-sensitive list.
type SchemaEntry struct {
	allowAll bool
	names    []string
}

// AllowAll permits every name.
func AllowAll() *SchemaEntry {
	return &SchemaEntry{allowAll: true}
}

// Allowed permits exactly the given names.
func Allowed(names ...string) *SchemaEntry {
	return &SchemaEntry{names: slices.Clone(names)}
}

// EntryFromList converts the configuration list form, where a leading "*"
// permits everything. A "*" elsewhere in the list is an ordinary name.
func EntryFromList(list []string) *SchemaEntry {
	if len(list) > 0 && list[0] == Wildcard {
		return AllowAll()
	}

	return Allowed(list...)
}

// AllowsAll reports whether the entry is the wildcard variant.
func (e *SchemaEntry) AllowsAll() bool {
	return e.allowAll
}

// Names returns the explicit names in configuration order.
func (e *SchemaEntry) Names() []string {
	return slices.Clone(e.names)
}

// SchemaSection binds a GUID string to its entry.
type SchemaSection struct {
	GUID  string
	Entry *SchemaEntry
}

// Schema is the ordered legacy allow-list.
type Schema struct {
	Sections []SchemaSection
}

// Add appends a section.
func (s *Schema) Add(guid string, entry *SchemaEntry) *Schema {
	s.Sections = append(s.Sections, SchemaSection{GUID: guid, Entry: entry})

	return s
}

// ResolveGuidSection parses asciiGuid and, with a schema, finds its entry by
// exact string comparison. The first matching section wins. A GUID absent
// from the schema yields ErrSecurityViolation; callers skip that section.
func ResolveGuidSection(asciiGuid string, schema *Schema) (efi.GUID, *SchemaEntry, error) {
	guid, err := efi.ParseGUID(asciiGuid)
	if err != nil {
		return efi.GUID{}, nil, fmt.Errorf("%w: %w", ErrInvalidGUID, err)
	}

	if schema == nil {
		return guid, nil, nil
	}

	for _, section := range schema.Sections {
		if section.GUID == asciiGuid {
			return guid, section.Entry, nil
		}
	}

	return guid, nil, fmt.Errorf("GUID %s not permitted: %w", asciiGuid, ErrSecurityViolation)
}

// IsNamePermitted reports whether entry allows name. A nil entry allows
// everything. Names compare by value whatever their encoding.
func IsNamePermitted(entry *SchemaEntry, name efi.VarName) bool {
	if entry == nil || entry.allowAll {
		return true
	}

	for _, n := range entry.names {
		if name.Equal(n) {
			return true
		}
	}

	return false
}
