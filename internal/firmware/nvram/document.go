package nvram

import (
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"
)

const (
	// StorageVersion is the only document version Load accepts.
	StorageVersion = 1
	// MaxFileSize bounds NVRAM documents read from storage.
	MaxFileSize = 1 << 20
)

// NamedValue is one variable of a section.
type NamedValue struct {
	Name  string
	Value []byte
}

// Section is the variables stored under one GUID key.
type Section struct {
	GUID string
	Vars []NamedValue
}

// Document is the content of an NVRAM file.
type Document struct {
	Version int
	Add     []Section
}

type rawDocument struct {
	Add     map[string]any `plist:"Add"`
	Version int            `plist:"Version"`
}

// CommentPrefix marks dictionary keys that are comments.
const CommentPrefix = "#"

func isComment(key string) bool {
	return strings.HasPrefix(key, CommentPrefix)
}

// sortedKeys returns the non-comment keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !isComment(k) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys
}

// ParseDocument decodes an NVRAM property list. Only Add and Version are
// read, and keys starting with '#' are skipped as comments. Sections and
// names come back sorted because the property list dictionary does not
// preserve order. The version is not checked here.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	doc := &Document{Version: raw.Version}

	for _, guid := range sortedKeys(raw.Add) {
		vars, ok := raw.Add[guid].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: section %s has type %T", ErrInvalidDocument, guid, raw.Add[guid])
		}

		names := sortedKeys(vars)
		section := Section{GUID: guid, Vars: make([]NamedValue, 0, len(names))}

		for _, name := range names {
			value, err := valueBytes(vars[name])
			if err != nil {
				return nil, fmt.Errorf("%w: %s:%s: %w", ErrInvalidDocument, guid, name, err)
			}

			section.Vars = append(section.Vars, NamedValue{Name: name, Value: value})
		}

		doc.Add = append(doc.Add, section)
	}

	return doc, nil
}

func valueBytes(v any) ([]byte, error) {
	switch value := v.(type) {
	case []byte:
		return value, nil
	case string:
		return []byte(value), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Lookup returns the value of name under guid.
func (d *Document) Lookup(guid, name string) ([]byte, bool) {
	for _, section := range d.Add {
		if section.GUID != guid {
			continue
		}

		for _, v := range section.Vars {
			if v.Name == name {
				return v.Value, true
			}
		}
	}

	return nil, false
}
