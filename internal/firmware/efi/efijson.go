package efi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// VariableJSON is the JSON form of a variable used by dump output.
type VariableJSON struct {
	Name string `json:"name"`
	GUID string `json:"guid"`
	Attr uint32 `json:"attr"`
	Data string `json:"data"` // hex encoded
}

// VariableListJSON is the JSON form of a variable listing.
type VariableListJSON struct {
	Version   int            `json:"version"`
	Variables []VariableJSON `json:"variables"`
}

const jsonListVersion = 1

// MarshalJSON implements json.Marshaler.
func (v *Variable) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toJSON())
}

func (v *Variable) toJSON() VariableJSON {
	return VariableJSON{
		Name: v.Name,
		GUID: v.GUID.String(),
		Attr: uint32(v.Attributes),
		Data: hex.EncodeToString(v.Data),
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Variable) UnmarshalJSON(data []byte) error {
	var raw VariableJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	guid, err := ParseGUID(raw.GUID)
	if err != nil {
		return err
	}

	value, err := hex.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("variable %s: %w", raw.Name, err)
	}

	v.Name = raw.Name
	v.GUID = guid
	v.Attributes = Attributes(raw.Attr)
	v.Data = value

	return nil
}

// MarshalVariableList encodes vars in listing order.
func MarshalVariableList(vars []*Variable) ([]byte, error) {
	list := VariableListJSON{
		Version:   jsonListVersion,
		Variables: make([]VariableJSON, 0, len(vars)),
	}

	for _, v := range vars {
		list.Variables = append(list.Variables, v.toJSON())
	}

	return json.MarshalIndent(list, "", "  ")
}

// UnmarshalVariableList decodes a listing produced by MarshalVariableList.
func UnmarshalVariableList(data []byte) ([]*Variable, error) {
	var list struct {
		Version   int               `json:"version"`
		Variables []json.RawMessage `json:"variables"`
	}

	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}

	if list.Version != jsonListVersion {
		return nil, fmt.Errorf("unsupported variable list version: %d", list.Version)
	}

	vars := make([]*Variable, 0, len(list.Variables))

	for _, raw := range list.Variables {
		v := &Variable{}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}

		vars = append(vars, v)
	}

	return vars, nil
}
