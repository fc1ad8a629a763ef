package nvram_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/nvram"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

const renderedBootArgs = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Add</key>
	<dict>
		<key>7C436110-AB2A-4BBB-A880-FE41995C9F82</key>
		<dict>
			<key>boot-args</key>
			<data>
			LXY=
			</data>
		</dict>
	</dict>
	<key>Version</key>
	<integer>1</integer>
</dict>
</plist>
`

func TestRenderDocument(t *testing.T) {
	store := varstore.NewMemStore(
		&efi.Variable{Name: "boot-args", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: []byte("-v")},
		&efi.Variable{Name: "volatile", GUID: efi.AppleBootVariableGUID, Attributes: bsrt, Data: []byte{1}},
		&efi.Variable{Name: "denied", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: []byte{1}},
		&efi.Variable{Name: "BootOrder", GUID: efi.GlobalVariableGUID, Attributes: nvbsrt, Data: []byte{1, 0}},
	)

	schema := (&nvram.Schema{}).
		Add(appleBoot, nvram.Allowed("boot-args", "volatile")).
		Add("invalid", nvram.AllowAll()).
		Add(efi.AppleVendorGUID.String(), nvram.AllowAll())

	text, count, err := nvram.RenderDocument(newBridge(store), schema, nvram.StorageVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, renderedBootArgs, string(text))
}

func TestRenderDocumentWrapsData(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	store := varstore.NewMemStore(
		&efi.Variable{Name: "blob", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: data},
	)

	text, _, err := nvram.RenderDocument(newBridge(store), allowAll(appleBoot), nvram.StorageVersion, 0)
	require.NoError(t, err)

	var lines []string
	inData := false

	for _, line := range strings.Split(string(text), "\n") {
		switch strings.TrimSpace(line) {
		case "<data>":
			inData = true
		case "</data>":
			inData = false
		default:
			if inData {
				assert.True(t, strings.HasPrefix(line, "\t\t\t"))
				lines = append(lines, strings.TrimPrefix(line, "\t\t\t"))
			}
		}
	}

	require.Len(t, lines, 3)
	assert.Len(t, lines[0], 52)
	assert.Len(t, lines[1], 52)
	assert.Len(t, lines[2], 32)

	doc, err := nvram.ParseDocument(text)
	require.NoError(t, err)

	value, ok := doc.Lookup(appleBoot, "blob")
	require.True(t, ok)
	assert.Equal(t, data, value)
}

func TestRenderDocumentGrowsBuffers(t *testing.T) {
	data := bytes.Repeat([]byte{7}, 5000)
	store := varstore.NewMemStore(
		&efi.Variable{Name: "big", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: data},
	)

	text, count, err := nvram.RenderDocument(newBridge(store), allowAll(appleBoot), nvram.StorageVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc, err := nvram.ParseDocument(text)
	require.NoError(t, err)

	value, _ := doc.Lookup(appleBoot, "big")
	assert.Equal(t, data, value)
}

func TestRenderDocumentOutOfResources(t *testing.T) {
	store := varstore.NewMemStore(
		&efi.Variable{Name: "big", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: make([]byte, 2000)},
	)

	_, _, err := nvram.RenderDocument(newBridge(store), allowAll(appleBoot), nvram.StorageVersion, 1024)
	assert.ErrorIs(t, err, nvram.ErrOutOfResources)
}

func TestRenderDocumentEscapesNames(t *testing.T) {
	store := varstore.NewMemStore(
		&efi.Variable{Name: "a<b&c", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: []byte{1}},
	)

	text, _, err := nvram.RenderDocument(newBridge(store), allowAll(appleBoot), nvram.StorageVersion, 0)
	require.NoError(t, err)
	assert.Contains(t, string(text), "<key>a&lt;b&amp;c</key>")

	doc, err := nvram.ParseDocument(text)
	require.NoError(t, err)

	_, ok := doc.Lookup(appleBoot, "a<b&c")
	assert.True(t, ok)
}
