package nvram_test

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/nvram"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

const (
	bsrt   = efi.AttrBootserviceAccess | efi.AttrRuntimeAccess
	nvbsrt = bsrt | efi.AttrNonVolatile

	appleBoot = "7C436110-AB2A-4BBB-A880-FE41995C9F82"
	global    = "8BE4DF61-93CA-11D2-AA0D-00E098032B8C"
)

type plistVar struct {
	name  string
	value string // base64
}

type plistSection struct {
	guid string
	vars []plistVar
}

func plistText(version int, sections ...plistSection) string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Add</key>
	<dict>
`)

	for _, s := range sections {
		fmt.Fprintf(&b, "\t\t<key>%s</key>\n\t\t<dict>\n", s.guid)

		for _, v := range s.vars {
			fmt.Fprintf(&b, "\t\t\t<key>%s</key>\n\t\t\t<data>%s</data>\n", v.name, v.value)
		}

		b.WriteString("\t\t</dict>\n")
	}

	fmt.Fprintf(&b, "\t</dict>\n\t<key>Version</key>\n\t<integer>%d</integer>\n</dict>\n</plist>\n", version)

	return b.String()
}

func writeFile(t *testing.T, fsys afero.Fs, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path.Join(nvram.RootPath, name), []byte(content), 0o644))
}

func readFile(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()

	data, err := afero.ReadFile(fsys, path.Join(nvram.RootPath, name))
	require.NoError(t, err)

	return string(data)
}

func fileExists(t *testing.T, fsys afero.Fs, name string) bool {
	t.Helper()

	ok, err := afero.Exists(fsys, path.Join(nvram.RootPath, name))
	require.NoError(t, err)

	return ok
}

func allowAll(guids ...string) *nvram.Schema {
	s := &nvram.Schema{}
	for _, g := range guids {
		s.Add(g, nvram.AllowAll())
	}

	return s
}

// loadedRuntime returns a runtime loaded from an empty version 1 document.
func loadedRuntime(t *testing.T, store varstore.Store, cfg *nvram.Config) (*nvram.Runtime, afero.Fs) {
	t.Helper()

	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, nvram.PlistFile, plistText(1))

	rt := nvram.NewRuntime(store, logr.Discard(), nil)
	require.NoError(t, rt.Load(t.Context(), fsys, cfg))

	return rt, fsys
}

var errInjected = errors.New("injected failure")

// failingFs fails creating the files in create and every rename when
// rename is set.
type failingFs struct {
	afero.Fs
	create []string
	rename bool
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 {
		for _, c := range f.create {
			if path.Base(name) == c {
				return nil, &os.PathError{Op: "open", Path: name, Err: errInjected}
			}
		}
	}

	return f.Fs.OpenFile(name, flag, perm)
}

func (f *failingFs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (f *failingFs) Rename(oldname, newname string) error {
	if f.rename {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errInjected}
	}

	return f.Fs.Rename(oldname, newname)
}

// undeletableStore refuses every delete.
type undeletableStore struct {
	varstore.Store
}

func (s undeletableStore) Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
	if len(data) == 0 {
		return errInjected
	}

	return s.Store.Set(name, guid, attrs, data)
}
