package nvram_test

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/fwrt"
	"github.com/bmcpi/emunvram/internal/firmware/nvram"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

type host struct {
	*nvram.Host
	inner *varstore.MemStore
	fwrt  *fwrt.Runtime
}

func newHost(t *testing.T, fsys afero.Fs, cfg *nvram.Config, vars ...*efi.Variable) *host {
	t.Helper()

	inner := varstore.NewMemStore(vars...)
	fw := fwrt.New(fwrt.Config{}, logr.Discard())
	store := fw.Wrap(inner)
	rt := nvram.NewRuntime(store, logr.Discard(), nil)

	reg := nvram.NewRegistry()
	require.NoError(t, reg.Install(nvram.ProtocolGUID, rt.Protocol()))
	require.NoError(t, reg.Install(fwrt.ProtocolGUID, fwrt.Service(fw)))

	return &host{
		Host: &nvram.Host{
			Registry: reg,
			Bridge:   rt.Bridge(),
			Storage:  fsys,
			Config:   cfg,
			Log:      logr.Discard(),
		},
		inner: inner,
		fwrt:  fw,
	}
}

func TestLoadLegacyNvramRoutesBootVariables(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, nvram.PlistFile, plistText(1,
		plistSection{guid: global, vars: []plistVar{{"BootOrder", "AQA="}, {"Timeout", "BQ=="}}},
	))

	h := newHost(t, fsys, &nvram.Config{Legacy: allowAll(global), RequestBootVarRouting: true})
	h.LoadLegacyNvram(t.Context())

	_, _, err := varstore.ReadVariable(h.inner, "BootOrder", efi.OcVendorVariableGUID)
	require.NoError(t, err)

	_, _, err = varstore.ReadVariable(h.inner, "BootOrder", efi.GlobalVariableGUID)
	assert.ErrorIs(t, err, varstore.ErrNotFound)

	_, _, err = varstore.ReadVariable(h.inner, "Timeout", efi.GlobalVariableGUID)
	require.NoError(t, err)

	assert.False(t, h.fwrt.GetCurrent().BootVariableRedirect, "override restored")
}

func TestLoadLegacyNvramWithoutRouting(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, nvram.PlistFile, plistText(1,
		plistSection{guid: global, vars: []plistVar{{"BootOrder", "AQA="}}},
	))

	h := newHost(t, fsys, &nvram.Config{Legacy: allowAll(global)})
	h.LoadLegacyNvram(t.Context())

	_, _, err := varstore.ReadVariable(h.inner, "BootOrder", efi.GlobalVariableGUID)
	require.NoError(t, err)
}

func TestHostWithoutProtocol(t *testing.T) {
	store := varstore.NewMemStore()
	h := &nvram.Host{
		Registry: nvram.NewRegistry(),
		Bridge:   &nvram.Bridge{Store: store, Log: logr.Discard()},
		Storage:  afero.NewMemMapFs(),
		Config:   &nvram.Config{},
		Log:      logr.Discard(),
	}

	rebooted := false
	h.ResetSystem = func() { rebooted = true }

	h.LoadLegacyNvram(t.Context())
	h.SaveLegacyNvram(t.Context())
	h.SwitchToFallbackLegacyNvram(t.Context())
	h.ResetLegacyNvram(t.Context())

	assert.False(t, rebooted)
	assert.Equal(t, 0, store.Len())
}

func TestHostSaveAndReset(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, nvram.PlistFile, plistText(1))

	h := newHost(t, fsys, &nvram.Config{Legacy: allowAll(appleBoot)},
		&efi.Variable{Name: "boot-args", GUID: efi.AppleBootVariableGUID, Attributes: nvbsrt, Data: []byte("-v")},
	)

	// Errors are logged, not returned.
	h.SaveLegacyNvram(t.Context())
	assert.Equal(t, plistText(1), readFile(t, fsys, nvram.PlistFile))

	h.LoadLegacyNvram(t.Context())
	h.SaveLegacyNvram(t.Context())

	doc, err := nvram.ParseDocument([]byte(readFile(t, fsys, nvram.PlistFile)))
	require.NoError(t, err)

	value, ok := doc.Lookup(appleBoot, "boot-args")
	require.True(t, ok)
	assert.Equal(t, []byte("-v"), value)

	rebooted := false
	h.ResetSystem = func() { rebooted = true }
	h.ResetLegacyNvram(t.Context())

	assert.True(t, rebooted)
	assert.False(t, fileExists(t, fsys, nvram.PlistFile))
}

func TestDeleteAndAddVariables(t *testing.T) {
	cfg := &nvram.Config{
		Delete: []nvram.DeleteSection{
			{GUID: appleBoot, Names: []string{"#boot-args", "boot-args", "prev-lang:kbd", "csr-active-config", "missing", "absent"}},
			{GUID: "not-a-guid", Names: []string{"x"}},
		},
		Add: []nvram.Section{
			{GUID: appleBoot, Vars: []nvram.NamedValue{
				{Name: "boot-args", Value: []byte("-v")},
				{Name: "prev-lang:kbd", Value: []byte("en-US:0")},
				{Name: "absent", Value: []byte{}},
			}},
		},
	}

	h := newHost(t, afero.NewMemMapFs(), cfg,
		&efi.Variable{Name: "#boot-args", GUID: efi.AppleBootVariableGUID, Attributes: bsrt, Data: []byte("x")},
		&efi.Variable{Name: "boot-args", GUID: efi.AppleBootVariableGUID, Attributes: bsrt, Data: []byte("old")},
		&efi.Variable{Name: "prev-lang:kbd", GUID: efi.AppleBootVariableGUID, Attributes: bsrt, Data: []byte("en-US:0")},
		&efi.Variable{Name: "csr-active-config", GUID: efi.AppleBootVariableGUID, Attributes: bsrt, Data: []byte{0}},
	)

	h.DeleteVariables()

	_, _, err := varstore.ReadVariable(h.inner, "#boot-args", efi.AppleBootVariableGUID)
	require.NoError(t, err, "comment names are skipped")

	_, _, err = varstore.ReadVariable(h.inner, "boot-args", efi.AppleBootVariableGUID)
	assert.ErrorIs(t, err, varstore.ErrNotFound, "differs from add, deleted")

	_, _, err = varstore.ReadVariable(h.inner, "prev-lang:kbd", efi.AppleBootVariableGUID)
	require.NoError(t, err, "matches add, kept")

	_, _, err = varstore.ReadVariable(h.inner, "csr-active-config", efi.AppleBootVariableGUID)
	assert.ErrorIs(t, err, varstore.ErrNotFound)

	h.AddVariables()

	data, attrs, err := varstore.ReadVariable(h.inner, "boot-args", efi.AppleBootVariableGUID)
	require.NoError(t, err)
	assert.Equal(t, []byte("-v"), data)
	assert.Equal(t, bsrt, attrs)
}

func TestReportVersion(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      *nvram.Config
		expected string
	}{
		{"hidden", &nvram.Config{Version: "REL-101-2024-10-07"}, nvram.UnknownVersion},
		{"exposed", &nvram.Config{Version: "REL-101-2024-10-07", ExposeVersion: true}, "REL-101-2024-10-07"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHost(t, afero.NewMemMapFs(), tc.cfg,
				&efi.Variable{Name: nvram.VersionVariableName, GUID: efi.OcVendorVariableGUID, Attributes: nvbsrt, Data: []byte("stale")},
			)
			h.ReportVersion()

			data, attrs, err := varstore.ReadVariable(h.inner, nvram.VersionVariableName, efi.OcVendorVariableGUID)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(data))
			assert.Equal(t, bsrt, attrs)
		})
	}
}

func TestReportVersionStaleNotDeleted(t *testing.T) {
	inner := varstore.NewMemStore(
		&efi.Variable{Name: nvram.VersionVariableName, GUID: efi.OcVendorVariableGUID, Attributes: nvbsrt, Data: []byte("stale")},
	)

	var logs []string
	h := &nvram.Host{
		Bridge: &nvram.Bridge{Store: undeletableStore{inner}, Log: logr.Discard()},
		Config: &nvram.Config{},
		Log: funcr.New(func(_, args string) { logs = append(logs, args) },
			funcr.Options{Verbosity: 1}),
	}

	h.ReportVersion()

	data, attrs, err := varstore.ReadVariable(inner, nvram.VersionVariableName, efi.OcVendorVariableGUID)
	require.NoError(t, err)
	assert.Equal(t, "stale", string(data))
	assert.Equal(t, nvbsrt, attrs)

	joined := strings.Join(logs, "\n")
	assert.Contains(t, joined, "deleting stale version variable failed")
	assert.Contains(t, joined, errInjected.Error())
	assert.Contains(t, joined, "failed to set version variable")
}

func TestLoadNvramSupport(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, nvram.PlistFile, plistText(1,
		plistSection{guid: appleBoot, vars: []plistVar{{"boot-args", "bmV3"}}},
	))

	cfg := &nvram.Config{
		Legacy: allowAll(appleBoot),
		Add: []nvram.Section{
			{GUID: appleBoot, Vars: []nvram.NamedValue{{Name: "boot-args", Value: []byte("-v")}}},
		},
	}

	h := newHost(t, fsys, cfg)
	h.LoadNvramSupport(t.Context())

	// Add does not replace the value loaded from storage.
	data, _, err := varstore.ReadVariable(h.inner, "boot-args", efi.AppleBootVariableGUID)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	_, _, err = varstore.ReadVariable(h.inner, nvram.VersionVariableName, efi.OcVendorVariableGUID)
	require.NoError(t, err)
}
