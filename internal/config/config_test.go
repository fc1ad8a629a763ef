package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmcpi/emunvram/internal/firmware/nvram"
)

const testConfig = `log_level: debug
store:
  backend: efivarfs
  path: /sys/firmware/efi/efivars
nvram:
  storage_root: /boot/efi
  legacy_overwrite: true
  request_boot_var_routing: true
  max_buffer_size: 65536
LegacySchema:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    - boot-args
    - csr-active-config
  8BE4DF61-93CA-11D2-AA0D-00E098032B8C:
    - "*"
Add:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    boot-args: "-v keepsyms=1"
    csr-active-config: "hex:67000000"
    SystemAudioVolume: "base64:Rg=="
Delete:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    - "#INFO"
    - boot-args
`

func newTestConfig(t *testing.T, content string) *Config {
	t.Helper()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/config/config.yaml", []byte(content), 0o644))

	conf, err := NewConfig(Options{File: "/config/config.yaml", Fs: fsys})
	require.NoError(t, err)

	return conf
}

func TestNewConfig(t *testing.T) {
	conf := newTestConfig(t, testConfig)

	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, "json", conf.LogFormat)
	assert.Equal(t, BackendEfivarfs, conf.Store.Backend)
	assert.Equal(t, "/boot/efi", conf.Nvram.StorageRoot)
	assert.True(t, conf.Nvram.WriteFlash, "default")
	assert.True(t, conf.Nvram.LegacyOverwrite)
	assert.Equal(t, 65536, conf.Nvram.MaxBufferSize)

	tables := conf.Tables()
	assert.Contains(t, tables.Add, "7C436110-AB2A-4BBB-A880-FE41995C9F82")
	assert.Equal(t, []string{"#INFO", "boot-args"}, tables.Delete["7C436110-AB2A-4BBB-A880-FE41995C9F82"])
}

func TestNewConfigDefaults(t *testing.T) {
	conf, err := NewConfig(Options{Fs: afero.NewMemMapFs()})
	require.NoError(t, err)

	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, BackendMemory, conf.Store.Backend)
	assert.Empty(t, conf.Tables().Add)

	nc, err := conf.NvramConfig()
	require.NoError(t, err)
	assert.Nil(t, nc.Legacy)
	assert.True(t, nc.WriteFlash)
}

func TestNewConfigEnv(t *testing.T) {
	t.Setenv("EMUNVRAM_STORE_BACKEND", BackendEdk2)
	t.Setenv("EMUNVRAM_NVRAM_EXPOSE_VERSION", "true")

	conf := newTestConfig(t, testConfig)
	assert.Equal(t, BackendEdk2, conf.Store.Backend)
	assert.True(t, conf.Nvram.ExposeVersion)
}

func TestNewConfigMissingFile(t *testing.T) {
	_, err := NewConfig(Options{File: "/config/missing.yaml", Fs: afero.NewMemMapFs()})
	assert.Error(t, err)
}

func TestNvramConfig(t *testing.T) {
	conf := newTestConfig(t, testConfig)

	nc, err := conf.NvramConfig()
	require.NoError(t, err)

	assert.True(t, nc.LegacyOverwrite)
	assert.True(t, nc.RequestBootVarRouting)
	assert.Equal(t, 65536, nc.MaxBufferSize)

	require.NotNil(t, nc.Legacy)
	require.Len(t, nc.Legacy.Sections, 2)
	assert.Equal(t, "7C436110-AB2A-4BBB-A880-FE41995C9F82", nc.Legacy.Sections[0].GUID)
	assert.Equal(t, []string{"boot-args", "csr-active-config"}, nc.Legacy.Sections[0].Entry.Names())
	assert.True(t, nc.Legacy.Sections[1].Entry.AllowsAll())

	require.Len(t, nc.Add, 1)
	assert.Equal(t, []nvram.NamedValue{
		{Name: "SystemAudioVolume", Value: []byte{0x46}},
		{Name: "boot-args", Value: []byte("-v keepsyms=1")},
		{Name: "csr-active-config", Value: []byte{0x67, 0, 0, 0}},
	}, nc.Add[0].Vars)

	require.Len(t, nc.Delete, 1)
	assert.Equal(t, []string{"#INFO", "boot-args"}, nc.Delete[0].Names)
}

func TestNvramConfigBadValue(t *testing.T) {
	conf := newTestConfig(t, `Add:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    boot-args: "hex:zz"
`)

	_, err := conf.NvramConfig()
	assert.Error(t, err)
}

func TestNvramConfigCommentKeys(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		add      []string
		delete   []string
		legacy   []string
		addNames []string
	}{
		{
			name: "comment guid with string value",
			content: `Add:
  "#WARNING - 1": "values below are examples"
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    boot-args: "-v"
`,
			add:      []string{"7C436110-AB2A-4BBB-A880-FE41995C9F82"},
			addNames: []string{"boot-args"},
		},
		{
			name: "comment variable names",
			content: `Add:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    "#boot-args": "-v"
    "#INFO": 1
    csr-active-config: "hex:00"
`,
			add:      []string{"7C436110-AB2A-4BBB-A880-FE41995C9F82"},
			addNames: []string{"csr-active-config"},
		},
		{
			name: "comment delete and legacy guids",
			content: `Delete:
  "#7C436110-AB2A-4BBB-A880-FE41995C9F82":
    - boot-args
  8BE4DF61-93CA-11D2-AA0D-00E098032B8C:
    - Boot0080
LegacySchema:
  "#8BE4DF61-93CA-11D2-AA0D-00E098032B8C": "disabled"
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    - "*"
`,
			delete: []string{"8BE4DF61-93CA-11D2-AA0D-00E098032B8C"},
			legacy: []string{"7C436110-AB2A-4BBB-A880-FE41995C9F82"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			nc, err := newTestConfig(t, tc.content).NvramConfig()
			require.NoError(t, err)

			var add, names, del, legacy []string
			for _, s := range nc.Add {
				add = append(add, s.GUID)
				for _, v := range s.Vars {
					names = append(names, v.Name)
				}
			}
			for _, s := range nc.Delete {
				del = append(del, s.GUID)
			}
			if nc.Legacy != nil {
				for _, s := range nc.Legacy.Sections {
					legacy = append(legacy, s.GUID)
				}
			}

			assert.Equal(t, tc.add, add)
			assert.Equal(t, tc.addNames, names)
			assert.Equal(t, tc.delete, del)
			assert.Equal(t, tc.legacy, legacy)
		})
	}
}

func TestConfigWatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`Add:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    boot-args: "-v"
`), 0o600))

	changed := make(chan *Config, 4)
	conf, err := NewConfig(Options{File: file, OnChange: func(c *Config) { changed <- c }})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(file, []byte(`Add:
  7C436110-AB2A-4BBB-A880-FE41995C9F82:
    boot-args: "-x"
`), 0o600))

	// A rewrite may be seen as truncate then write; wait for the new value.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			require.Same(t, conf, c)
		case <-timeout:
			t.Fatal("no reload after the config file changed")
		}

		nc, err := conf.NvramConfig()
		require.NoError(t, err)
		if len(nc.Add) == 1 && len(nc.Add[0].Vars) == 1 && string(nc.Add[0].Vars[0].Value) == "-x" {
			return
		}
	}
}

func TestDecodeValue(t *testing.T) {
	testCases := []struct {
		in       string
		expected []byte
		wantErr  bool
	}{
		{"plain", []byte("plain"), false},
		{"", []byte{}, false},
		{"hex:0102", []byte{1, 2}, false},
		{"base64:AQI=", []byte{1, 2}, false},
		{"hex:1", nil, true},
		{"base64:!!", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := DecodeValue(tc.in)
			if tc.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
