// Package fwrt models the firmware runtime service that can route boot
// variables away from the platform namespace. The emulated NVRAM loader
// cooperates with it so Boot#### entries land where the boot manager reads
// them.
package fwrt

import (
	"regexp"

	"github.com/go-logr/logr"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

// Revision is the interface revision callers must check before use.
const Revision uint32 = 16

// ProtocolGUID identifies the service in a protocol registry.
var ProtocolGUID = efi.MustParseGUID("570332E4-FC50-4B21-ABE8-AE72F05B4FF7")

// Config is the runtime service configuration.
type Config struct {
	// BootVariableRedirect moves boot variables from the global namespace to
	// the vendor namespace.
	BootVariableRedirect bool
}

// Service is the override interface the NVRAM loader consumes.
type Service interface {
	Revision() uint32
	GetCurrent() Config
	// SetOverride replaces the active configuration; nil restores the main one.
	SetOverride(cfg *Config)
}

// Runtime is an in-process Service.
type Runtime struct {
	main     Config
	override *Config
	log      logr.Logger
}

var _ Service = (*Runtime)(nil)

func New(main Config, logger logr.Logger) *Runtime {
	return &Runtime{main: main, log: logger.WithName("fwrt")}
}

func (r *Runtime) Revision() uint32 {
	return Revision
}

func (r *Runtime) GetCurrent() Config {
	if r.override != nil {
		return *r.override
	}

	return r.main
}

func (r *Runtime) SetOverride(cfg *Config) {
	if cfg == nil {
		r.log.V(1).Info("restoring main configuration")
		r.override = nil

		return
	}

	c := *cfg
	r.override = &c
	r.log.V(1).Info("override set", "bootVariableRedirect", c.BootVariableRedirect)
}

var bootVarPattern = regexp.MustCompile(`^Boot([0-9A-Fa-f]{4}|Order|Next)$`)

// IsBootVariable reports whether name under guid is subject to redirection.
func IsBootVariable(name string, guid efi.GUID) bool {
	return guid == efi.GlobalVariableGUID && bootVarPattern.MatchString(name)
}

func (r *Runtime) route(name string, guid efi.GUID) efi.GUID {
	if r.GetCurrent().BootVariableRedirect && IsBootVariable(name, guid) {
		return efi.OcVendorVariableGUID
	}

	return guid
}

// Wrap returns store with boot variable redirection applied to reads and
// writes according to the current configuration.
func (r *Runtime) Wrap(store varstore.Store) *varstore.Guarded {
	return varstore.NewGuarded(store, varstore.Hooks{
		Get: func(s varstore.Store, name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error) {
			return s.Get(name, r.route(name, guid), buf)
		},
		Set: func(s varstore.Store, name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
			routed := r.route(name, guid)
			if routed != guid {
				r.log.V(1).Info("redirecting boot variable", "name", name)
			}

			return s.Set(name, routed, attrs, data)
		},
	})
}
