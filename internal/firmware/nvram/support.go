package nvram

import (
	"bytes"
	"context"
	"errors"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/fwrt"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

const (
	// VersionVariableName is published under the vendor GUID after loading.
	VersionVariableName = "opencore-version"
	// UnknownVersion is published unless the version is exposed.
	UnknownVersion = "UNK-000-0000-00-00"
)

// Host drives the published protocol the way a boot manager does: failures
// are logged and swallowed.
type Host struct {
	Registry *Registry
	Bridge   *Bridge
	Storage  afero.Fs
	Config   *Config
	Log      logr.Logger
	// ResetSystem runs after ResetLegacyNvram; nil skips the reboot.
	ResetSystem func()
}

func (h *Host) locate() (*Protocol, bool) {
	p, err := LocateProtocol(h.Registry)
	if err != nil {
		h.Log.Info("locate emulated NVRAM protocol", "err", err.Error())

		return nil, false
	}

	return p, true
}

// forceBootVarRouting turns boot variable redirection on when it is
// requested and not already active. The returned service must be restored
// with SetOverride(nil); it is nil when nothing was changed.
func (h *Host) forceBootVarRouting() fwrt.Service {
	if !h.Config.RequestBootVarRouting {
		return nil
	}

	iface, err := h.Registry.Locate(fwrt.ProtocolGUID)
	if err != nil {
		h.Log.Info("missing firmware runtime, going on")

		return nil
	}

	svc, ok := iface.(fwrt.Service)
	if !ok || svc.Revision() != fwrt.Revision {
		h.Log.Info("missing firmware runtime, going on")

		return nil
	}

	cfg := svc.GetCurrent()
	if cfg.BootVariableRedirect {
		h.Log.Info("found firmware runtime, redirect already present")

		return nil
	}

	cfg.BootVariableRedirect = true
	svc.SetOverride(&cfg)
	h.Log.Info("found firmware runtime, forcing redirect")

	return svc
}

// LoadLegacyNvram loads emulated NVRAM through the protocol, with boot
// variable redirection forced on for its duration when requested.
func (h *Host) LoadLegacyNvram(ctx context.Context) {
	p, ok := h.locate()
	if !ok {
		return
	}

	svc := h.forceBootVarRouting()

	h.Log.Info("loading NVRAM from storage")

	if err := p.LoadNvram(ctx, h.Storage, h.Config); err != nil {
		h.Log.Error(err, "emulated NVRAM load failed", "status", StatusOf(err).String())
	}

	if svc != nil {
		h.Log.Info("restoring firmware runtime")
		svc.SetOverride(nil)
	}
}

// SaveLegacyNvram saves emulated NVRAM through the protocol.
func (h *Host) SaveLegacyNvram(ctx context.Context) {
	p, ok := h.locate()
	if !ok {
		return
	}

	h.Log.Info("saving NVRAM to storage")

	if err := p.SaveNvram(ctx); err != nil {
		h.Log.Error(err, "emulated NVRAM save failed", "status", StatusOf(err).String())
	}
}

// ResetLegacyNvram deletes the NVRAM files and reboots.
func (h *Host) ResetLegacyNvram(ctx context.Context) {
	p, ok := h.locate()
	if !ok {
		return
	}

	h.Log.Info("resetting NVRAM storage")

	if err := p.ResetNvram(ctx); err != nil {
		h.Log.Error(err, "emulated NVRAM reset failed", "status", StatusOf(err).String())
	}

	if h.ResetSystem != nil {
		h.ResetSystem()
	}
}

// SwitchToFallbackLegacyNvram retires the active plist.
func (h *Host) SwitchToFallbackLegacyNvram(ctx context.Context) {
	p, ok := h.locate()
	if !ok {
		return
	}

	h.Log.Info("switching to fallback NVRAM storage")

	if err := p.SwitchToFallback(ctx); err != nil {
		h.Log.Error(err, "emulated NVRAM switch to fallback failed", "status", StatusOf(err).String())
	}
}

// LoadNvramSupport runs the boot time NVRAM sequence: emulated load, then
// the configured deletions, additions and the version variable.
func (h *Host) LoadNvramSupport(ctx context.Context) {
	h.LoadLegacyNvram(ctx)
	h.DeleteVariables()
	h.AddVariables()
	h.ReportVersion()
}

func findAddSection(add []Section, guid string) *Section {
	for i := range add {
		if add[i].GUID == guid {
			return &add[i]
		}
	}

	return nil
}

func (s *Section) lookup(name string) ([]byte, bool) {
	for _, v := range s.Vars {
		if v.Name == name {
			return v.Value, true
		}
	}

	return nil, false
}

// DeleteVariables removes the configured variables. Names starting with '#'
// are comments. A variable whose current value already equals its Add value
// is kept so it is not rewritten on every boot.
func (h *Host) DeleteVariables() {
	store := h.Bridge.Store

	for _, section := range h.Config.Delete {
		guid, _, err := ResolveGuidSection(section.GUID, nil)
		if err != nil {
			h.Log.Error(err, "failed to convert NVRAM GUID", "guid", section.GUID)

			continue
		}

		add := findAddSection(h.Config.Add, section.GUID)

		for _, name := range section.Names {
			log := h.Log.WithValues("guid", guid.String(), "name", name)

			if isComment(name) {
				log.Info("variable skip deleting")

				continue
			}

			if add != nil && h.matchesAdd(store, add, name, guid) {
				log.Info("not deleting NVRAM, matches add")

				continue
			}

			err := store.Set(name, guid, 0, nil)

			switch {
			case err == nil:
				log.Info("deleted NVRAM")
			case errors.Is(err, varstore.ErrNotFound):
				log.Info("deleting NVRAM, not found")
			default:
				log.Error(err, "deleting NVRAM failed")
			}
		}
	}
}

func (h *Host) matchesAdd(store varstore.Store, add *Section, name string, guid efi.GUID) bool {
	want, ok := add.lookup(name)
	if !ok {
		return false
	}

	current, _, err := varstore.ReadVariable(store, name, guid)

	switch {
	case err == nil:
		return bytes.Equal(current, want)
	case errors.Is(err, varstore.ErrNotFound):
		return len(want) == 0
	default:
		return false
	}
}

// AddVariables sets the configured variables without replacing existing
// ones.
func (h *Host) AddVariables() {
	attrs := h.Config.Attributes()

	for _, section := range h.Config.Add {
		guid, _, err := ResolveGuidSection(section.GUID, nil)
		if err != nil {
			h.Log.Error(err, "failed to convert NVRAM GUID", "guid", section.GUID)

			continue
		}

		for _, v := range section.Vars {
			h.Bridge.SetFiltered(v.Name, guid, attrs, v.Value, nil, false)
		}
	}
}

// ReportVersion publishes the version variable.
func (h *Host) ReportVersion() {
	version := UnknownVersion
	if h.Config.ExposeVersion && h.Config.Version != "" {
		version = h.Config.Version
	}

	h.Log.Info("current version", "version", h.Config.Version)

	attrs := efi.AttrBootserviceAccess | efi.AttrRuntimeAccess
	store := h.Bridge.Store

	err := store.Set(VersionVariableName, efi.OcVendorVariableGUID, attrs, []byte(version))
	if errors.Is(err, varstore.ErrInvalidParameter) {
		// Stale copy with other attributes.
		if err := store.Set(VersionVariableName, efi.OcVendorVariableGUID, 0, nil); err != nil {
			h.Log.V(1).Info("deleting stale version variable failed", "err", err.Error())
		}

		err = store.Set(VersionVariableName, efi.OcVendorVariableGUID, attrs, []byte(version))
	}

	if err != nil {
		h.Log.Error(err, "failed to set version variable")
	}
}
