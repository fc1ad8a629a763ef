package nvram

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

// ProtocolRevision is bumped on incompatible protocol changes.
const ProtocolRevision uint32 = 1

// ProtocolGUID identifies the emulated NVRAM protocol in a Registry.
var ProtocolGUID = efi.VariableRuntimeGUID

// Protocol is the service table the runtime publishes.
type Protocol struct {
	Revision         uint32
	LoadNvram        func(ctx context.Context, storage afero.Fs, cfg *Config) error
	SaveNvram        func(ctx context.Context) error
	ResetNvram       func(ctx context.Context) error
	SwitchToFallback func(ctx context.Context) error
}

// Protocol returns the service table bound to r.
func (r *Runtime) Protocol() *Protocol {
	return &Protocol{
		Revision:         ProtocolRevision,
		LoadNvram:        r.Load,
		SaveNvram:        r.Save,
		ResetNvram:       r.Reset,
		SwitchToFallback: r.SwitchToFallback,
	}
}

// Registry maps protocol GUIDs to their interfaces.
type Registry struct {
	protocols map[efi.GUID]any
}

func NewRegistry() *Registry {
	return &Registry{protocols: map[efi.GUID]any{}}
}

// Install publishes iface under guid. Each GUID can be installed once.
func (reg *Registry) Install(guid efi.GUID, iface any) error {
	if iface == nil {
		return ErrInvalidParameter
	}

	if _, ok := reg.protocols[guid]; ok {
		return fmt.Errorf("protocol %s already installed: %w", guid, ErrInvalidParameter)
	}

	reg.protocols[guid] = iface

	return nil
}

// Uninstall removes guid.
func (reg *Registry) Uninstall(guid efi.GUID) error {
	if _, ok := reg.protocols[guid]; !ok {
		return fmt.Errorf("protocol %s: %w", guid, ErrNotFound)
	}

	delete(reg.protocols, guid)

	return nil
}

// Locate returns the interface installed under guid.
func (reg *Registry) Locate(guid efi.GUID) (any, error) {
	if reg == nil {
		return nil, fmt.Errorf("protocol %s: %w", guid, ErrNotFound)
	}

	iface, ok := reg.protocols[guid]
	if !ok {
		return nil, fmt.Errorf("protocol %s: %w", guid, ErrNotFound)
	}

	return iface, nil
}

// LocateProtocol finds the emulated NVRAM protocol and checks its revision.
func LocateProtocol(reg *Registry) (*Protocol, error) {
	iface, err := reg.Locate(ProtocolGUID)
	if err != nil {
		return nil, err
	}

	p, ok := iface.(*Protocol)
	if !ok {
		return nil, fmt.Errorf("protocol %s has type %T: %w", ProtocolGUID, iface, ErrUnsupported)
	}

	if p.Revision != ProtocolRevision {
		return nil, fmt.Errorf("incompatible revision %d != %d: %w", p.Revision, ProtocolRevision, ErrUnsupported)
	}

	return p, nil
}
