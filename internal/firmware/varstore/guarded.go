package varstore

import "github.com/bmcpi/emunvram/internal/firmware/efi"

type (
	GetHook      func(s Store, name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error)
	SetHook      func(s Store, name string, guid efi.GUID, attrs efi.Attributes, data []byte) error
	NextNameHook func(s Store, name string, guid efi.GUID) (string, efi.GUID, error)
)

// Hooks intercept the store services. A nil hook passes straight through.
type Hooks struct {
	Get      GetHook
	Set      SetHook
	NextName NextNameHook
}

// Guarded runs hooks around an inner store. Each hook receives the Guarded
// itself; calling back into the same service while its hook is in flight goes
// directly to the inner store, so a hook may consult the real service without
// recursing into itself.
type Guarded struct {
	inner Store
	hooks Hooks

	inGet, inSet, inNext bool
}

func NewGuarded(inner Store, hooks Hooks) *Guarded {
	return &Guarded{inner: inner, hooks: hooks}
}

// Inner returns the wrapped store.
func (g *Guarded) Inner() Store {
	return g.inner
}

func (g *Guarded) Get(name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error) {
	if g.hooks.Get == nil || g.inGet {
		return g.inner.Get(name, guid, buf)
	}

	g.inGet = true
	defer func() { g.inGet = false }()

	return g.hooks.Get(g, name, guid, buf)
}

func (g *Guarded) Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
	if g.hooks.Set == nil || g.inSet {
		return g.inner.Set(name, guid, attrs, data)
	}

	g.inSet = true
	defer func() { g.inSet = false }()

	return g.hooks.Set(g, name, guid, attrs, data)
}

func (g *Guarded) NextName(name string, guid efi.GUID) (string, efi.GUID, error) {
	if g.hooks.NextName == nil || g.inNext {
		return g.inner.NextName(name, guid)
	}

	g.inNext = true
	defer func() { g.inNext = false }()

	return g.hooks.NextName(g, name, guid)
}
