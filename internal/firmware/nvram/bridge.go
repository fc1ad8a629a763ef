package nvram

import (
	"errors"

	"github.com/go-logr/logr"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
	"github.com/bmcpi/emunvram/internal/metric"
)

// SetResult is the outcome of a filtered write.
type SetResult int

const (
	Written SetResult = iota
	Skipped
	Denied
	Failed
)

func (r SetResult) String() string {
	switch r {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	case Denied:
		return "denied"
	default:
		return "failed"
	}
}

// Visit tells EnumerateAll how to proceed.
type Visit int

const (
	VisitContinue Visit = iota
	VisitRestart
	VisitAbort
)

// Bridge applies the schema and overwrite policy to a platform store.
type Bridge struct {
	Store   varstore.Store
	Log     logr.Logger
	Metrics *metric.Metrics
}

// SetFiltered writes one variable if entry permits it. An existing variable
// is kept unless allowOverwrite is set and its access attributes are exactly
// boot service plus runtime, in which case it is deleted and rewritten.
// Failures are logged, never returned, so one bad variable does not stop the
// caller from processing the rest.
func (b *Bridge) SetFiltered(name string, guid efi.GUID, attrs efi.Attributes, data []byte, entry *SchemaEntry, allowOverwrite bool) SetResult {
	result := b.setFiltered(name, guid, attrs, data, entry, allowOverwrite)
	b.Metrics.Variable(result.String())

	return result
}

func (b *Bridge) setFiltered(name string, guid efi.GUID, attrs efi.Attributes, data []byte, entry *SchemaEntry, allowOverwrite bool) SetResult {
	log := b.Log.WithValues("guid", guid.String(), "name", name)

	if !IsNamePermitted(entry, efi.ASCIIName(name)) {
		log.V(1).Info("variable is not permitted")

		return Denied
	}

	if _, err := efi.EncodeName(name); err != nil {
		log.Error(err, "failed to convert variable name")

		return Failed
	}

	_, _, err := b.Store.Get(name, guid, nil)
	exists := err == nil || errors.Is(err, varstore.ErrBufferTooSmall)

	if exists && allowOverwrite {
		exists = !b.deleteForOverwrite(log, name, guid)
	}

	if exists {
		log.V(1).Info("setting variable ignored, exists")

		return Skipped
	}

	if err := b.Store.Set(name, guid, attrs, data); err != nil {
		if len(data) > 0 {
			log.Error(err, "setting variable failed", "size", len(data))
		} else {
			log.V(1).Info("setting variable failed", "err", err.Error())
		}

		return Failed
	}

	log.V(1).Info("variable set", "attributes", attrs.String(), "size", len(data))

	return Written
}

// deleteForOverwrite reports whether the existing variable was removed.
func (b *Bridge) deleteForOverwrite(log logr.Logger, name string, guid efi.GUID) bool {
	_, existing, err := varstore.ReadVariable(b.Store, name, guid)
	if err != nil {
		log.V(1).Info("overwritten variable has unknown attributes", "err", err.Error())

		return false
	}

	if existing&efi.AccessMask != efi.AccessMask {
		log.V(1).Info("overwritten variable has invalid attributes", "attributes", existing.String())

		return false
	}

	if err := b.Store.Set(name, guid, 0, nil); err != nil {
		log.V(1).Info("failed to delete overwritten variable", "err", err.Error())

		return false
	}

	return true
}

// EnumerateAll calls visit for every variable in store order. VisitRestart
// begins the walk again; VisitAbort stops it with ErrAborted.
func (b *Bridge) EnumerateAll(visit func(guid efi.GUID, name efi.VarName) Visit) error {
	name, guid := "", efi.GUID{}

	for {
		next, nextGUID, err := b.Store.NextName(name, guid)
		if errors.Is(err, varstore.ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		switch visit(nextGUID, efi.WideName(next)) {
		case VisitRestart:
			name, guid = "", efi.GUID{}

			continue
		case VisitAbort:
			return ErrAborted
		}

		name, guid = next, nextGUID
	}
}
