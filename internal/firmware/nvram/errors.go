package nvram

import (
	"errors"

	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

var (
	// ErrNotFound reports a missing file, variable, protocol or section.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported reports an unusable document or an incompatible
	// protocol. Oversized files are unsupported too.
	ErrUnsupported = errors.New("unsupported")
	// ErrInvalidParameter reports a nil or malformed argument.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrAlreadyStarted is returned by a second Load.
	ErrAlreadyStarted = errors.New("already started")
	// ErrNotReady is returned by operations that need a loaded runtime.
	ErrNotReady = errors.New("not ready")
	// ErrOutOfResources reports a rendered document over the size limit.
	ErrOutOfResources = errors.New("out of resources")
	// ErrSecurityViolation reports a GUID the schema does not permit.
	ErrSecurityViolation = errors.New("security violation")
	// ErrDeviceError maps to GenericDeviceError, as any unclassified
	// storage or store failure does.
	ErrDeviceError = errors.New("device error")

	// ErrInvalidGUID is returned for section keys that are not GUIDs.
	ErrInvalidGUID = errors.New("invalid GUID")
	// ErrInvalidDocument reports a structurally invalid NVRAM document.
	ErrInvalidDocument = errors.New("invalid NVRAM document")
	// ErrVersionMismatch reports a well-formed document of another version.
	ErrVersionMismatch = errors.New("incompatible NVRAM document version")
	// ErrAborted is returned by EnumerateAll when a visitor aborts.
	ErrAborted = errors.New("enumeration aborted")
)

// Status is the status taxonomy reported to protocol callers.
type Status int

const (
	Success Status = iota
	NotFound
	Unsupported
	InvalidParameter
	AlreadyStarted
	NotReady
	OutOfResources
	SecurityViolation
	GenericDeviceError
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case NotFound:
		return "NotFound"
	case Unsupported:
		return "Unsupported"
	case InvalidParameter:
		return "InvalidParameter"
	case AlreadyStarted:
		return "AlreadyStarted"
	case NotReady:
		return "NotReady"
	case OutOfResources:
		return "OutOfResources"
	case SecurityViolation:
		return "SecurityViolation"
	default:
		return "DeviceError"
	}
}

// StatusOf classifies err.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNotFound), errors.Is(err, varstore.ErrNotFound):
		return NotFound
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrInvalidDocument):
		return Unsupported
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrInvalidGUID), errors.Is(err, varstore.ErrInvalidParameter):
		return InvalidParameter
	case errors.Is(err, ErrAlreadyStarted):
		return AlreadyStarted
	case errors.Is(err, ErrNotReady):
		return NotReady
	case errors.Is(err, ErrOutOfResources), errors.Is(err, varstore.ErrOutOfResources):
		return OutOfResources
	case errors.Is(err, ErrSecurityViolation):
		return SecurityViolation
	default:
		return GenericDeviceError
	}
}
