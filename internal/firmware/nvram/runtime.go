// Package nvram implements emulated NVRAM: variables persisted to a plist on
// a storage volume, filtered through a GUID/name allow-list, loaded into the
// platform variable store at boot and saved back from it.
package nvram

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bmcpi/emunvram/internal/firmware/varstore"
	"github.com/bmcpi/emunvram/internal/metric"
)

const tracerName = "github.com/bmcpi/emunvram/firmware/nvram"

// State of a Runtime.
type State int

const (
	Uninitialized State = iota
	Loaded
)

func (s State) String() string {
	if s == Loaded {
		return "Loaded"
	}

	return "Uninitialized"
}

// Runtime owns the emulated NVRAM state. It is not safe for concurrent use.
type Runtime struct {
	bridge  *Bridge
	log     logr.Logger
	metrics *metric.Metrics

	state   State
	storage afero.Fs
	config  *Config
}

// NewRuntime creates an uninitialized runtime over store.
func NewRuntime(store varstore.Store, logger logr.Logger, m *metric.Metrics) *Runtime {
	logger = logger.WithName("nvram")

	return &Runtime{
		bridge:  &Bridge{Store: store, Log: logger, Metrics: m},
		log:     logger,
		metrics: m,
	}
}

// State reports the current state.
func (r *Runtime) State() State {
	return r.state
}

// Bridge returns the store bridge the runtime writes through.
func (r *Runtime) Bridge() *Bridge {
	return r.bridge
}

func (r *Runtime) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "nvram."+op)
}

func (r *Runtime) finish(span trace.Span, op string, err error) {
	status := StatusOf(err)
	r.metrics.Operation(op, status.String())

	span.SetAttributes(attribute.String("nvram.status", status.String()))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// Load reads nvram.plist, or nvram.fallback when the plist is unusable, and
// sets every permitted variable in the platform store. The runtime becomes
// Loaded only on success, so a failed Load may be retried.
func (r *Runtime) Load(ctx context.Context, storage afero.Fs, cfg *Config) (err error) {
	_, span := r.start(ctx, "Load")
	defer func() { r.finish(span, "load", err) }()

	r.log.Info("loading NVRAM")

	if r.state != Uninitialized {
		return ErrAlreadyStarted
	}

	if storage == nil || cfg == nil {
		return ErrInvalidParameter
	}

	dir, err := LocateRootDirectory(storage, r.log)
	if err != nil {
		return err
	}

	data, err := dir.ReadFile(PlistFile)
	if err != nil {
		r.log.Info("trying fallback NVRAM data", "reason", err.Error())

		data, err = dir.ReadFile(FallbackFile)
		if err != nil {
			r.log.Error(err, "NVRAM data not found or not readable")

			return fmt.Errorf("NVRAM data: %w", ErrNotFound)
		}
	}

	doc, err := ParseDocument(data)
	if err != nil {
		r.log.Error(err, "invalid NVRAM data")

		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	if doc.Version != StorageVersion {
		r.log.Error(ErrVersionMismatch, "incompatible NVRAM data", "version", doc.Version, "expected", StorageVersion)

		return fmt.Errorf("%w: %w %d, expected %d", ErrUnsupported, ErrVersionMismatch, doc.Version, StorageVersion)
	}

	span.SetAttributes(attribute.Int("nvram.sections", len(doc.Add)))

	attrs := cfg.Attributes()

	for _, section := range doc.Add {
		guid, entry, err := ResolveGuidSection(section.GUID, cfg.Legacy)
		if err != nil {
			if errors.Is(err, ErrSecurityViolation) {
				r.log.Info("ignoring NVRAM GUID", "guid", section.GUID)
			} else {
				r.log.Error(err, "failed to convert NVRAM GUID", "guid", section.GUID)
			}

			continue
		}

		for _, v := range section.Vars {
			r.bridge.SetFiltered(v.Name, guid, attrs, v.Value, entry, cfg.LegacyOverwrite)
		}
	}

	r.state = Loaded
	r.storage = storage
	r.config = cfg

	return nil
}

// Save serializes the permitted live variables and replaces nvram.plist.
// The old file is deleted before the new one is written; if the write fails
// the plist stays missing and the next Load falls back.
func (r *Runtime) Save(ctx context.Context) (err error) {
	_, span := r.start(ctx, "Save")
	defer func() { r.finish(span, "save", err) }()

	r.log.Info("saving NVRAM")

	if r.state != Loaded {
		return ErrNotReady
	}

	dir, err := LocateRootDirectory(r.storage, r.log)
	if err != nil {
		return err
	}

	text, count, err := RenderDocument(r.bridge, r.config.Legacy, StorageVersion, r.config.MaxBufferSize)
	if err != nil {
		r.log.Error(err, "serializing NVRAM failed")

		return err
	}

	span.SetAttributes(attribute.Int("nvram.variables", count))

	if err := dir.DeleteFile(PlistFile); err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Error(err, "error deleting plist", "file", PlistFile)
	}

	if err := dir.WriteFile(PlistFile, text); err != nil {
		r.log.Error(err, "error writing plist", "file", PlistFile)

		return err
	}

	r.metrics.Saved(count)
	r.log.V(1).Info("saved NVRAM", "variables", count, "bytes", len(text))

	return nil
}

// Reset deletes nvram.plist and nvram.fallback. Missing files count as
// deleted. The plist error wins when both deletions fail.
func (r *Runtime) Reset(ctx context.Context) (err error) {
	_, span := r.start(ctx, "Reset")
	defer func() { r.finish(span, "reset", err) }()

	r.log.Info("resetting NVRAM")

	if r.state != Loaded {
		return ErrNotReady
	}

	dir, err := LocateRootDirectory(r.storage, r.log)
	if err != nil {
		return err
	}

	return dir.Reset()
}

// SwitchToFallback retires the active plist so the next boot loads the
// fallback file.
func (r *Runtime) SwitchToFallback(ctx context.Context) (err error) {
	_, span := r.start(ctx, "SwitchToFallback")
	defer func() { r.finish(span, "switch_to_fallback", err) }()

	r.log.Info("switching to fallback NVRAM")

	if r.state != Loaded {
		return ErrNotReady
	}

	dir, err := LocateRootDirectory(r.storage, r.log)
	if err != nil {
		return err
	}

	return dir.SwitchToFallback()
}
