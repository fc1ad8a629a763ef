package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bmcpi/emunvram/internal/config"
	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/fwrt"
	"github.com/bmcpi/emunvram/internal/firmware/nvram"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
	"github.com/bmcpi/emunvram/internal/metric"
)

// session is everything one command invocation works with.
type session struct {
	conf  *config.Config
	nvram *nvram.Config
	log   logr.Logger

	registry *prometheus.Registry
	runtime  *nvram.Runtime
	host     *nvram.Host
	store    varstore.Store
	storage  afero.Fs

	// textfile is fixed at start; a config reload does not move it.
	textfile string
	flush    func() error
}

// newSession reads the config and opens the store. onChange, when set, is
// called from the config watcher after each reload.
func newSession(cmd *cobra.Command, onChange func(*config.Config)) (*session, error) {
	conf, err := config.NewConfig(config.Options{File: rootFlags.config, Fs: fsys, OnChange: onChange})
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		conf.Store.Backend = rootFlags.backend
	}

	if flags.Changed("store-path") {
		conf.Store.Path = rootFlags.storePath
	}

	if flags.Changed("storage-root") {
		conf.Nvram.StorageRoot = rootFlags.storageRoot
	}

	if flags.Changed("metrics-textfile") {
		conf.Metrics.Textfile = rootFlags.metricsTextfile
	}

	nc, err := conf.NvramConfig()
	if err != nil {
		return nil, err
	}

	s := &session{
		conf:     conf,
		nvram:    nc,
		log:      conf.Log.WithName("nvramctl"),
		registry: prometheus.NewRegistry(),
		storage:  storageFs(conf.Nvram.StorageRoot),
		textfile: conf.Metrics.Textfile,
	}

	inner, flush, err := openStore(conf.Store, s.log)
	if err != nil {
		return nil, err
	}

	s.flush = flush

	fw := fwrt.New(fwrt.Config{BootVariableRedirect: conf.Nvram.BootVariableRedirect}, s.log)
	s.store = fw.Wrap(inner)
	s.runtime = nvram.NewRuntime(s.store, s.log, metric.New(s.registry))

	reg := nvram.NewRegistry()
	if err := reg.Install(nvram.ProtocolGUID, s.runtime.Protocol()); err != nil {
		return nil, err
	}

	if err := reg.Install(fwrt.ProtocolGUID, fwrt.Service(fw)); err != nil {
		return nil, err
	}

	s.host = &nvram.Host{
		Registry: reg,
		Bridge:   s.runtime.Bridge(),
		Storage:  s.storage,
		Config:   nc,
		Log:      s.log,
	}

	return s, nil
}

func storageFs(root string) afero.Fs {
	if root == "" || root == "." {
		return fsys
	}

	return afero.NewBasePathFs(fsys, root)
}

// openStore opens the configured backend. The returned flush persists
// changes for backends that do not write through.
func openStore(cfg config.StoreConfig, log logr.Logger) (varstore.Store, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return openMemStore(cfg.Path)
	case config.BackendEfivarfs:
		dir := cfg.Path
		if dir == "" {
			dir = varstore.DefaultEfivarsDir
		}

		return varstore.NewEfivarfsStore(fsys, dir, log), func() error { return nil }, nil
	case config.BackendEdk2:
		vs, err := varstore.OpenEdk2Store(fsys, cfg.Path, log)
		if err != nil {
			return nil, nil, err
		}

		return vs, vs.Flush, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openMemStore(path string) (varstore.Store, func() error, error) {
	if path == "" {
		return varstore.NewMemStore(), func() error { return nil }, nil
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	var vars []*efi.Variable
	if len(data) > 0 {
		if vars, err = efi.UnmarshalVariableList(data); err != nil {
			return nil, nil, fmt.Errorf("seed %s: %w", path, err)
		}
	}

	store := varstore.NewMemStore(vars...)

	flush := func() error {
		list, err := varstore.List(store)
		if err != nil {
			return err
		}

		out, err := efi.MarshalVariableList(list)
		if err != nil {
			return err
		}

		return afero.WriteFile(fsys, path, out, 0o644)
	}

	return store, flush, nil
}

// close persists the store and the metrics.
func (s *session) close() error {
	err := s.flush()

	if s.textfile != "" {
		err = multierr.Append(err, metric.WriteTextfile(s.textfile, s.registry))
	}

	return err
}

// reapply rebuilds the engine config from the reloaded file, applies the
// Delete and Add tables again and persists the store.
func (s *session) reapply() error {
	nc, err := s.conf.NvramConfig()
	if err != nil {
		return err
	}

	s.nvram = nc
	s.host.Config = nc

	s.host.DeleteVariables()
	s.host.AddVariables()

	return s.flush()
}

// directory opens the NVRAM directory without loading it, for commands
// that must work on documents the engine refuses.
func (s *session) directory() (*nvram.Directory, error) {
	return nvram.LocateRootDirectory(s.storage, s.log)
}

// run opens a session, calls fn and closes the session.
func run(cmd *cobra.Command, fn func(s *session) error) (err error) {
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}

	defer func() { err = multierr.Append(err, s.close()) }()

	return fn(s)
}
