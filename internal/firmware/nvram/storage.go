package nvram

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
)

// Files under the storage volume.
const (
	RootPath     = "NVRAM"
	PlistFile    = "nvram.plist"
	FallbackFile = "nvram.fallback"
	UsedFile     = "nvram.used"
)

// Directory is the NVRAM directory of a storage volume.
type Directory struct {
	fs  afero.Fs
	log logr.Logger
}

// LocateRootDirectory opens the NVRAM directory, creating it when missing.
// A non-directory in its place is reported as ErrNotFound and left alone.
func LocateRootDirectory(fsys afero.Fs, logger logr.Logger) (*Directory, error) {
	if fsys == nil {
		return nil, fmt.Errorf("no file system: %w", ErrNotFound)
	}

	info, err := fsys.Stat(RootPath)

	switch {
	case err == nil && !info.IsDir():
		logger.Error(nil, "cannot open NVRAM directory, path is a file", "path", RootPath)

		return nil, fmt.Errorf("%s is not a directory: %w", RootPath, ErrNotFound)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat %s: %w", RootPath, err)
	case err != nil:
		if err := fsys.MkdirAll(RootPath, 0o755); err != nil {
			logger.Error(err, "cannot create NVRAM directory", "path", RootPath)

			return nil, fmt.Errorf("creating %s: %w", RootPath, err)
		}
	}

	return &Directory{fs: fsys, log: logger}, nil
}

func (d *Directory) path(name string) string {
	return path.Join(RootPath, name)
}

// Exists reports whether name is present.
func (d *Directory) Exists(name string) (bool, error) {
	return afero.Exists(d.fs, d.path(name))
}

// ReadFile returns the content of name, refusing files over MaxFileSize.
func (d *Directory) ReadFile(name string) ([]byte, error) {
	f, err := d.fs.Open(d.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes: %w", name, MaxFileSize, ErrUnsupported)
	}

	return data, nil
}

// WriteFile creates or truncates name.
func (d *Directory) WriteFile(name string, data []byte) error {
	if err := afero.WriteFile(d.fs, d.path(name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

// DeleteFile removes name; a missing file yields ErrNotFound.
func (d *Directory) DeleteFile(name string) error {
	if err := d.fs.Remove(d.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}

		d.log.Error(err, "cannot delete file", "file", name)

		return fmt.Errorf("deleting %s: %w", name, err)
	}

	return nil
}

// SwitchToFallback retires nvram.plist to nvram.used so the next load reads
// nvram.fallback. Without a fallback nothing changes and ErrNotFound is
// returned. Without a plist the switch has already happened.
func (d *Directory) SwitchToFallback() error {
	ok, err := d.Exists(FallbackFile)
	if err != nil {
		return fmt.Errorf("checking %s: %w", FallbackFile, err)
	}

	if !ok {
		d.log.Info("fallback cannot be opened, not switching", "file", FallbackFile)

		return fmt.Errorf("%s: %w", FallbackFile, ErrNotFound)
	}

	ok, err = d.Exists(PlistFile)
	if err != nil {
		return fmt.Errorf("checking %s: %w", PlistFile, err)
	}

	if !ok {
		d.log.Info("plist missing, already switched to fallback", "file", PlistFile)

		return nil
	}

	if err := d.DeleteFile(UsedFile); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if err := d.fs.Rename(d.path(PlistFile), d.path(UsedFile)); err != nil {
		d.log.Error(err, "cannot retire plist", "from", PlistFile, "to", UsedFile)

		return fmt.Errorf("renaming %s: %w", PlistFile, err)
	}

	return nil
}

// Reset deletes nvram.plist and nvram.fallback. Missing files are not an
// error; when both deletes fail the plist error is returned.
func (d *Directory) Reset() error {
	plistErr := d.DeleteFile(PlistFile)
	if errors.Is(plistErr, ErrNotFound) {
		plistErr = nil
	}

	fallbackErr := d.DeleteFile(FallbackFile)
	if errors.Is(fallbackErr, ErrNotFound) {
		fallbackErr = nil
	}

	if plistErr != nil {
		return plistErr
	}

	return fallbackErr
}
