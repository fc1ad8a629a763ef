package varstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

// DefaultEfivarsDir is where Linux mounts efivarfs.
const DefaultEfivarsDir = "/sys/firmware/efi/efivars"

// EfivarfsStore is a Store over an efivarfs directory. Each variable is a file
// named Name-GUID whose first four bytes hold the little-endian attributes.
type EfivarfsStore struct {
	fs  afero.Fs
	dir string
	log logr.Logger
}

func NewEfivarfsStore(fsys afero.Fs, dir string, logger logr.Logger) *EfivarfsStore {
	return &EfivarfsStore{fs: fsys, dir: dir, log: logger.WithName("efivarfs")}
}

func (e *EfivarfsStore) path(name string, guid efi.GUID) string {
	return filepath.Join(e.dir, name+"-"+strings.ToLower(guid.String()))
}

func (e *EfivarfsStore) Get(name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error) {
	raw, err := afero.ReadFile(e.fs, e.path(name, guid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, ErrNotFound
		}

		return 0, 0, err
	}

	if len(raw) < 4 {
		return 0, 0, fmt.Errorf("%s: %d bytes, expected at least 4", e.path(name, guid), len(raw))
	}

	attrs := efi.Attributes(binary.LittleEndian.Uint32(raw[:4]))
	data := raw[4:]

	if len(buf) < len(data) {
		return attrs, len(data), ErrBufferTooSmall
	}

	return attrs, copy(buf, data), nil
}

// Set writes the variable file. An existing file is removed first since
// efivarfs rejects attribute changes on open files.
func (e *EfivarfsStore) Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
	if name == "" {
		return ErrInvalidParameter
	}

	p := e.path(name, guid)

	exists, err := afero.Exists(e.fs, p)
	if err != nil {
		return err
	}

	if exists {
		if err := e.remove(p); err != nil {
			return err
		}
	}

	if len(data) == 0 || attrs&efi.AccessMask == 0 {
		if !exists {
			return ErrNotFound
		}

		return nil
	}

	raw := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(raw, uint32(attrs))
	raw = append(raw, data...)

	e.log.V(1).Info("writing variable", "name", name, "guid", guid.String(), "size", len(data))

	// efivarfs requires the whole variable in a single write.
	f, err := e.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}

	_, err = f.Write(raw)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	return err
}

func (e *EfivarfsStore) remove(p string) error {
	if err := e.unprotect(p); err != nil {
		return fmt.Errorf("clearing immutable flag on %s: %w", p, err)
	}

	return e.fs.Remove(p)
}

func (e *EfivarfsStore) NextName(name string, guid efi.GUID) (string, efi.GUID, error) {
	entries, err := afero.ReadDir(e.fs, e.dir)
	if err != nil {
		return "", efi.GUID{}, err
	}

	found := name == ""

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		n, g, ok := splitVariableFile(entry.Name())
		if !ok {
			continue
		}

		if found {
			return n, g, nil
		}

		found = n == name && g == guid
	}

	if !found {
		return "", efi.GUID{}, ErrInvalidParameter
	}

	return "", efi.GUID{}, ErrNotFound
}

func splitVariableFile(file string) (string, efi.GUID, bool) {
	const guidLen = 36

	if len(file) < guidLen+2 || file[len(file)-guidLen-1] != '-' {
		return "", efi.GUID{}, false
	}

	guid, err := efi.ParseGUID(file[len(file)-guidLen:])
	if err != nil {
		return "", efi.GUID{}, false
	}

	return file[:len(file)-guidLen-1], guid, true
}
