//go:build linux

package varstore

import (
	"errors"
	"os"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const fsImmutableFl = 0x00000010

type inodeFlags uint32

func (a inodeFlags) IsSet(attrs inodeFlags) bool       { return a&attrs != 0 }
func (a inodeFlags) Clear(attrs inodeFlags) inodeFlags { return a & ^attrs }

func getInodeFlags(fd uintptr) (inodeFlags, error) {
	attrs, err := unix.IoctlGetInt(int(fd), unix.FS_IOC_GETFLAGS)
	return inodeFlags(attrs), err
}

func setInodeFlags(fd uintptr, attr inodeFlags) error {
	return unix.IoctlSetPointerInt(int(fd), unix.FS_IOC_SETFLAGS, int(attr))
}

func resolveOsFile(f afero.File) (*os.File, bool) {
	for {
		baseFile, ok := f.(*afero.BasePathFile)
		if !ok {
			break
		}

		f = baseFile.File
	}

	o, ok := f.(*os.File)

	return o, ok
}

func withInnerFileDescriptor(f *os.File, cb func(fd uintptr) error) (err error) {
	rawConn, err := f.SyscallConn()
	if err != nil {
		return err
	}

	err2 := rawConn.Control(func(fd uintptr) {
		// ENOTTY means the filesystem has no inode flags.
		if cbErr := cb(fd); !errors.Is(cbErr, syscall.ENOTTY) {
			err = multierr.Append(err, cbErr)
		}
	})

	return multierr.Append(err, err2)
}

// unprotect clears the immutable flag efivarfs sets on most variable files.
// Files not backed by the OS are left alone.
func (e *EfivarfsStore) unprotect(p string) (err error) {
	f, err := e.fs.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	defer func() { err = multierr.Append(err, f.Close()) }()

	osFile, ok := resolveOsFile(f)
	if !ok {
		return nil
	}

	return withInnerFileDescriptor(osFile, func(fd uintptr) error {
		fl, err := getInodeFlags(fd)
		if err != nil {
			return err
		}

		if !fl.IsSet(fsImmutableFl) {
			return nil
		}

		e.log.V(1).Info("clearing immutable flag", "path", p)

		return setInodeFlags(fd, fl.Clear(fsImmutableFl))
	})
}
