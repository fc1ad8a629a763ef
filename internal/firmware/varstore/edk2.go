package varstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ccoveille/go-safecast"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
)

const (
	fvSignature       = 0x4856465f // "_FVH"
	varStoreFormatted = 0x5a
	varStoreHealthy   = 0xfe
	varStartID        = 0x55aa
	varAdded          = 0x3f

	fvHeaderOffset    = 32
	varStoreHeaderLen = 28
	varHeaderLen      = 60
	fvSearchStep      = 1024
)

// fvHeader follows the zero vector and file system GUID of an
// EFI_FIRMWARE_VOLUME_HEADER.
type fvHeader struct {
	Length          uint64
	Signature       uint32
	Attributes      uint32
	HeaderLength    uint16
	Checksum        uint16
	ExtHeaderOffset uint16
	Reserved        uint8
	Revision        uint8
	NumBlocks       uint32
	BlockLength     uint32
}

// authVarHeader is AUTHENTICATED_VARIABLE_HEADER.
type authVarHeader struct {
	StartID        uint16
	State          uint8
	Reserved       uint8
	Attributes     uint32
	MonotonicCount uint64
	TimeStamp      [16]byte
	PubKeyIndex    uint32
	NameSize       uint32
	DataSize       uint32
	VendorGUID     [16]byte
}

type varMeta struct {
	count uint64
	time  [16]byte
	pk    uint32
}

// Edk2Store is a Store over the authenticated variable store of an EDK2
// firmware image. Changes stay in memory until Flush rewrites the image.
type Edk2Store struct {
	fs       afero.Fs
	filename string
	log      logr.Logger

	filedata []byte
	start    int
	end      int

	vars *MemStore
	meta map[efi.Key]varMeta
}

// OpenEdk2Store reads and parses the image at filename.
func OpenEdk2Store(fsys afero.Fs, filename string, logger logr.Logger) (*Edk2Store, error) {
	vs := &Edk2Store{
		fs:       fsys,
		filename: filename,
		log:      logger.WithName("edk2-varstore"),
		vars:     NewMemStore(),
		meta:     map[efi.Key]varMeta{},
	}

	vs.log.V(1).Info("reading raw edk2 varstore", "file", filename)

	data, err := afero.ReadFile(fsys, filename)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}

	vs.filedata = data

	if err := vs.parseVolume(); err != nil {
		return nil, err
	}

	if err := vs.parseVariables(); err != nil {
		return nil, err
	}

	return vs, nil
}

func findNvData(data []byte) int {
	offset := 0
	for offset+64 < len(data) {
		guid, _ := efi.GUIDFromBytesLE(data, offset+16)
		if guid == efi.SystemNvDataFvGUID {
			return offset
		}

		if guid == efi.FirmwareFileSystem2 {
			tlen := binary.LittleEndian.Uint64(data[offset+32 : offset+40])
			if tlen >= fvSearchStep && tlen < uint64(len(data)-offset) {
				offset += int(tlen)

				continue
			}
		}

		offset += fvSearchStep
	}

	return -1
}

func (vs *Edk2Store) parseVolume() error {
	offset := findNvData(vs.filedata)
	if offset < 0 {
		return fmt.Errorf("%s: varstore not found", vs.filename)
	}

	var hdr fvHeader
	if err := binary.Read(bytes.NewReader(vs.filedata[offset+fvHeaderOffset:]), binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("%s: reading volume header: %w", vs.filename, err)
	}

	vs.log.V(1).Info("firmware volume",
		"offset", offset, "vlen", hdr.Length, "rev", hdr.Revision,
		"blocks", hdr.NumBlocks, "blksize", hdr.BlockLength)

	if hdr.Signature != fvSignature {
		return fmt.Errorf("%s: not a firmware volume", vs.filename)
	}

	return vs.parseVarstore(offset + int(hdr.HeaderLength))
}

func (vs *Edk2Store) parseVarstore(start int) error {
	if start+varStoreHeaderLen > len(vs.filedata) {
		return fmt.Errorf("%s: varstore header truncated", vs.filename)
	}

	guid, _ := efi.GUIDFromBytesLE(vs.filedata, start)
	size := binary.LittleEndian.Uint32(vs.filedata[start+16 : start+20])
	storefmt := vs.filedata[start+20]
	state := vs.filedata[start+21]

	vs.log.V(1).Info("varstore", "guid", guid.String(), "size", size, "format", storefmt, "state", state)

	if guid != efi.AuthenticatedVariables {
		return fmt.Errorf("%s: unknown varstore guid %s", vs.filename, guid)
	}

	if storefmt != varStoreFormatted {
		return fmt.Errorf("%s: unknown varstore format 0x%x", vs.filename, storefmt)
	}

	if state != varStoreHealthy {
		return fmt.Errorf("%s: unknown varstore state 0x%x", vs.filename, state)
	}

	vs.start = start + varStoreHeaderLen
	vs.end = start + int(size)

	if vs.end > len(vs.filedata) || vs.end < vs.start {
		return fmt.Errorf("%s: varstore size 0x%x exceeds image", vs.filename, size)
	}

	return nil
}

func (vs *Edk2Store) parseVariables() error {
	pos := vs.start

	for pos+varHeaderLen <= vs.end {
		var hdr authVarHeader
		if err := binary.Read(bytes.NewReader(vs.filedata[pos:pos+varHeaderLen]), binary.LittleEndian, &hdr); err != nil {
			return err
		}

		if hdr.StartID != varStartID {
			break
		}

		next := pos + varHeaderLen + int(hdr.NameSize) + int(hdr.DataSize)
		if next > vs.end {
			return fmt.Errorf("%s: variable at 0x%x overruns the varstore", vs.filename, pos)
		}

		if hdr.State == varAdded {
			nameStart := pos + varHeaderLen
			dataStart := nameStart + int(hdr.NameSize)

			name, err := efi.DecodeName(vs.filedata[nameStart:dataStart])
			if err != nil {
				return fmt.Errorf("%s: variable name at 0x%x: %w", vs.filename, nameStart, err)
			}

			guid, _ := efi.GUIDFromBytesLE(hdr.VendorGUID[:], 0)

			v := &efi.Variable{
				Name:       name,
				GUID:       guid,
				Attributes: efi.Attributes(hdr.Attributes),
				Data:       bytes.Clone(vs.filedata[dataStart:next]),
			}

			vs.vars.vars = append(vs.vars.vars, v)
			vs.meta[v.Key()] = varMeta{count: hdr.MonotonicCount, time: hdr.TimeStamp, pk: hdr.PubKeyIndex}
		}

		pos = (next + 3) &^ 3
	}

	vs.log.V(1).Info("parsed variables", "count", vs.vars.Len(), "start", vs.start, "end", vs.end)

	return nil
}

func (vs *Edk2Store) Get(name string, guid efi.GUID, buf []byte) (efi.Attributes, int, error) {
	return vs.vars.Get(name, guid, buf)
}

func (vs *Edk2Store) NextName(name string, guid efi.GUID) (string, efi.GUID, error) {
	return vs.vars.NextName(name, guid)
}

// Set updates the in-memory variable list, refusing changes that would not
// fit the varstore region.
func (vs *Edk2Store) Set(name string, guid efi.GUID, attrs efi.Attributes, data []byte) error {
	deleting := len(data) == 0 || attrs&efi.AccessMask == 0

	if !deleting {
		used, err := vs.usedWith(name, guid, data)
		if err != nil {
			return err
		}

		if used > vs.end-vs.start {
			return fmt.Errorf("%s: %w", vs.filename, ErrOutOfResources)
		}
	}

	if err := vs.vars.Set(name, guid, attrs, data); err != nil {
		return err
	}

	if deleting {
		delete(vs.meta, efi.Key{Name: name, GUID: guid})
	}

	return nil
}

func recordSize(name string, data []byte) (int, error) {
	encoded, err := efi.EncodeName(name)
	if err != nil {
		return 0, err
	}

	return (varHeaderLen + len(encoded) + len(data) + 3) &^ 3, nil
}

func (vs *Edk2Store) usedWith(name string, guid efi.GUID, data []byte) (int, error) {
	used, err := recordSize(name, data)
	if err != nil {
		return 0, err
	}

	for _, v := range vs.vars.vars {
		if v.Name == name && v.GUID == guid {
			continue
		}

		size, err := recordSize(v.Name, v.Data)
		if err != nil {
			return 0, err
		}

		used += size
	}

	return used, nil
}

func (vs *Edk2Store) bytesVar(v *efi.Variable) ([]byte, error) {
	name, err := efi.EncodeName(v.Name)
	if err != nil {
		return nil, err
	}

	nsize, err := safecast.ToUint32(len(name))
	if err != nil {
		return nil, err
	}

	dsize, err := safecast.ToUint32(len(v.Data))
	if err != nil {
		return nil, err
	}

	meta := vs.meta[v.Key()]
	hdr := authVarHeader{
		StartID:        varStartID,
		State:          varAdded,
		Attributes:     uint32(v.Attributes),
		MonotonicCount: meta.count,
		TimeStamp:      meta.time,
		PubKeyIndex:    meta.pk,
		NameSize:       nsize,
		DataSize:       dsize,
	}
	copy(hdr.VendorGUID[:], v.GUID.BytesLE())

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	buf.Write(name)
	buf.Write(v.Data)

	for buf.Len()%4 != 0 {
		buf.WriteByte(0xff)
	}

	return buf.Bytes(), nil
}

// Bytes renders the full image with the current variables.
func (vs *Edk2Store) Bytes() ([]byte, error) {
	blob := bytes.Clone(vs.filedata[:vs.start])

	for _, v := range vs.vars.vars {
		rec, err := vs.bytesVar(v)
		if err != nil {
			return nil, err
		}

		blob = append(blob, rec...)
	}

	if len(blob) > vs.end {
		return nil, errors.New("varstore is too small")
	}

	for len(blob) < vs.end {
		blob = append(blob, 0xff)
	}

	return append(blob, vs.filedata[vs.end:]...), nil
}

// Flush writes the image back to its file.
func (vs *Edk2Store) Flush() error {
	blob, err := vs.Bytes()
	if err != nil {
		return err
	}

	vs.log.Info("writing raw edk2 varstore", "file", vs.filename, "variables", vs.vars.Len())

	if err := afero.WriteFile(vs.fs, vs.filename, blob, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", vs.filename, err)
	}

	vs.filedata = blob

	return nil
}
