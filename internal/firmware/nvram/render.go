package nvram

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/bmcpi/emunvram/internal/firmware/efi"
	"github.com/bmcpi/emunvram/internal/firmware/varstore"
)

const (
	initialBufferSize = 1 << 10
	base64LineLength  = 52

	documentHeader = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n" +
		"<!DOCTYPE plist PUBLIC \"-//Apple//DTD PLIST 1.0//EN\" \"http://www.apple.com/DTDs/PropertyList-1.0.dtd\">\n" +
		"<plist version=\"1.0\">\n" +
		"<dict>\n" +
		"\t<key>Add</key>\n" +
		"\t<dict>\n"
)

// growSize doubles size until it holds need. The doubling is checked, and a
// result above limit counts as overflow.
func growSize(size, need, limit int) (int, error) {
	for need > size {
		hi, lo := bits.Mul64(uint64(size), 2)
		if hi != 0 || lo > math.MaxInt || int(lo) > limit {
			return 0, fmt.Errorf("growing buffer past %d bytes: %w", size, ErrOutOfResources)
		}

		size = int(lo)
	}

	return size, nil
}

type renderer struct {
	bridge *Bridge
	limit  int

	data   []byte
	base64 []byte
	out    bytes.Buffer

	sectionGUID efi.GUID
	entry       *SchemaEntry
	present     bool
	section     bytes.Buffer
	count       int
	err         error
}

// RenderDocument serializes every live variable that the schema permits and
// that carries both runtime access and non-volatile attributes. Buffers grow
// from 1 KiB by doubling up to limit bytes; limit <= 0 means no cap.
func RenderDocument(b *Bridge, schema *Schema, version, limit int) ([]byte, int, error) {
	if limit <= 0 {
		limit = math.MaxInt
	}

	r := &renderer{
		bridge: b,
		limit:  limit,
		data:   make([]byte, initialBufferSize),
		base64: make([]byte, initialBufferSize),
	}

	r.out.WriteString(documentHeader)

	if schema != nil {
		for _, section := range schema.Sections {
			guid, entry, err := ResolveGuidSection(section.GUID, schema)
			if err != nil {
				b.Log.V(1).Info("skipping schema section", "guid", section.GUID, "err", err.Error())

				continue
			}

			if err := r.renderSection(guid, entry); err != nil {
				return nil, 0, err
			}
		}
	}

	fmt.Fprintf(&r.out, "\t</dict>\n\t<key>Version</key>\n\t<integer>%d</integer>\n</dict>\n</plist>\n", version)

	return r.out.Bytes(), r.count, nil
}

func (r *renderer) renderSection(guid efi.GUID, entry *SchemaEntry) error {
	r.sectionGUID = guid
	r.entry = entry
	r.present = false
	r.section.Reset()

	if err := r.bridge.EnumerateAll(r.visit); err != nil {
		if errors.Is(err, ErrAborted) && r.err != nil {
			return r.err
		}

		return err
	}

	if !r.present {
		return nil
	}

	fmt.Fprintf(&r.out, "\t\t<key>%s</key>\n\t\t<dict>\n", guid)
	r.out.Write(r.section.Bytes())
	r.out.WriteString("\t\t</dict>\n")

	return nil
}

func (r *renderer) visit(guid efi.GUID, name efi.VarName) Visit {
	if guid != r.sectionGUID {
		return VisitContinue
	}

	r.present = true
	log := r.bridge.Log.WithValues("guid", guid.String(), "name", name.String())

	if !IsNamePermitted(r.entry, name) {
		log.V(1).Info("saving variable is not permitted")

		return VisitContinue
	}

	attrs, size, err := r.read(name.String(), guid)
	if err != nil {
		r.err = err

		return VisitAbort
	}

	if !attrs.Has(efi.AttrRuntimeAccess) || !attrs.Has(efi.AttrNonVolatile) {
		log.V(1).Info("saving variable skipped due to attributes", "attributes", attrs.String())

		return VisitContinue
	}

	encodedLen := base64.StdEncoding.EncodedLen(size)
	if encodedLen > len(r.base64) {
		grown, err := growSize(len(r.base64), encodedLen, r.limit)
		if err != nil {
			r.err = err

			return VisitAbort
		}

		r.base64 = make([]byte, grown)
	}

	base64.StdEncoding.Encode(r.base64, r.data[:size])
	encoded := r.base64[:encodedLen]

	r.section.WriteString("\t\t\t<key>")
	_ = xml.EscapeText(&r.section, []byte(name.String()))
	r.section.WriteString("</key>\n\t\t\t<data>\n")

	for pos := 0; pos < len(encoded); pos += base64LineLength {
		end := min(pos+base64LineLength, len(encoded))

		r.section.WriteString("\t\t\t")
		r.section.Write(encoded[pos:end])
		r.section.WriteByte('\n')
	}

	r.section.WriteString("\t\t\t</data>\n")
	r.count++

	return VisitContinue
}

// read fetches the variable into r.data, growing it as needed.
func (r *renderer) read(name string, guid efi.GUID) (efi.Attributes, int, error) {
	for {
		attrs, size, err := r.bridge.Store.Get(name, guid, r.data)
		if err == nil {
			return attrs, size, nil
		}

		if !errors.Is(err, varstore.ErrBufferTooSmall) {
			return 0, 0, fmt.Errorf("reading %s:%s: %w", guid, name, err)
		}

		grown, err := growSize(len(r.data), size, r.limit)
		if err != nil {
			return 0, 0, err
		}

		r.data = make([]byte, grown)
	}
}
