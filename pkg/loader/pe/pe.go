// Package pe implements the Windows PE backend: it decodes an image
// with debug/pe, walks its data directories, and populates the shared
// loader object model. Addresses in PE files are almost always RVAs
// relative to the image base, so the backend's symbols and relocations
// rebase through the RVA path rather than the generic LVA default.
package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"

	pefmt "debug/pe"

	"github.com/binmap/binmap/pkg/arch"
	"github.com/binmap/binmap/pkg/loader"
	"github.com/binmap/binmap/pkg/logflags"
)

// Data directory slots of the optional header.
const (
	dirExport    = 0
	dirImport    = 1
	dirBaseReloc = 5
	dirTLS       = 9
)

// Section characteristic bits.
const (
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnMemWrite   = 0x80000000
)

// dllCharacteristicsNXCompat marks an image built with /NXCOMPAT.
const dllCharacteristicsNXCompat = 0x0100

var errNoOptionalHeader = errors.New("image has no optional header")

// PE is the backend for a Windows binary.
type PE struct {
	*loader.Object

	machine            uint16
	dllCharacteristics uint16
	is64               bool
	ordinalFlag        uint64
	dataDirs           []pefmt.DataDirectory

	log logflags.Logger
}

// Format returns the loader.Format entry for PE images.
func Format() loader.Format {
	return loader.Format{Name: "pe", Probe: Probe, Open: Open}
}

// Probe reports whether prefix identifies a PE image. It answers from
// the header prefix alone: an MZ stub whose e_lfanew pointer lands on
// a PE\0\0 signature inside the prefix.
func Probe(prefix []byte) bool {
	if len(prefix) <= 0x40 || !bytes.HasPrefix(prefix, []byte("MZ")) {
		return false
	}
	peptr := binary.LittleEndian.Uint32(prefix[0x3c:0x40])
	if int64(peptr)+4 > int64(len(prefix)) {
		return false
	}
	return bytes.Equal(prefix[peptr:peptr+4], []byte("PE\x00\x00"))
}

// Open decodes the file at path into a PE backend. The returned object
// is fully parsed but not yet placed; all recorded addresses are
// LVA/RVA.
func Open(path string, opts loader.OpenOptions) (loader.Backend, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := pefmt.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f, data, path, opts)
}

// New builds a PE backend from an already-decoded file and its raw
// bytes. path may be "" for images not read from disk.
func New(f *pefmt.File, raw []byte, path string, opts loader.OpenOptions) (*PE, error) {
	cpu := opts.Arch
	if cpu == nil {
		var err error
		cpu, err = arch.FromPEMachine(f.Machine)
		if err != nil {
			return nil, err
		}
	}

	var (
		imageBase     uint64
		entryRVA      uint32
		sizeOfImage   uint32
		sizeOfHeaders uint32
		dllChar       uint16
		dataDirs      []pefmt.DataDirectory
		is64          bool
	)
	switch oh := f.OptionalHeader.(type) {
	case *pefmt.OptionalHeader32:
		imageBase = uint64(oh.ImageBase)
		entryRVA = oh.AddressOfEntryPoint
		sizeOfImage = oh.SizeOfImage
		sizeOfHeaders = oh.SizeOfHeaders
		dllChar = oh.DllCharacteristics
		dataDirs = oh.DataDirectory[:]
	case *pefmt.OptionalHeader64:
		imageBase = oh.ImageBase
		entryRVA = oh.AddressOfEntryPoint
		sizeOfImage = oh.SizeOfImage
		sizeOfHeaders = oh.SizeOfHeaders
		dllChar = oh.DllCharacteristics
		dataDirs = oh.DataDirectory[:]
		is64 = true
	default:
		return nil, errNoOptionalHeader
	}

	p := &PE{
		Object:             loader.NewObject(path, cpu, imageBase, uint64(sizeOfImage)),
		machine:            f.Machine,
		dllCharacteristics: dllChar,
		is64:               is64,
		ordinalFlag:        1 << 31,
		dataDirs:           dataDirs,
		log:                logflags.PELogger(),
	}
	if is64 {
		p.ordinalFlag = 1 << 63
	}
	p.SetEntryPoint(p.RVAToLVA(uint64(entryRVA)))
	if !opts.MainBinary {
		provides := opts.Provides
		if provides == "" && path != "" {
			provides = filepath.Base(path)
		}
		p.SetProvides(provides)
	}

	if err := p.Memory().AddBacker(0, mapImage(f, raw, sizeOfImage, sizeOfHeaders)); err != nil {
		return nil, err
	}

	if err := p.parseImports(); err != nil {
		return nil, err
	}
	if err := p.parseExports(); err != nil {
		return nil, err
	}
	p.parseBaseRelocs()
	p.parseTLS()
	p.registerSections(f)

	return p, nil
}

// mapImage lays the file out the way the OS loader would: headers at
// offset 0, each section's raw data at its virtual address, the rest
// zero filled.
func mapImage(f *pefmt.File, raw []byte, sizeOfImage, sizeOfHeaders uint32) []byte {
	image := make([]byte, sizeOfImage)
	n := uint64(sizeOfHeaders)
	if n > uint64(len(raw)) {
		n = uint64(len(raw))
	}
	if n > uint64(len(image)) {
		n = uint64(len(image))
	}
	copy(image, raw[:n])
	for _, s := range f.Sections {
		if s.Offset == 0 || s.Size == 0 {
			continue
		}
		end := uint64(s.Offset) + uint64(s.Size)
		if end > uint64(len(raw)) {
			end = uint64(len(raw))
		}
		if uint64(s.VirtualAddress) >= uint64(len(image)) {
			continue
		}
		copy(image[s.VirtualAddress:], raw[s.Offset:end])
	}
	return image
}

// SupportsNX reports whether the image was linked with /NXCOMPAT.
func (p *PE) SupportsNX() bool {
	return p.dllCharacteristics&dllCharacteristicsNXCompat != 0
}

// Machine returns the COFF machine-type code.
func (p *PE) Machine() uint16 { return p.machine }

// Is64 reports whether the image is PE32+.
func (p *PE) Is64() bool { return p.is64 }

func (p *PE) registerSections(f *pefmt.File) {
	for _, s := range f.Sections {
		p.AddSection(&loader.Section{
			Name:       s.Name,
			FileAddr:   uint64(s.Offset),
			VirtAddr:   uint64(s.VirtualAddress),
			VirtSize:   uint64(s.VirtualSize),
			Readable:   s.Characteristics&scnMemRead != 0,
			Writable:   s.Characteristics&scnMemWrite != 0,
			Executable: s.Characteristics&scnMemExecute != 0,
		})
	}
}

// ImportNameForOrdinal builds the synthetic symbol name used for
// imports that carry only an ordinal number.
func ImportNameForOrdinal(dll string, ordinal uint64) string {
	return fmt.Sprintf("%s.ordinal_import.%d", dll, ordinal)
}

var _ loader.Backend = (*PE)(nil)
