package pe

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	pefmt "debug/pe"

	"github.com/stretchr/testify/require"

	"github.com/binmap/binmap/pkg/loader"
)

// testImage describes the synthetic PE32 file built by buildImage. The
// image has a 0x200 byte header region and a single section mapped at
// RVA 0x1000 holding whichever data directories are enabled.
type testImage struct {
	imageBase uint32
	machine   uint16
	dllChar   uint16

	exports bool // exports "frobnicate" at RVA 0x1520
	imports bool // imports frobnicate + ordinal 7 from testlib.dll
	relocs  bool // HIGHLOW, HIGHADJ pair, ABSOLUTE, unknown type 9
	tls     bool // two callbacks then the zero terminator
}

const (
	testSectionRVA  = 0x1000
	testSectionOff  = 0x200
	testSectionSize = 0x1000
	testImageSize   = 0x2000

	exportFuncRVA = 0x1520
	iatSlotRVA    = 0x1260
	highlowRVA    = 0x1500
	highlowAddend = 0x1800
)

func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }
func put16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }

func buildImage(cfg testImage) []byte {
	if cfg.imageBase == 0 {
		cfg.imageBase = 0x400000
	}
	if cfg.machine == 0 {
		cfg.machine = 0x14c // i386
	}
	file := make([]byte, testSectionOff+testSectionSize)

	// DOS stub.
	copy(file, "MZ")
	put32(file, 0x3c, 0x40)
	copy(file[0x40:], "PE\x00\x00")

	// COFF file header.
	const fh = 0x44
	put16(file, fh+0, cfg.machine)
	put16(file, fh+2, 1)     // NumberOfSections
	put16(file, fh+16, 0xe0) // SizeOfOptionalHeader
	put16(file, fh+18, 0x0102)

	// Optional header (PE32).
	const oh = 0x58
	put16(file, oh+0, 0x10b)
	put32(file, oh+16, 0x1000) // AddressOfEntryPoint
	put32(file, oh+28, cfg.imageBase)
	put32(file, oh+32, 0x1000) // SectionAlignment
	put32(file, oh+36, 0x200)  // FileAlignment
	put32(file, oh+56, testImageSize)
	put32(file, oh+60, testSectionOff) // SizeOfHeaders
	put16(file, oh+70, cfg.dllChar)
	put32(file, oh+92, 16) // NumberOfRvaAndSizes

	dir := func(i int, va, size uint32) {
		put32(file, oh+96+8*i, va)
		put32(file, oh+96+8*i+4, size)
	}

	// Section header.
	const sh = 0x138
	copy(file[sh:], ".data\x00\x00\x00")
	put32(file, sh+8, testSectionSize)  // VirtualSize
	put32(file, sh+12, testSectionRVA)  // VirtualAddress
	put32(file, sh+16, testSectionSize) // SizeOfRawData
	put32(file, sh+20, testSectionOff)  // PointerToRawData
	put32(file, sh+36, 0xC0000040)      // initialized data, r/w

	sec := file[testSectionOff:]
	rva := func(off int) uint32 { return uint32(testSectionRVA + off) }

	if cfg.exports {
		dir(dirExport, rva(0x000), 0x100)
		put32(sec, 0x00c, rva(0x100)) // Name
		put32(sec, 0x010, 1)          // Base
		put32(sec, 0x014, 1)          // NumberOfFunctions
		put32(sec, 0x018, 1)          // NumberOfNames
		put32(sec, 0x01c, rva(0x028)) // AddressOfFunctions
		put32(sec, 0x020, rva(0x02c)) // AddressOfNames
		put32(sec, 0x024, rva(0x030)) // AddressOfNameOrdinals
		put32(sec, 0x028, exportFuncRVA)
		put32(sec, 0x02c, rva(0x110))
		put16(sec, 0x030, 0)
		copy(sec[0x100:], "testlib.dll\x00")
		copy(sec[0x110:], "frobnicate\x00")
	}

	if cfg.imports {
		dir(dirImport, rva(0x200), 0x28)
		put32(sec, 0x200, rva(0x240)) // OriginalFirstThunk
		put32(sec, 0x20c, rva(0x300)) // Name
		put32(sec, 0x210, rva(0x260)) // FirstThunk
		// Name thunks: hint/name entry, ordinal 7, terminator.
		put32(sec, 0x240, rva(0x310))
		put32(sec, 0x244, 0x80000007)
		put32(sec, 0x248, 0)
		// IAT slots mirror the name thunks.
		put32(sec, 0x260, rva(0x310))
		put32(sec, 0x264, 0x80000007)
		put32(sec, 0x268, 0)
		copy(sec[0x300:], "testlib.dll\x00")
		copy(sec[0x312:], "frobnicate\x00") // 2-byte hint at 0x310
	}

	if cfg.relocs {
		const blockSize = 8 + 2*5
		dir(dirBaseReloc, rva(0x400), blockSize)
		put32(sec, 0x400, testSectionRVA) // page RVA
		put32(sec, 0x404, blockSize)
		put16(sec, 0x408, 3<<12|(highlowRVA-testSectionRVA)) // HIGHLOW
		put16(sec, 0x40a, 4<<12|0x600)                       // HIGHADJ
		put16(sec, 0x40c, 0x602)                             // HIGHADJ pair operand
		put16(sec, 0x40e, 0)                                 // ABSOLUTE padding
		put16(sec, 0x410, 9<<12|0x700)                       // unimplemented type
		// HIGHLOW patch site holds an absolute linked address.
		put32(sec, highlowRVA-testSectionRVA, cfg.imageBase+highlowAddend)
	}

	if cfg.tls {
		dir(dirTLS, rva(0x480), 24)
		put32(sec, 0x480, cfg.imageBase+0x1700) // StartAddressOfRawData
		put32(sec, 0x484, cfg.imageBase+0x1710) // EndAddressOfRawData
		put32(sec, 0x488, cfg.imageBase+0x1720) // AddressOfIndex
		put32(sec, 0x48c, cfg.imageBase+0x1730) // AddressOfCallBacks
		put32(sec, 0x490, 0x20)                 // SizeOfZeroFill
		put32(sec, 0x730, cfg.imageBase+0x1600)
		put32(sec, 0x734, cfg.imageBase+0x1610)
		put32(sec, 0x738, 0)
	}

	return file
}

func openImage(t *testing.T, cfg testImage, opts loader.OpenOptions) *PE {
	t.Helper()
	raw := buildImage(cfg)
	f, err := pefmt.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()
	p, err := New(f, raw, "", opts)
	require.NoError(t, err)
	return p
}

func TestProbe(t *testing.T) {
	raw := buildImage(testImage{})
	require.True(t, Probe(raw))
	require.False(t, Probe([]byte("MZ too short")))
	require.False(t, Probe([]byte("\x7fELF garbage that is long enough to have a header")))

	// An e_lfanew pointing outside the prefix must not be chased.
	bad := append([]byte{}, raw...)
	put32(bad, 0x3c, 0x5000)
	require.False(t, Probe(bad))
}

func TestBasicHeader(t *testing.T) {
	p := openImage(t, testImage{dllChar: dllCharacteristicsNXCompat}, loader.OpenOptions{MainBinary: true})
	require.Equal(t, uint64(0x400000), p.LinkBase())
	require.Equal(t, uint64(testImageSize), p.ImageSize())
	require.Equal(t, uint64(0x401000), p.EntryPoint(), "entry point should be recorded as an LVA")
	require.Equal(t, "i386", p.Arch().Name)
	require.True(t, p.SupportsNX())
	require.Equal(t, "", p.Provides(), "main binary provides nothing")
	require.False(t, p.Is64())

	require.Len(t, p.Sections(), 1)
	sec := p.Section(".data")
	require.NotNil(t, sec)
	require.Equal(t, uint64(testSectionRVA), sec.VirtAddr)
	require.True(t, sec.Readable)
	require.True(t, sec.Writable)
	require.False(t, sec.Executable)
}

func TestNoNXWithoutCharacteristic(t *testing.T) {
	p := openImage(t, testImage{}, loader.OpenOptions{MainBinary: true})
	require.False(t, p.SupportsNX())
}

func TestExports(t *testing.T) {
	p := openImage(t, testImage{exports: true}, loader.OpenOptions{Provides: "testlib.dll"})
	sym := p.ExportedSymbol("frobnicate")
	require.NotNil(t, sym)
	require.Equal(t, uint64(exportFuncRVA), sym.Addr)
	require.Equal(t, loader.SymExport, sym.Kind)
	require.Nil(t, p.ExportedSymbol("missing"))
	require.Equal(t, "testlib.dll", p.Provides())
}

func TestImports(t *testing.T) {
	p := openImage(t, testImage{imports: true}, loader.OpenOptions{MainBinary: true})
	require.Equal(t, []string{"testlib.dll"}, p.Dependencies())

	imps := p.ImportRelocations()
	require.Len(t, imps, 2)

	r := imps["frobnicate"]
	require.NotNil(t, r)
	require.Equal(t, "testlib.dll", r.ResolveWith())
	require.Equal(t, uint64(iatSlotRVA), r.Addr())
	require.Equal(t, loader.RelocUnresolved, r.State())
	require.Equal(t, loader.SymImport, r.Symbol().Kind)
	require.Equal(t, uint64(0), r.Symbol().Addr)

	ord := imps[ImportNameForOrdinal("testlib.dll", 7)]
	require.NotNil(t, ord, "ordinal-only imports get a synthetic name")
	require.Equal(t, uint64(iatSlotRVA+4), ord.Addr())
}

func TestBaseRelocParsing(t *testing.T) {
	p := openImage(t, testImage{relocs: true}, loader.OpenOptions{MainBinary: true})

	// Five table entries, but the HIGHADJ pair collapses into one
	// relocation: HIGHLOW, HIGHADJ, ABSOLUTE, unknown.
	relocs := p.Relocations()
	require.Len(t, relocs, 4)

	wr := relocs[0].(*WinReloc)
	kind, ok := wr.Kind()
	require.True(t, ok)
	require.Equal(t, uint16(imageRelBasedHighLow), kind)
	require.Equal(t, uint64(highlowRVA), wr.Addr())

	adj := relocs[1].(*WinReloc)
	kind, _ = adj.Kind()
	require.Equal(t, uint16(imageRelBasedHighAdj), kind)
	require.Equal(t, uint64(testSectionRVA+0x600), adj.Addr())
	require.Equal(t, uint64(testSectionRVA+0x602), adj.nextRVA)

	unk := relocs[3].(*WinReloc)
	require.True(t, unk.Unsupported())
	require.False(t, wr.Unsupported())
}

func TestHighlowPatch(t *testing.T) {
	// Scenario: the image wants 0x400000 but something already owns
	// that range, so it gets bumped and every HIGHLOW site must be
	// rewritten to the new base.
	blocker := loader.NewObject("", nil, 0x400000, 0x10000)
	p := openImage(t, testImage{relocs: true}, loader.OpenOptions{MainBinary: true})

	ld := loader.New(loader.Options{})
	ld.AddObject(blocker)
	base := ld.AddObject(p)
	require.Equal(t, uint64(0x410000), base)
	ld.ResolveRelocations()

	got, err := p.Memory().ReadUint32(highlowRVA, binary.LittleEndian)
	require.NoError(t, err)
	want := uint32((base + highlowAddend) & 0xffffffff)
	require.Equal(t, want, got)
}

func TestHighlowPatchIdentityWhenUnmoved(t *testing.T) {
	p := openImage(t, testImage{relocs: true}, loader.OpenOptions{MainBinary: true})
	ld := loader.New(loader.Options{})
	ld.AddObject(p)
	ld.ResolveRelocations()

	got, err := p.Memory().ReadUint32(highlowRVA, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint32(0x400000+highlowAddend), got)
}

func TestTLS(t *testing.T) {
	p := openImage(t, testImage{tls: true}, loader.OpenOptions{MainBinary: true})
	tls := p.TLS()
	require.NotNil(t, tls)
	require.Equal(t, uint64(0x401700), tls.DataStart)
	require.Equal(t, uint64(0x10), tls.DataSize)
	require.Equal(t, uint64(0x401720), tls.IndexAddr)
	require.Equal(t, uint64(0x20), tls.ZeroFillSize)
	require.Equal(t, []uint64{0x1600, 0x1610}, tls.Callbacks,
		"scan stops at the zero word and stores RVAs")
}

func TestImportBindingEndToEnd(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.exe")
	libPath := filepath.Join(dir, "TESTLIB.DLL") // case differs from the import table

	require.NoError(t, os.WriteFile(mainPath, buildImage(testImage{imports: true}), 0o644))
	require.NoError(t, os.WriteFile(libPath, buildImage(testImage{exports: true}), 0o644))

	ld := loader.New(loader.Options{
		Formats:      []loader.Format{Format()},
		AutoLoadLibs: true,
	})
	main, err := ld.Load(mainPath)
	require.NoError(t, err)
	require.Len(t, ld.Objects(), 2)

	lib := ld.Objects()[1]
	require.Equal(t, "TESTLIB.DLL", lib.Provides())
	// Both images prefer 0x400000; the library is displaced above
	// the main binary, which keeps its link base.
	require.Equal(t, uint64(0x400000), main.MappedBase())
	require.Equal(t, main.MaxMappedAddr(), lib.MappedBase())

	r := main.ImportRelocations()["frobnicate"]
	require.Equal(t, loader.RelocFailed, r.State(),
		"strict provider matching must not bind across a case-different name")

	// Retry leniently: the export binds and the IAT slot is patched
	// with the exporter's mapped address.
	ld2 := loader.New(loader.Options{
		Formats:       []loader.Format{Format()},
		AutoLoadLibs:  true,
		LenientLookup: true,
	})
	main2, err := ld2.Load(mainPath)
	require.NoError(t, err)
	lib2 := ld2.Objects()[1]

	r2 := main2.ImportRelocations()["frobnicate"]
	require.Equal(t, loader.RelocResolved, r2.State())
	require.Equal(t, lib2.RVAToMVA(exportFuncRVA), r2.Value())

	slot, err := main2.Memory().ReadUint32(iatSlotRVA, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint32(lib2.RVAToMVA(exportFuncRVA)), slot)

	// The ordinal import has no exporter anywhere; it stays failed
	// and is reported, not raised.
	ord := main2.ImportRelocations()[ImportNameForOrdinal("testlib.dll", 7)]
	require.Equal(t, loader.RelocFailed, ord.State())
	require.Contains(t, ld2.Unresolved(), ord)
}

func TestRebasedAddrUsesRVA(t *testing.T) {
	p := openImage(t, testImage{exports: true}, loader.OpenOptions{Provides: "testlib.dll"})
	ld := loader.New(loader.Options{})
	ld.AddObject(p)

	sym := p.ExportedSymbol("frobnicate")
	require.Equal(t, p.MappedBase()+exportFuncRVA, sym.RebasedAddr())
}
