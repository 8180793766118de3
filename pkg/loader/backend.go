package loader

import (
	"github.com/binmap/binmap/pkg/arch"
)

// Backend is the format-agnostic view of one loaded binary image.
// Format packages construct a concrete backend around an embedded
// Object, which supplies everything here except format-specific
// behavior such as SupportsNX.
type Backend interface {
	// Binary returns the path the object was loaded from, or "" for
	// synthetic objects.
	Binary() string
	// Provides returns the name dependents use to bind against this
	// object, or "" (the main binary provides nothing).
	Provides() string
	// Arch returns the object's CPU architecture.
	Arch() *arch.Arch
	// EntryPoint returns the entry point as an LVA.
	EntryPoint() uint64
	// ImageSize returns the extent of the mapped image in bytes.
	ImageSize() uint64

	// LinkBase returns the address the file was linked against.
	LinkBase() uint64
	// MappedBase returns the base assigned at placement.
	MappedBase() uint64
	// Placed reports whether the loader has placed the object.
	Placed() bool
	// MinMappedAddr and MaxMappedAddr bound the placed image.
	MinMappedAddr() uint64
	MaxMappedAddr() uint64

	// Address translation; see Translator.
	RVAToMVA(rva uint64) uint64
	LVAToMVA(lva uint64) uint64
	MVAToRVA(mva uint64) uint64
	MVAToLVA(mva uint64) uint64
	LVAToRVA(lva uint64) uint64
	RVAToLVA(rva uint64) uint64

	// ExportedSymbol looks up an export by exact name; it returns
	// nil for imports, locals and unknown names.
	ExportedSymbol(name string) *Symbol
	// ExportedSymbols returns the export table.
	ExportedSymbols() map[string]*Symbol
	// Symbols returns every symbol the object declares, by name.
	Symbols() map[string]*Symbol
	// Relocations returns the object's relocations in table order.
	Relocations() []Relocation
	// ImportRelocations returns the import-bound relocations by
	// imported name.
	ImportRelocations() map[string]Relocation
	// Dependencies returns the dependency names in import order.
	Dependencies() []string
	// Sections returns the object's sections in table order.
	Sections() []*Section
	// Section returns the named section, or nil.
	Section(name string) *Section
	// Memory returns the object's byte image.
	Memory() *Memory
	// TLS returns the thread-local storage descriptor, or nil.
	TLS() *TLSDescriptor
	// SupportsNX reports whether the image opts in to
	// no-execute protection.
	SupportsNX() bool

	// setMappedBase is called exactly once by the loader during
	// placement; it finalizes section addressing.
	setMappedBase(base uint64)
}

// Object is the embeddable state shared by all backends. Format
// packages populate it during parsing with the Add/Set methods and get
// the Backend surface for free.
type Object struct {
	Translator

	binary   string
	provides string
	cpu      *arch.Arch

	entry     uint64
	imageSize uint64

	sections   []*Section
	sectionMap map[string]*Section
	symbols    map[string]*Symbol
	exports    map[string]*Symbol
	relocs     []Relocation
	imports    map[string]Relocation
	deps       []string
	tls        *TLSDescriptor
	mem        Memory

	sectionsRemapped bool
}

// NewObject returns an Object for a file linked at linkBase whose
// mapped image spans imageSize bytes.
func NewObject(binary string, cpu *arch.Arch, linkBase, imageSize uint64) *Object {
	return &Object{
		Translator: NewTranslator(linkBase),
		binary:     binary,
		cpu:        cpu,
		imageSize:  imageSize,
		sectionMap: make(map[string]*Section),
		symbols:    make(map[string]*Symbol),
		exports:    make(map[string]*Symbol),
		imports:    make(map[string]Relocation),
	}
}

func (o *Object) Binary() string     { return o.binary }
func (o *Object) Provides() string   { return o.provides }
func (o *Object) Arch() *arch.Arch   { return o.cpu }
func (o *Object) EntryPoint() uint64 { return o.entry }
func (o *Object) ImageSize() uint64  { return o.imageSize }

// MinMappedAddr returns the lowest address of the placed image.
func (o *Object) MinMappedAddr() uint64 { return o.MappedBase() }

// MaxMappedAddr returns one past the highest address of the placed
// image.
func (o *Object) MaxMappedAddr() uint64 { return o.MappedBase() + o.imageSize }

func (o *Object) ExportedSymbol(name string) *Symbol { return o.exports[name] }

func (o *Object) ExportedSymbols() map[string]*Symbol { return o.exports }

func (o *Object) Symbols() map[string]*Symbol { return o.symbols }

func (o *Object) Relocations() []Relocation { return o.relocs }

func (o *Object) ImportRelocations() map[string]Relocation { return o.imports }

func (o *Object) Dependencies() []string { return o.deps }

func (o *Object) Sections() []*Section { return o.sections }

func (o *Object) Section(name string) *Section { return o.sectionMap[name] }

func (o *Object) Memory() *Memory { return &o.mem }

func (o *Object) TLS() *TLSDescriptor { return o.tls }

// SupportsNX is false unless a format backend overrides it.
func (o *Object) SupportsNX() bool { return false }

// setMappedBase finalizes placement: the translator gains its mapped
// base and section addresses are remapped from RVA to MVA.
func (o *Object) setMappedBase(base uint64) {
	o.Translator.setMappedBase(base)
	if !o.sectionsRemapped {
		for _, s := range o.sections {
			s.VirtAddr += base
		}
		o.sectionsRemapped = true
	}
}

//
// Construction helpers for format backends.
//

// SetProvides sets the name dependents bind against.
func (o *Object) SetProvides(name string) { o.provides = name }

// SetArch sets the object's architecture; used when the caller forces
// one instead of deriving it from the machine-type field.
func (o *Object) SetArch(cpu *arch.Arch) { o.cpu = cpu }

// SetEntryPoint records the entry point as an LVA.
func (o *Object) SetEntryPoint(lva uint64) { o.entry = lva }

// SetImageSize overrides the mapped extent.
func (o *Object) SetImageSize(n uint64) { o.imageSize = n }

// AddDependency appends a dependency name, keeping import order and
// dropping duplicates.
func (o *Object) AddDependency(name string) {
	for _, d := range o.deps {
		if d == name {
			return
		}
	}
	o.deps = append(o.deps, name)
}

// AddSection appends a parsed section.
func (o *Object) AddSection(s *Section) {
	o.sections = append(o.sections, s)
	o.sectionMap[s.Name] = s
}

// AddSymbol records a symbol in the object's symbol table, and in the
// export table when it is an export.
func (o *Object) AddSymbol(s *Symbol) {
	o.symbols[s.Name] = s
	if s.Kind == SymExport {
		o.exports[s.Name] = s
	}
}

// AddRelocation appends a relocation in table order.
func (o *Object) AddRelocation(r Relocation) {
	o.relocs = append(o.relocs, r)
}

// AddImport records an import-bound relocation under the imported
// name; the relocation is also appended to the relocation table.
func (o *Object) AddImport(name string, r Relocation) {
	o.imports[name] = r
	o.relocs = append(o.relocs, r)
}

// SetTLS records the thread-local storage descriptor.
func (o *Object) SetTLS(t *TLSDescriptor) { o.tls = t }
