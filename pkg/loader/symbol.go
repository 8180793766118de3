package loader

// SymKind classifies how a symbol relates to its owning object.
type SymKind uint8

const (
	// SymLocal is a symbol defined and used within one object.
	SymLocal SymKind = iota
	// SymImport is a reference to a symbol another object exports.
	// Its address is 0 until the matching relocation resolves.
	SymImport
	// SymExport is a symbol the object makes visible to others.
	SymExport
)

func (k SymKind) String() string {
	switch k {
	case SymImport:
		return "import"
	case SymExport:
		return "export"
	default:
		return "local"
	}
}

// SymType describes what a symbol's address refers to.
type SymType uint8

const (
	SymTypeNone SymType = iota
	SymTypeFunction
	SymTypeData
)

// AddrConv records which address space a recorded address is expressed
// in. Most formats record link-time addresses; PE records image
// offsets, so its backend tags everything AddrRVA.
type AddrConv uint8

const (
	// AddrLVA: the address is relative to the link-time base.
	AddrLVA AddrConv = iota
	// AddrRVA: the address is an offset from the image start.
	AddrRVA
)

// Symbol is a named entity at an address inside one object. The Owner
// field is a lookup-only back-reference; the object's symbol table is
// the owning container.
type Symbol struct {
	Owner Backend
	Name  string
	// Addr is the symbol's address in the space named by Conv.
	// It is 0 for unresolved imports.
	Addr uint64
	Size uint64
	Kind SymKind
	Type SymType
	Conv AddrConv
}

// RebasedAddr returns the symbol's final mapped address. The owner
// must have been placed.
func (s *Symbol) RebasedAddr() uint64 {
	if s.Conv == AddrRVA {
		return s.Owner.RVAToMVA(s.Addr)
	}
	return s.Owner.LVAToMVA(s.Addr)
}

// IsImport reports whether the symbol is an import.
func (s *Symbol) IsImport() bool { return s.Kind == SymImport }

// IsExport reports whether the symbol is an export.
func (s *Symbol) IsExport() bool { return s.Kind == SymExport }
