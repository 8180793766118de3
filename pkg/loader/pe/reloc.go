package pe

import (
	"github.com/binmap/binmap/pkg/loader"
	"github.com/binmap/binmap/pkg/logflags"
)

// Base relocation type codes.
const (
	imageRelBasedAbsolute = 0
	imageRelBasedHighLow  = 3
	imageRelBasedHighAdj  = 4
	imageRelBasedDir64    = 10
)

// WinReloc is a relocation in a PE image. Two families share it:
// import-bound relocations, which carry a symbol and patch an IAT slot
// once the symbol binds, and positional base relocations, which carry
// a type code and rewrite an absolute address embedded in the image.
// PE records patch addresses as RVAs, so both RebasedAddr and the
// patch offsets use the RVA path.
type WinReloc struct {
	loader.BaseReloc

	kind    uint16
	hasKind bool
	// nextRVA is the second table entry consumed by a HIGHADJ pair.
	nextRVA uint64

	log logflags.Logger
}

func newImportReloc(owner loader.Backend, sym *loader.Symbol, slotRVA uint64, dll string) *WinReloc {
	return &WinReloc{
		BaseReloc: loader.NewBaseReloc(owner, sym, slotRVA, dll),
		log:       logflags.RelocLogger(),
	}
}

func newBaseReloc(owner loader.Backend, rva uint64, kind uint16, nextRVA uint64) *WinReloc {
	return &WinReloc{
		BaseReloc: loader.NewBaseReloc(owner, nil, rva, ""),
		kind:      kind,
		hasKind:   true,
		nextRVA:   nextRVA,
		log:       logflags.RelocLogger(),
	}
}

// Kind returns the base-relocation type code and whether one is
// present (import-bound relocations have none).
func (r *WinReloc) Kind() (uint16, bool) { return r.kind, r.hasKind }

// Unsupported reports whether the relocation carries a type code this
// backend knows about but cannot patch.
func (r *WinReloc) Unsupported() bool {
	if !r.hasKind {
		return false
	}
	switch r.kind {
	case imageRelBasedAbsolute, imageRelBasedHighLow, imageRelBasedDir64:
		return false
	}
	return true
}

// RebasedAddr returns the patch site's mapped address. PE records the
// address as an RVA, unlike the generic LVA default.
func (r *WinReloc) RebasedAddr() uint64 {
	return r.Owner().RVAToMVA(r.Addr())
}

// Apply patches the owner's memory image. Import-bound relocations
// write the bound export's mapped address into the IAT slot; failed or
// unresolved ones leave the slot untouched. Positional relocations
// dispatch on the type code; unimplemented codes are logged and
// skipped, never guessed at.
func (r *WinReloc) Apply() error {
	owner := r.Owner()
	mem := owner.Memory()
	bo := owner.Arch().ByteOrder

	if r.Symbol() != nil {
		if r.State() != loader.RelocResolved {
			return nil
		}
		return mem.WritePtr(r.Addr(), r.Value(), owner.Arch().PtrSize, bo)
	}

	switch r.kind {
	case imageRelBasedAbsolute:
		// Padding entry; no patch.
		return nil
	case imageRelBasedHighLow:
		org, err := mem.ReadUint32(r.Addr(), bo)
		if err != nil {
			return err
		}
		rebased := owner.LVAToMVA(uint64(org))
		return mem.WriteUint32(r.Addr(), uint32(rebased), bo)
	case imageRelBasedDir64:
		org, err := mem.ReadUint64(r.Addr(), bo)
		if err != nil {
			return err
		}
		return mem.WriteUint64(r.Addr(), owner.LVAToMVA(org), bo)
	case imageRelBasedHighAdj:
		// Both table entries were consumed during parsing; the
		// adjustment arithmetic itself is not implemented.
		r.log.Warnf("skipping HIGHADJ relocation at rva %#x (pair rva %#x)", r.Addr(), r.nextRVA)
		return nil
	default:
		r.log.Warnf("PE contains unimplemented relocation type %d at rva %#x", r.kind, r.Addr())
		return nil
	}
}

var _ loader.Relocation = (*WinReloc)(nil)
