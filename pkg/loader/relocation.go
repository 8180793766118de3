package loader

import (
	"github.com/binmap/binmap/pkg/logflags"
)

// RelocState tracks a relocation through the resolution protocol.
type RelocState uint8

const (
	RelocUnresolved RelocState = iota
	RelocResolved
	RelocFailed
)

func (s RelocState) String() string {
	switch s {
	case RelocResolved:
		return "resolved"
	case RelocFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Relocation is a single patch site in an object: an address to
// modify, an optional symbol to resolve against, and format-specific
// patch semantics. Implementations embed BaseReloc for the shared
// symbol-resolution protocol and override RebasedAddr and Apply where
// the format's conventions differ.
type Relocation interface {
	// Owner returns the object containing the patch site.
	Owner() Backend
	// Addr returns the patch site address within the owner, in the
	// format's recording convention (see RebasedAddr).
	Addr() uint64
	// Symbol returns the symbol this relocation binds, or nil for a
	// positional relocation.
	Symbol() *Symbol
	// ResolveWith returns the provider-name constraint, or "".
	ResolveWith() string
	// State returns the relocation's resolution state.
	State() RelocState
	// ResolvedBy returns the export the symbol was bound to, or nil.
	ResolvedBy() *Symbol
	// Value returns the resolved target MVA. Only meaningful while
	// State is RelocResolved.
	Value() uint64
	// RebasedAddr returns the patch site's final mapped address.
	RebasedAddr() uint64
	// Resolve binds the relocation's symbol against the candidate
	// objects and reports success. Candidates are consulted in order
	// and the first export with a matching name wins. When a
	// provider constraint is set, candidates whose Provides differs
	// are skipped unless bypass is set. Positional relocations
	// resolve trivially.
	Resolve(candidates []Backend, bypass bool) bool
	// Apply writes the patch into the owner's memory image. It is a
	// no-op unless the relocation is resolved.
	Apply() error
}

// BaseReloc carries the state machine and symbol lookup shared by all
// relocation variants. Its addresses default to the LVA convention;
// formats recording RVAs override RebasedAddr.
type BaseReloc struct {
	owner       Backend
	addr        uint64
	symbol      *Symbol
	resolveWith string
	state       RelocState
	resolvedBy  *Symbol
}

// NewBaseReloc returns a BaseReloc for a patch site at addr in owner.
// symbol may be nil for positional relocations; resolveWith constrains
// symbol lookup to objects providing that name.
func NewBaseReloc(owner Backend, symbol *Symbol, addr uint64, resolveWith string) BaseReloc {
	return BaseReloc{owner: owner, addr: addr, symbol: symbol, resolveWith: resolveWith}
}

func (r *BaseReloc) Owner() Backend      { return r.owner }
func (r *BaseReloc) Addr() uint64        { return r.addr }
func (r *BaseReloc) Symbol() *Symbol     { return r.symbol }
func (r *BaseReloc) ResolveWith() string { return r.resolveWith }
func (r *BaseReloc) State() RelocState   { return r.state }
func (r *BaseReloc) ResolvedBy() *Symbol { return r.resolvedBy }

// Value returns the mapped address of the export the relocation bound,
// or 0 while unbound.
func (r *BaseReloc) Value() uint64 {
	if r.state == RelocResolved && r.resolvedBy != nil {
		return r.resolvedBy.RebasedAddr()
	}
	return 0
}

// RebasedAddr assumes the patch address is an LVA.
func (r *BaseReloc) RebasedAddr() uint64 {
	return r.owner.LVAToMVA(r.addr)
}

// Resolve implements the shared lookup: filter candidates by provider
// constraint, then take the first export matching the symbol name.
func (r *BaseReloc) Resolve(candidates []Backend, bypass bool) bool {
	if r.symbol == nil {
		r.state = RelocResolved
		return true
	}
	for _, obj := range candidates {
		if r.resolveWith != "" && !bypass && obj.Provides() != r.resolveWith {
			continue
		}
		if sym := obj.ExportedSymbol(r.symbol.Name); sym != nil {
			r.resolvedBy = sym
			r.state = RelocResolved
			return true
		}
	}
	if logflags.Reloc() {
		logflags.RelocLogger().Debugf("could not resolve %s (wanted from %q)", r.symbol.Name, r.resolveWith)
	}
	r.state = RelocFailed
	return false
}

// Apply writes the bound symbol's mapped address into the patch slot
// as a pointer-sized little-or-big-endian word per the owner's
// architecture. Failed or unresolved relocations are left untouched.
func (r *BaseReloc) Apply() error {
	if r.state != RelocResolved || r.symbol == nil {
		return nil
	}
	a := r.owner.Arch()
	return r.owner.Memory().WritePtr(r.owner.MVAToRVA(r.RebasedAddr()), r.Value(), a.PtrSize, a.ByteOrder)
}
