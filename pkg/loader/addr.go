package loader

// An object's addresses live in three spaces:
//
//	LVA: linked virtual address, as recorded in the file, relative to
//	     the link-time base the file was built against.
//	RVA: relative virtual address, an offset from the start of the
//	     image.
//	MVA: mapped virtual address, the final address after the loader
//	     has placed the object in the unified address space.
//
// Translator converts between the three for one object. LVA/RVA
// conversions only need the link base and work during parsing; any
// conversion involving an MVA requires the object to have been placed
// first. Using one before placement is a bug in the caller and panics.
type Translator struct {
	linkBase   uint64
	mappedBase uint64
	placed     bool
}

// NewTranslator returns a Translator for an object linked at linkBase.
func NewTranslator(linkBase uint64) Translator {
	return Translator{linkBase: linkBase}
}

// LinkBase returns the address the object was linked against.
func (t *Translator) LinkBase() uint64 { return t.linkBase }

// MappedBase returns the address the loader placed the object at. It
// is only meaningful after placement.
func (t *Translator) MappedBase() uint64 { return t.mappedBase }

// Placed reports whether the object has been assigned a mapped base.
func (t *Translator) Placed() bool { return t.placed }

func (t *Translator) setMappedBase(base uint64) {
	if t.placed {
		panic("loader: mapped base assigned twice")
	}
	t.mappedBase = base
	t.placed = true
}

func (t *Translator) mustBePlaced() {
	if !t.placed {
		panic("loader: address translation before placement")
	}
}

// RVAToMVA translates an image offset to its final mapped address.
func (t *Translator) RVAToMVA(rva uint64) uint64 {
	t.mustBePlaced()
	return t.mappedBase + rva
}

// LVAToMVA translates a link-time address to its final mapped address.
func (t *Translator) LVAToMVA(lva uint64) uint64 {
	t.mustBePlaced()
	return t.mappedBase + (lva - t.linkBase)
}

// MVAToRVA is the inverse of RVAToMVA.
func (t *Translator) MVAToRVA(mva uint64) uint64 {
	t.mustBePlaced()
	return mva - t.mappedBase
}

// MVAToLVA is the inverse of LVAToMVA.
func (t *Translator) MVAToLVA(mva uint64) uint64 {
	t.mustBePlaced()
	return mva - t.mappedBase + t.linkBase
}

// LVAToRVA translates a link-time address to an image offset. It does
// not require placement.
func (t *Translator) LVAToRVA(lva uint64) uint64 {
	return lva - t.linkBase
}

// RVAToLVA translates an image offset to a link-time address. It does
// not require placement.
func (t *Translator) RVAToLVA(rva uint64) uint64 {
	return rva + t.linkBase
}
