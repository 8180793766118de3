package pe

import (
	"github.com/binmap/binmap/pkg/loader"
)

// importDescriptor is one IMAGE_IMPORT_DESCRIPTOR record. The import
// directory is an array of these, terminated by an all-zero record.
type importDescriptor struct {
	originalFirstThunk uint32
	timeDateStamp      uint32
	forwarderChain     uint32
	name               uint32
	firstThunk         uint32
}

const importDescriptorSize = 20

func (p *PE) readImportDescriptor(off uint64) (importDescriptor, error) {
	var d importDescriptor
	bo := p.Arch().ByteOrder
	mem := p.Memory()
	var err error
	for i, field := range []*uint32{&d.originalFirstThunk, &d.timeDateStamp, &d.forwarderChain, &d.name, &d.firstThunk} {
		*field, err = mem.ReadUint32(off+uint64(i)*4, bo)
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

// parseImports builds the dependency list and one Symbol/Relocation
// pair per imported name. Every import relocation is constrained to
// resolve against the dependency that declared it.
func (p *PE) parseImports() error {
	dir := p.dataDirs[dirImport]
	if dir.VirtualAddress == 0 {
		return nil
	}
	mem := p.Memory()
	bo := p.Arch().ByteOrder
	ptrSize := p.Arch().PtrSize

	off := uint64(dir.VirtualAddress)
	for {
		desc, err := p.readImportDescriptor(off)
		if err != nil {
			p.log.Warnf("import directory truncated at %#x: %v", off, err)
			return nil
		}
		if desc.originalFirstThunk == 0 && desc.name == 0 && desc.firstThunk == 0 {
			return nil
		}
		off += importDescriptorSize

		dll, err := mem.CString(uint64(desc.name))
		if err != nil {
			p.log.Warnf("unreadable import dll name at rva %#x: %v", desc.name, err)
			continue
		}
		p.AddDependency(dll)

		// The original (unbound) thunk array names the imports;
		// the first thunk array is the IAT the loader patches.
		// Some linkers omit the original array.
		nameThunk := uint64(desc.originalFirstThunk)
		if nameThunk == 0 {
			nameThunk = uint64(desc.firstThunk)
		}
		for i := uint64(0); ; i++ {
			val, err := mem.ReadPtr(nameThunk+i*uint64(ptrSize), ptrSize, bo)
			if err != nil {
				p.log.Warnf("import thunks for %s truncated: %v", dll, err)
				break
			}
			if val == 0 {
				break
			}
			var name string
			if val&p.ordinalFlag != 0 {
				name = ImportNameForOrdinal(dll, val&0xffff)
			} else {
				// Past the 2-byte hint field of the
				// hint/name entry.
				name, err = mem.CString((val &^ p.ordinalFlag) + 2)
				if err != nil {
					p.log.Warnf("unreadable import name for %s: %v", dll, err)
					continue
				}
			}
			sym := &loader.Symbol{
				Owner: p,
				Name:  name,
				Size:  uint64(ptrSize),
				Kind:  loader.SymImport,
				Type:  loader.SymTypeFunction,
				Conv:  loader.AddrRVA,
			}
			p.AddSymbol(sym)
			slot := uint64(desc.firstThunk) + i*uint64(ptrSize)
			p.AddImport(name, newImportReloc(p, sym, slot, dll))
		}
	}
}

// exportDirectory is the IMAGE_EXPORT_DIRECTORY header.
type exportDirectory struct {
	name                  uint32
	base                  uint32
	numberOfFunctions     uint32
	numberOfNames         uint32
	addressOfFunctions    uint32
	addressOfNames        uint32
	addressOfNameOrdinals uint32
}

// parseExports fills the export table with one Symbol per exported
// name, addressed by RVA.
func (p *PE) parseExports() error {
	dir := p.dataDirs[dirExport]
	if dir.VirtualAddress == 0 {
		return nil
	}
	mem := p.Memory()
	bo := p.Arch().ByteOrder
	off := uint64(dir.VirtualAddress)

	var d exportDirectory
	var err error
	// Skip Characteristics, TimeDateStamp and the version pair.
	for i, field := range []*uint32{&d.name, &d.base, &d.numberOfFunctions, &d.numberOfNames, &d.addressOfFunctions, &d.addressOfNames, &d.addressOfNameOrdinals} {
		*field, err = mem.ReadUint32(off+12+uint64(i)*4, bo)
		if err != nil {
			p.log.Warnf("export directory truncated: %v", err)
			return nil
		}
	}

	for i := uint64(0); i < uint64(d.numberOfNames); i++ {
		nameRVA, err := mem.ReadUint32(uint64(d.addressOfNames)+i*4, bo)
		if err != nil {
			p.log.Warnf("export name table truncated: %v", err)
			return nil
		}
		ordIdx, err := mem.ReadUint16(uint64(d.addressOfNameOrdinals)+i*2, bo)
		if err != nil {
			p.log.Warnf("export ordinal table truncated: %v", err)
			return nil
		}
		funcRVA, err := mem.ReadUint32(uint64(d.addressOfFunctions)+uint64(ordIdx)*4, bo)
		if err != nil {
			p.log.Warnf("export address table truncated: %v", err)
			return nil
		}
		name, err := mem.CString(uint64(nameRVA))
		if err != nil {
			p.log.Warnf("unreadable export name at rva %#x: %v", nameRVA, err)
			continue
		}
		p.AddSymbol(&loader.Symbol{
			Owner: p,
			Name:  name,
			Addr:  uint64(funcRVA),
			Size:  uint64(p.Arch().PtrSize),
			Kind:  loader.SymExport,
			Type:  loader.SymTypeFunction,
			Conv:  loader.AddrRVA,
		})
	}
	return nil
}

// parseBaseRelocs walks the base-relocation directory. Each block
// covers one page and holds 16-bit entries: a 4-bit type code and a
// 12-bit page offset. HIGHADJ entries occupy two consecutive slots and
// must be consumed together or every following entry misparses.
func (p *PE) parseBaseRelocs() {
	dir := p.dataDirs[dirBaseReloc]
	if dir.VirtualAddress == 0 {
		return
	}
	mem := p.Memory()
	bo := p.Arch().ByteOrder

	off := uint64(dir.VirtualAddress)
	end := off + uint64(dir.Size)
	for off < end {
		pageRVA, err1 := mem.ReadUint32(off, bo)
		blockSize, err2 := mem.ReadUint32(off+4, bo)
		if err1 != nil || err2 != nil || blockSize < 8 {
			p.log.Warnf("corrupt base relocation block at rva %#x", off)
			return
		}
		n := uint64(blockSize-8) / 2
		for idx := uint64(0); idx < n; idx++ {
			entry, err := mem.ReadUint16(off+8+idx*2, bo)
			if err != nil {
				p.log.Warnf("base relocation block at rva %#x truncated", off)
				return
			}
			typ := entry >> 12
			rva := uint64(pageRVA) + uint64(entry&0xfff)
			if typ == imageRelBasedHighAdj {
				// Takes a second entry holding the low
				// half operand.
				if idx+1 >= n {
					p.log.Warnf("corrupt relocation table: HIGHADJ missing its pair at rva %#x", rva)
					return
				}
				next, err := mem.ReadUint16(off+8+(idx+1)*2, bo)
				if err != nil {
					p.log.Warnf("base relocation block at rva %#x truncated", off)
					return
				}
				idx++
				nextRVA := uint64(pageRVA) + uint64(next&0xfff)
				p.AddRelocation(newBaseReloc(p, rva, typ, nextRVA))
				continue
			}
			p.AddRelocation(newBaseReloc(p, rva, typ, 0))
		}
		off += uint64(blockSize)
	}
}

// parseTLS reads the TLS directory and scans the callback array. The
// directory records LVAs; the callback array is walked pointer by
// pointer until a zero word, which terminates it and is not stored.
func (p *PE) parseTLS() {
	dir := p.dataDirs[dirTLS]
	if dir.VirtualAddress == 0 {
		return
	}
	mem := p.Memory()
	bo := p.Arch().ByteOrder
	off := uint64(dir.VirtualAddress)

	var start, end, index, callbacks uint64
	var zeroFill uint32
	var err error
	if p.is64 {
		fields := []*uint64{&start, &end, &index, &callbacks}
		for i, field := range fields {
			*field, err = mem.ReadUint64(off+uint64(i)*8, bo)
			if err != nil {
				p.log.Warnf("TLS directory truncated: %v", err)
				return
			}
		}
		zeroFill, err = mem.ReadUint32(off+32, bo)
	} else {
		var v uint32
		fields := []*uint64{&start, &end, &index, &callbacks}
		for i, field := range fields {
			v, err = mem.ReadUint32(off+uint64(i)*4, bo)
			if err != nil {
				p.log.Warnf("TLS directory truncated: %v", err)
				return
			}
			*field = uint64(v)
		}
		zeroFill, err = mem.ReadUint32(off+16, bo)
	}
	if err != nil {
		p.log.Warnf("TLS directory truncated: %v", err)
		return
	}

	p.SetTLS(&loader.TLSDescriptor{
		DataStart:    start,
		DataSize:     end - start,
		IndexAddr:    index,
		Callbacks:    p.scanTLSCallbacks(callbacks),
		ZeroFillSize: uint64(zeroFill),
	})
}

// scanTLSCallbacks reads pointer-sized words starting at the callback
// array address (an LVA) until a zero word. Callback values are stored
// as RVAs.
func (p *PE) scanTLSCallbacks(addr uint64) []uint64 {
	if addr == 0 {
		return nil
	}
	mem := p.Memory()
	bo := p.Arch().ByteOrder
	ptrSize := p.Arch().PtrSize

	var callbacks []uint64
	rva := p.LVAToRVA(addr)
	for {
		v, err := mem.ReadPtr(rva, ptrSize, bo)
		if err != nil {
			p.log.Warnf("TLS callback array truncated at rva %#x: %v", rva, err)
			break
		}
		if v == 0 {
			break
		}
		callbacks = append(callbacks, p.LVAToRVA(v))
		rva += uint64(ptrSize)
	}
	return callbacks
}
