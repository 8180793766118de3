package loader

import "fmt"

// Section is one contiguous region of an object with permission flags
// and a mapping from file offset to virtual offset. Sections are
// immutable after parsing except for a one-time base remap applied
// when the owning object is placed.
type Section struct {
	Name string
	// FileAddr is the offset of the section's raw data in the file.
	FileAddr uint64
	// VirtAddr is the section's RVA until the owning object is
	// placed, after which it is remapped to an MVA.
	VirtAddr uint64
	// VirtSize is the size of the section in memory, which may be
	// larger than its raw data (zero fill) or smaller (alignment).
	VirtSize uint64

	Readable   bool
	Writable   bool
	Executable bool
}

// ContainsAddr reports whether addr falls inside the section, in
// whichever space VirtAddr currently is.
func (s *Section) ContainsAddr(addr uint64) bool {
	return addr >= s.VirtAddr && addr < s.VirtAddr+s.VirtSize
}

func (s *Section) String() string {
	return fmt.Sprintf("%s | vaddr %#x, vsize %#x", s.Name, s.VirtAddr, s.VirtSize)
}

func (s *Section) permString() string {
	perms := []byte("---")
	if s.Readable {
		perms[0] = 'r'
	}
	if s.Writable {
		perms[1] = 'w'
	}
	if s.Executable {
		perms[2] = 'x'
	}
	return string(perms)
}

// Perms renders the section permissions in the usual rwx form.
func (s *Section) Perms() string { return s.permString() }

// TLSDescriptor records an object's thread-local storage template:
// where the initialization image lives, how much zero fill follows it,
// where the module's TLS index is stored, and the initialization
// callbacks to run.
type TLSDescriptor struct {
	// DataStart is the LVA of the TLS initialization image.
	DataStart uint64
	// DataSize is the size of the initialization image in bytes.
	DataSize uint64
	// IndexAddr is the LVA of the slot receiving the TLS index.
	IndexAddr uint64
	// Callbacks holds the callback function RVAs, in array order.
	// The zero terminator of the on-disk array is not stored.
	Callbacks []uint64
	// ZeroFillSize is the number of zero bytes following the image.
	ZeroFillSize uint64
}
