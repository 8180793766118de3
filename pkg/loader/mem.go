package loader

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Memory is the byte image of one loaded object, addressed by RVA.
// It is assembled from one or more backers, each covering a contiguous
// offset range; relocation patching mutates it in place.
type Memory struct {
	backers []backer
}

type backer struct {
	offset uint64
	data   []byte
}

// AddBacker registers data as the contents of [offset, offset+len).
// Backers may not overlap.
func (m *Memory) AddBacker(offset uint64, data []byte) error {
	for _, b := range m.backers {
		if offset < b.offset+uint64(len(b.data)) && b.offset < offset+uint64(len(data)) {
			return fmt.Errorf("backer at %#x overlaps existing backer at %#x", offset, b.offset)
		}
	}
	m.backers = append(m.backers, backer{offset: offset, data: data})
	sort.Slice(m.backers, func(i, j int) bool {
		return m.backers[i].offset < m.backers[j].offset
	})
	return nil
}

// Size returns one past the highest backed offset.
func (m *Memory) Size() uint64 {
	var max uint64
	for _, b := range m.backers {
		if end := b.offset + uint64(len(b.data)); end > max {
			max = end
		}
	}
	return max
}

func (m *Memory) find(offset, n uint64) ([]byte, error) {
	i := sort.Search(len(m.backers), func(i int) bool {
		return m.backers[i].offset+uint64(len(m.backers[i].data)) > offset
	})
	if i < len(m.backers) {
		b := m.backers[i]
		if offset >= b.offset && offset+n <= b.offset+uint64(len(b.data)) {
			return b.data[offset-b.offset : offset-b.offset+n], nil
		}
	}
	return nil, fmt.Errorf("read of %d bytes at %#x outside mapped image", n, offset)
}

// ReadBytes returns the n bytes at offset. The returned slice aliases
// the backing store.
func (m *Memory) ReadBytes(offset, n uint64) ([]byte, error) {
	return m.find(offset, n)
}

// WriteBytes overwrites the bytes at offset.
func (m *Memory) WriteBytes(offset uint64, data []byte) error {
	dst, err := m.find(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// ReadUint16 reads a 2-byte word at offset.
func (m *Memory) ReadUint16(offset uint64, bo binary.ByteOrder) (uint16, error) {
	b, err := m.find(offset, 2)
	if err != nil {
		return 0, err
	}
	return bo.Uint16(b), nil
}

// ReadUint32 reads a 4-byte word at offset.
func (m *Memory) ReadUint32(offset uint64, bo binary.ByteOrder) (uint32, error) {
	b, err := m.find(offset, 4)
	if err != nil {
		return 0, err
	}
	return bo.Uint32(b), nil
}

// ReadUint64 reads an 8-byte word at offset.
func (m *Memory) ReadUint64(offset uint64, bo binary.ByteOrder) (uint64, error) {
	b, err := m.find(offset, 8)
	if err != nil {
		return 0, err
	}
	return bo.Uint64(b), nil
}

// ReadPtr reads a pointer-sized word at offset.
func (m *Memory) ReadPtr(offset uint64, ptrSize int, bo binary.ByteOrder) (uint64, error) {
	switch ptrSize {
	case 4:
		v, err := m.ReadUint32(offset, bo)
		return uint64(v), err
	case 8:
		return m.ReadUint64(offset, bo)
	default:
		return 0, fmt.Errorf("unsupported pointer size %d", ptrSize)
	}
}

// WriteUint32 writes a 4-byte word at offset.
func (m *Memory) WriteUint32(offset uint64, v uint32, bo binary.ByteOrder) error {
	var buf [4]byte
	bo.PutUint32(buf[:], v)
	return m.WriteBytes(offset, buf[:])
}

// WriteUint64 writes an 8-byte word at offset.
func (m *Memory) WriteUint64(offset uint64, v uint64, bo binary.ByteOrder) error {
	var buf [8]byte
	bo.PutUint64(buf[:], v)
	return m.WriteBytes(offset, buf[:])
}

// WritePtr writes a pointer-sized word at offset.
func (m *Memory) WritePtr(offset, v uint64, ptrSize int, bo binary.ByteOrder) error {
	switch ptrSize {
	case 4:
		return m.WriteUint32(offset, uint32(v), bo)
	case 8:
		return m.WriteUint64(offset, v, bo)
	default:
		return fmt.Errorf("unsupported pointer size %d", ptrSize)
	}
}

// CString reads a NUL-terminated string starting at offset.
func (m *Memory) CString(offset uint64) (string, error) {
	i := sort.Search(len(m.backers), func(i int) bool {
		return m.backers[i].offset+uint64(len(m.backers[i].data)) > offset
	})
	if i >= len(m.backers) || offset < m.backers[i].offset {
		return "", fmt.Errorf("read at %#x outside mapped image", offset)
	}
	b := m.backers[i]
	data := b.data[offset-b.offset:]
	for j, c := range data {
		if c == 0 {
			return string(data[:j]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at %#x", offset)
}
