package loader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBackers(t *testing.T) {
	var m Memory
	require.NoError(t, m.AddBacker(0x100, []byte{1, 2, 3, 4}))
	require.NoError(t, m.AddBacker(0x200, make([]byte, 0x10)))
	require.Error(t, m.AddBacker(0x102, []byte{9}), "overlapping backers are rejected")
	require.Equal(t, uint64(0x210), m.Size())

	b, err := m.ReadBytes(0x101, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3}, b)

	_, err = m.ReadBytes(0x102, 8)
	require.Error(t, err, "reads crossing a backer edge fail")
	_, err = m.ReadBytes(0x500, 1)
	require.Error(t, err)
}

func TestMemoryWords(t *testing.T) {
	var m Memory
	require.NoError(t, m.AddBacker(0, make([]byte, 0x40)))

	require.NoError(t, m.WriteUint32(0x10, 0xdeadbeef, binary.LittleEndian))
	v32, err := m.ReadUint32(0x10, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)

	require.NoError(t, m.WriteUint64(0x20, 0x0102030405060708, binary.LittleEndian))
	v64, err := m.ReadUint64(0x20, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), v64)

	p4, err := m.ReadPtr(0x10, 4, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), p4)
	p8, err := m.ReadPtr(0x20, 8, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), p8)

	require.NoError(t, m.WritePtr(0x30, 0x1234, 4, binary.LittleEndian))
	v32, err = m.ReadUint32(0x30, binary.LittleEndian)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1234), v32)

	_, err = m.ReadPtr(0, 3, binary.LittleEndian)
	require.Error(t, err)
}

func TestMemoryCString(t *testing.T) {
	var m Memory
	require.NoError(t, m.AddBacker(0x10, []byte("hello\x00world")))

	s, err := m.CString(0x10)
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	s, err = m.CString(0x16)
	require.Error(t, err, "a string must be terminated inside its backer")
	_ = s

	_, err = m.CString(0x800)
	require.Error(t, err)
}
