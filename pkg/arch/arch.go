// Package arch describes the CPU architectures binmap can model. An
// Arch carries the ABI facts the loader needs (pointer width, byte
// order) plus a small instruction decoder used to inspect code at
// mapped addresses.
package arch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch represents a CPU architecture.
type Arch struct {
	// Name is the conventional short name of the instruction set.
	Name string
	// PtrSize is the size of a pointer, in bytes.
	PtrSize int
	// ByteOrder is the memory byte order of the architecture.
	ByteOrder binary.ByteOrder
}

// Predefined architectures. These are the instruction sets the PE
// backend can map from a machine-type code; callers may also construct
// their own Arch to force one.
var (
	I386  = &Arch{Name: "i386", PtrSize: 4, ByteOrder: binary.LittleEndian}
	AMD64 = &Arch{Name: "amd64", PtrSize: 8, ByteOrder: binary.LittleEndian}
	ARM   = &Arch{Name: "arm", PtrSize: 4, ByteOrder: binary.LittleEndian}
	ARM64 = &Arch{Name: "arm64", PtrSize: 8, ByteOrder: binary.LittleEndian}
)

// PE machine-type codes, as found in the COFF file header.
const (
	peMachineI386  = 0x014c
	peMachineARMNT = 0x01c4
	peMachineAMD64 = 0x8664
	peMachineARM64 = 0xaa64
)

// ErrUnknownMachine is returned when a machine-type code does not map
// to any architecture this package knows about.
type ErrUnknownMachine struct {
	Machine uint16
}

func (e *ErrUnknownMachine) Error() string {
	return fmt.Sprintf("unknown machine type %#x", e.Machine)
}

// FromPEMachine maps the Machine field of a PE file header to an Arch.
func FromPEMachine(machine uint16) (*Arch, error) {
	switch machine {
	case peMachineI386:
		return I386, nil
	case peMachineARMNT:
		return ARM, nil
	case peMachineAMD64:
		return AMD64, nil
	case peMachineARM64:
		return ARM64, nil
	default:
		return nil, &ErrUnknownMachine{Machine: machine}
	}
}

// MaxInstructionLength is an upper bound on the encoded size of one
// instruction on any supported architecture.
const MaxInstructionLength = 15

// AsmInstruction is a single decoded machine instruction.
type AsmInstruction struct {
	// PC is the address the instruction was decoded at.
	PC uint64
	// Text is the instruction in GNU assembler syntax.
	Text string
	// Size is the encoded size of the instruction in bytes.
	Size int
	// Bytes is the raw encoding.
	Bytes []byte
}

// Decode decodes the instruction starting at mem[0], assumed to be
// loaded at address pc. Only as many bytes as the instruction occupies
// are consumed.
func (a *Arch) Decode(mem []byte, pc uint64) (*AsmInstruction, error) {
	switch a.Name {
	case "i386", "amd64":
		mode := 32
		if a.PtrSize == 8 {
			mode = 64
		}
		inst, err := x86asm.Decode(mem, mode)
		if err != nil {
			return nil, err
		}
		return &AsmInstruction{
			PC:    pc,
			Text:  x86asm.GNUSyntax(inst, pc, nil),
			Size:  inst.Len,
			Bytes: mem[:inst.Len],
		}, nil
	case "arm64":
		inst, err := arm64asm.Decode(mem)
		if err != nil {
			return nil, err
		}
		return &AsmInstruction{
			PC:    pc,
			Text:  arm64asm.GNUSyntax(inst),
			Size:  4,
			Bytes: mem[:4],
		}, nil
	default:
		return nil, fmt.Errorf("no disassembler for %s", a.Name)
	}
}
