package trace

import "unsafe"

// Memory supplies candidate instruction bytes. Bytes returns at most n bytes
// starting at addr, fewer when the readable range ends sooner, and nil when
// addr is not readable.
type Memory interface {
	Bytes(addr uint64, n int) []byte
}

// Region is a byte slice laid out at Base.
type Region struct {
	Base uint64
	Data []byte
}

func (r Region) Bytes(addr uint64, n int) []byte {
	if n <= 0 || addr < r.Base {
		return nil
	}
	off := addr - r.Base
	if off >= uint64(len(r.Data)) {
		return nil
	}
	end := off + uint64(n)
	if end > uint64(len(r.Data)) {
		end = uint64(len(r.Data))
	}
	return r.Data[off:end:end]
}

// Process reads the current process's own address space. The caller must
// guarantee [addr, addr+n) is mapped and readable; Process cannot check.
type Process struct{}

func (Process) Bytes(addr uint64, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
