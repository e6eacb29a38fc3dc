// Package elfx opens x86 ELF executables, maps them read-only and serves
// their loaded bytes by virtual address so code can be traced offline.
package elfx

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"syscall"

	"x86trace/internal/trace"
)

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	Text  Section
	Entry uint64
	Syms  []Sym // function symbols sorted by address
	f     *os.File
}

type Seg struct {
	Vaddr, Off, Filesz uint64
	Flags              elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

type Sym struct {
	Name string
	Addr uint64
	Size uint64
}

func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, Entry: f.Entry, f: of}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Flags:  p.Flags,
		})
	}

	if s := f.Section(".text"); s != nil {
		im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
	} else {
		// Stripped section headers: use the first executable segment.
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}

	im.loadSymbols()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// Mode returns the trace mode for the image's machine type.
func (im *Image) Mode() (trace.Mode, error) {
	if im.File == nil {
		return 0, fmt.Errorf("%s: image closed", im.Path)
	}
	switch im.File.Machine {
	case elf.EM_386:
		return trace.Compat32, nil
	case elf.EM_X86_64:
		return trace.Long64, nil
	}
	return 0, fmt.Errorf("%s: unsupported machine %v", im.Path, im.File.Machine)
}

// va2off translates a virtual address into a file offset using PT_LOAD
// segments. end is the file offset where the containing segment's file
// backed bytes stop. It returns false if va is unmapped.
func (im *Image) va2off(va uint64) (off, end uint64, ok bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), l.Off + l.Filesz, true
		}
	}
	return 0, 0, false
}

// Bytes returns up to n file-backed bytes at va without crossing the end of
// the containing segment. It implements trace.Memory.
func (im *Image) Bytes(va uint64, n int) []byte {
	if n <= 0 {
		return nil
	}
	off, segEnd, ok := im.va2off(va)
	if !ok {
		return nil
	}
	end := min(off+uint64(n), segEnd, uint64(len(im.All)))
	if off >= end {
		return nil
	}
	return im.All[off:end:end]
}

// InText reports whether va lies in the code section.
func (im *Image) InText(va uint64) bool {
	return im.Text.Size != 0 && va >= im.Text.VA && va < im.Text.VA+im.Text.Size
}

// loadSymbols collects function symbols from .symtab and .dynsym.
func (im *Image) loadSymbols() {
	if im.File == nil {
		return
	}
	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if seen[s.Value] {
				continue
			}
			seen[s.Value] = true
			im.Syms = append(im.Syms, Sym{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}
	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms)
	}
	im.sortSymbols()
}

func (im *Image) sortSymbols() {
	sort.Slice(im.Syms, func(i, j int) bool { return im.Syms[i].Addr < im.Syms[j].Addr })
}

// SymbolAt returns the symbol that starts exactly at va.
func (im *Image) SymbolAt(va uint64) (Sym, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool { return im.Syms[i].Addr >= va })
	if i < len(im.Syms) && im.Syms[i].Addr == va {
		return im.Syms[i], true
	}
	return Sym{}, false
}

// FindFunctionByName returns the address of the named function.
func (im *Image) FindFunctionByName(name string) (uint64, bool) {
	for _, s := range im.Syms {
		if s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}
