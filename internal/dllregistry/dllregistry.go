// Package dllregistry is a small ordered-map-with-floor-lookup utility for
// resolving a code address to the name of the loaded module that owns it.
//
// It is the external collaborator spec.md scopes out of the core engine (the
// real PE-export database a production deployment would consult); this
// package implements only the interface shape; [internal/scan.Driver] reports
// the number of registered modules in its startup log line. It
// is never consulted by detector decision logic.
package dllregistry

import "sort"

// Module describes one loaded image registered with a Registry.
type Module struct {
	Base uint32
	Size uint32
	Name string
}

// Registry maps code addresses to the module that contains them, using an
// ordered slice of image bases and a floor(address) lookup rather than an
// AVL or interval tree (per spec.md §9's redesign guidance: "ordered map
// keyed by image base with a floor(address) lookup").
type Registry struct {
	modules []Module // kept sorted by Base
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Register adds a module spanning [base, base+size) under name. Registering
// a base that already exists replaces the previous entry.
func (r *Registry) Register(base, size uint32, name string) {
	i := sort.Search(len(r.modules), func(i int) bool { return r.modules[i].Base >= base })
	if i < len(r.modules) && r.modules[i].Base == base {
		r.modules[i] = Module{Base: base, Size: size, Name: name}
		return
	}
	r.modules = append(r.modules, Module{})
	copy(r.modules[i+1:], r.modules[i:])
	r.modules[i] = Module{Base: base, Size: size, Name: name}
}

// Lookup returns the name of the module containing addr and true, or ("",
// false) if no registered module's range covers addr. It finds the floor
// entry (the largest Base <= addr) and checks that addr falls within its
// [Base, Base+Size) range.
func (r *Registry) Lookup(addr uint32) (string, bool) {
	i := sort.Search(len(r.modules), func(i int) bool { return r.modules[i].Base > addr }) - 1
	if i < 0 {
		return "", false
	}
	m := r.modules[i]
	if addr >= m.Base && addr < m.Base+m.Size {
		return m.Name, true
	}
	return "", false
}

// Modules returns a copy of every registered module, ordered by Base.
func (r *Registry) Modules() []Module {
	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}
