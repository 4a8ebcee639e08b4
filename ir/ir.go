// Package ir is a small mutable intermediate representation in the style of
// LLVM assembly. It serves as a host for the instrumentation engine, both for
// hand-written listings and for code converted from other representations.
package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rillig/ccov/instrument"
)

// Module is a compilation unit.
type Module struct {
	SourceFile string
	Globals    []*Global
	Funcs      []*Func
}

// Global is a named string constant.
type Global struct {
	Name  string
	Value string
}

// Func is either a declaration (no blocks) or a definition.
type Func struct {
	Name   string
	Result string   // empty for definitions that don't spell out their type
	Params []string // parameter types, as written
	Blocks []*Block
}

// Block is a labeled basic block.
type Block struct {
	Label string
	Insts []*Inst
}

// Inst is a single instruction.
//
// Probe calls inserted by the instrumentation have Call set, all other
// instructions are kept as plain text.
type Inst struct {
	Text string
	Ret  bool
	Loc  *instrument.Location
	Call *instrument.ProbeCall
}

func (m *Module) Func(name string) *Func {
	for _, fn := range m.Funcs {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

func (m *Module) global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// SourceFileName implements instrument.Unit.
func (m *Module) SourceFileName() string { return m.SourceFile }

// Routines returns the function definitions; declarations have nothing to
// instrument.
func (m *Module) Routines() []instrument.Routine {
	var routines []instrument.Routine
	for _, fn := range m.Funcs {
		if !fn.IsDeclaration() {
			routines = append(routines, routine{fn})
		}
	}
	return routines
}

// DeclareSink returns the function with the given name, declaring it if
// necessary. An existing function must have the same signature, unless its
// signature is not spelled out.
func (m *Module) DeclareSink(name string, sig instrument.Signature) (instrument.Value, error) {
	params := make([]string, len(sig.Params))
	for i, kind := range sig.Params {
		params[i] = kindType(kind)
	}

	if fn := m.Func(name); fn != nil {
		if fn.Result != "" && (fn.Result != "void" || !slices.Equal(fn.Params, params)) {
			return nil, fmt.Errorf("@%s is already declared as %s", name, fn.signature())
		}
		return fn, nil
	}

	fn := &Func{Name: name, Result: "void", Params: params}
	m.Funcs = append(m.Funcs, fn)
	return fn, nil
}

// StringConstant adds a new global, named like the string constants that
// clang produces.
func (m *Module) StringConstant(s string) instrument.Value {
	name := ".str"
	for i := 1; m.global(name) != nil; i++ {
		name = fmt.Sprintf(".str.%d", i)
	}
	g := &Global{name, s}
	m.Globals = append(m.Globals, g)
	return g
}

func (fn *Func) IsDeclaration() bool { return len(fn.Blocks) == 0 }

func (fn *Func) signature() string {
	result := fn.Result
	if result == "" {
		result = "void"
	}
	return fmt.Sprintf("%s(%s)", result, strings.Join(fn.Params, ", "))
}

// routine adapts a function definition to instrument.Routine.
type routine struct{ fn *Func }

func (r routine) Name() string { return r.fn.Name }

func (r routine) Blocks() []instrument.Block {
	blocks := make([]instrument.Block, len(r.fn.Blocks))
	for i, b := range r.fn.Blocks {
		blocks[i] = b
	}
	return blocks
}

// Steps implements instrument.Block.
func (b *Block) Steps() []instrument.Step {
	steps := make([]instrument.Step, len(b.Insts))
	for i, inst := range b.Insts {
		steps[i] = inst
	}
	return steps
}

// Insert adds the probe calls. Each call gets the location of the
// instruction it is inserted before.
func (b *Block) Insert(ins []instrument.Insertion) {
	insts := make([]*Inst, 0, len(b.Insts)+len(ins))
	next := 0
	for i, inst := range b.Insts {
		for next < len(ins) && ins[next].Before == i {
			call := ins[next].Call
			insts = append(insts, &Inst{Loc: inst.Loc, Call: &call})
			next++
		}
		insts = append(insts, inst)
	}
	b.Insts = insts
}

// Location implements instrument.Step.
func (inst *Inst) Location() (instrument.Location, bool) {
	if inst.Loc == nil {
		return instrument.Location{}, false
	}
	return *inst.Loc, true
}

func (inst *Inst) IsReturn() bool { return inst.Ret }

func kindType(kind instrument.Kind) string {
	switch kind {
	case instrument.KindString:
		return "ptr"
	case instrument.KindInt32:
		return "i32"
	}
	panic(fmt.Sprintf("unknown kind %d", kind))
}
