// Package ssair converts Go packages in SSA form into listing modules, one
// module per Go source file, so that they can be instrumented like any other
// unit.
package ssair

import (
	"cmp"
	"errors"
	"fmt"
	"go/token"
	"go/types"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/rillig/ccov/instrument"
	"github.com/rillig/ccov/ir"
)

type Options struct {
	// Dir is the directory in which the patterns are resolved.
	// The source file names of the modules are relative to it.
	Dir string

	// Tests also loads the test files of the packages.
	Tests bool

	BuildFlags []string

	Log logrus.FieldLogger
}

// Load loads the packages matching the patterns, builds their SSA form and
// converts it.
func Load(opts Options, patterns ...string) ([]*ir.Module, error) {
	log := opts.Log
	if log == nil {
		log = discard()
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}

	cfg := &packages.Config{
		Mode:       packages.LoadAllSyntax,
		Dir:        dir,
		Tests:      opts.Tests,
		BuildFlags: opts.BuildFlags,
		Logf:       func(format string, args ...any) { log.Debugf(format, args...) },
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", strings.Join(patterns, " "), err)
	}

	var errs []error
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, e)
		}
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages match %s", strings.Join(patterns, " "))
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, 0)
	prog.Build()

	log.WithField("packages", len(pkgs)).Debug("built SSA")
	return Convert(prog, ssaPkgs, dir), nil
}

// Convert creates one module per source file that declares at least one
// function with a body.
//
// Synthetic functions (wrappers, thunks, package initializers) and instances
// of generic functions are skipped, as they have no source of their own.
// When the same file is part of several packages, as happens with test
// variants, its functions are converted only once.
func Convert(prog *ssa.Program, pkgs []*ssa.Package, dir string) []*ir.Module {
	wanted := make(map[*ssa.Package]bool)
	for _, pkg := range pkgs {
		if pkg != nil && !isTestMain(pkg) {
			wanted[pkg] = true
		}
	}

	type decl struct {
		fn  *ssa.Function
		pos token.Position
	}

	seen := make(map[string]bool)
	var decls []decl
	for fn := range functions(prog, wanted) {
		if !wanted[fn.Pkg] || fn.Synthetic != "" || fn.Origin() != nil ||
			len(fn.Blocks) == 0 || !fn.Pos().IsValid() {
			continue
		}
		pos := prog.Fset.PositionFor(fn.Pos(), false)
		key := pos.String() + " " + fn.RelString(fn.Pkg.Pkg)
		if seen[key] {
			continue
		}
		seen[key] = true
		decls = append(decls, decl{fn, pos})
	}

	slices.SortFunc(decls, func(a, b decl) int {
		return cmp.Or(
			cmp.Compare(a.pos.Filename, b.pos.Filename),
			cmp.Compare(a.pos.Offset, b.pos.Offset))
	})

	c := converter{fset: prog.Fset, dir: dir}
	var mods []*ir.Module
	var mod *ir.Module
	for _, d := range decls {
		file := c.rel(d.pos.Filename)
		if mod == nil || mod.SourceFile != file {
			mod = &ir.Module{SourceFile: file}
			mods = append(mods, mod)
		}
		mod.Funcs = append(mod.Funcs, c.function(d.fn))
	}
	return mods
}

// functions returns the functions of the program, including unexported
// methods that are never called and the function literals nested in them.
func functions(prog *ssa.Program, pkgs map[*ssa.Package]bool) map[*ssa.Function]bool {
	all := ssautil.AllFunctions(prog)

	var add func(fn *ssa.Function)
	add = func(fn *ssa.Function) {
		if fn == nil {
			return
		}
		all[fn] = true
		for _, anon := range fn.AnonFuncs {
			add(anon)
		}
	}

	for pkg := range pkgs {
		for _, member := range pkg.Members {
			switch m := member.(type) {
			case *ssa.Function:
				add(m)
			case *ssa.Type:
				if named, ok := m.Type().(*types.Named); ok {
					for i := 0; i < named.NumMethods(); i++ {
						add(prog.FuncValue(named.Method(i)))
					}
				}
			}
		}
	}
	for fn := range all {
		add(fn)
	}
	return all
}

type converter struct {
	fset *token.FileSet
	dir  string
}

func (c *converter) function(fn *ssa.Function) *ir.Func {
	f := &ir.Func{Name: fn.RelString(fn.Pkg.Pkg)}
	for _, b := range fn.Blocks {
		block := &ir.Block{Label: label(b)}
		for _, instr := range b.Instrs {
			block.Insts = append(block.Insts, c.inst(instr))
		}
		f.Blocks = append(f.Blocks, block)
	}
	return f
}

func (c *converter) inst(instr ssa.Instruction) *ir.Inst {
	text := instr.String()
	if v, ok := instr.(ssa.Value); ok && v.Name() != "" {
		text = "%" + v.Name() + " = " + text
	}

	inst := &ir.Inst{Text: oneLine(text)}
	if _, ok := instr.(*ssa.Return); ok {
		inst.Ret = true
	}
	if pos := instr.Pos(); pos.IsValid() {
		p := c.fset.Position(pos)
		inst.Loc = &instrument.Location{File: c.rel(p.Filename), Line: p.Line}
	}
	return inst
}

// rel returns the slash-separated path of the file relative to the load
// directory, or the plain path for files outside of it.
func (c *converter) rel(filename string) string {
	if c.dir != "" {
		rel, err := filepath.Rel(c.dir, filename)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(filename)
}

func label(b *ssa.BasicBlock) string {
	if b.Comment == "" {
		return fmt.Sprintf("b%d", b.Index)
	}
	name := strings.Map(func(r rune) rune {
		if r == '.' || r == '_' || r == '-' || r == '$' ||
			'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9' {
			return r
		}
		return '_'
	}, b.Comment)
	return fmt.Sprintf("%s.%d", name, b.Index)
}

// oneLine keeps the listing line-based, even for instructions whose
// string form contains line breaks.
func oneLine(text string) string {
	return strings.ReplaceAll(text, "\n", " ")
}

// isTestMain reports whether the package is the main package that
// "go test" generates.
func isTestMain(pkg *ssa.Package) bool {
	return pkg.Pkg.Name() == "main" && strings.HasSuffix(pkg.Pkg.Path(), ".test")
}

func discard() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}
