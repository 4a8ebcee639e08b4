package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rillig/ccov/instrument"
	"github.com/rillig/ccov/ir"
	"github.com/rillig/ccov/ssair"
)

// unit is a compilation unit from the command line, together with the
// outcome of instrumenting it.
type unit struct {
	arg     string // the command line argument the unit came from
	mod     *ir.Module
	listing string // the file name in the output directory
	summary *instrument.Summary
}

// instrumenter loads the units, adds the probe calls to them and writes
// the resulting listings.
type instrumenter struct {
	engine     instrument.Engine
	jobs       int // the number of units to instrument in parallel
	tests      bool
	buildFlags []string
	log        logrus.FieldLogger
}

// load parses the listing files and converts the Go packages, in the order
// of the arguments. All package patterns are loaded together, at the
// position of the first one.
func (i *instrumenter) load(args []argInfo) ([]*unit, error) {
	var units []*unit
	var patterns []string
	patternsAt := -1

	for _, arg := range args {
		if !arg.listing {
			if patternsAt < 0 {
				patternsAt = len(units)
			}
			patterns = append(patterns, arg.arg)
			continue
		}

		mod, err := ir.ParseFile(arg.arg)
		if err != nil {
			return nil, err
		}
		i.log.WithField("file", arg.arg).Debug("parsed listing")
		units = append(units, &unit{arg: arg.arg, mod: mod})
	}

	if len(patterns) > 0 {
		mods, err := ssair.Load(ssair.Options{
			Dir:        ".",
			Tests:      i.tests,
			BuildFlags: i.buildFlags,
			Log:        i.log,
		}, patterns...)
		if err != nil {
			return nil, err
		}

		arg := strings.Join(patterns, " ")
		var pkgUnits []*unit
		for _, mod := range mods {
			pkgUnits = append(pkgUnits, &unit{arg: arg, mod: mod})
		}
		units = slices.Insert(units, patternsAt, pkgUnits...)
	}

	return units, nil
}

// run instruments the units, using up to i.jobs goroutines.
// Each unit is only touched by a single goroutine.
func (i *instrumenter) run(ctx context.Context, units []*unit) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(i.jobs)

	for _, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			summary, err := i.engine.Instrument(u.mod)
			if err != nil {
				return fmt.Errorf("%s: %w", u.name(), err)
			}
			u.summary = summary
			return nil
		})
	}

	return g.Wait()
}

// write saves the listing of each unit in dir. Two units must not end up
// in the same file.
func (i *instrumenter) write(dir string, units []*unit) error {
	owner := make(map[string]*unit)
	for _, u := range units {
		listing := u.outputName()
		if other := owner[listing]; other != nil {
			return fmt.Errorf("both %s and %s would be written to %s",
				other.name(), u.name(), listing)
		}
		owner[listing] = u
		u.listing = listing
	}

	for _, u := range units {
		filename := filepath.Join(dir, u.listing)
		if err := u.mod.WriteFile(filename); err != nil {
			return err
		}
		i.log.WithField("file", filename).Debug("wrote listing")
	}
	return nil
}

// name returns a human-readable name of the unit, preferably its source
// file.
func (u *unit) name() string {
	if u.mod.SourceFile != "" {
		return u.mod.SourceFile
	}
	return u.arg
}

// outputName returns the name of the listing in the output directory,
// which is derived from the source file, to make it easy to find.
func (u *unit) outputName() string {
	if u.mod.SourceFile == "" {
		return filepath.Base(u.arg)
	}
	name := strings.TrimLeft(filepath.ToSlash(u.mod.SourceFile), "/")
	return strings.NewReplacer("/", "_", ":", "_").Replace(name) + ".ll"
}

func (u *unit) summaryLine() string {
	s := u.summary
	line := fmt.Sprintf("%s: %d probes in %d routines",
		u.name(), len(s.Sites), s.Routines)
	if s.SkippedBlocks > 0 {
		line += fmt.Sprintf(", %d blocks without location", s.SkippedBlocks)
	}
	return line
}

// manifest lists every probe call that was inserted, so that the trace
// records can be related to the instrumented code.
type manifest struct {
	Sink  string         `yaml:"sink"`
	Units []manifestUnit `yaml:"units"`
}

type manifestUnit struct {
	Source  string          `yaml:"source"`
	Listing string          `yaml:"listing"`
	Probes  []manifestProbe `yaml:"probes,omitempty"`
}

type manifestProbe struct {
	Routine string   `yaml:"routine"`
	Block   int      `yaml:"block"`
	Line    int32    `yaml:"line"`
	Attrs   []string `yaml:"attrs,flow,omitempty"`
}

func newManifest(sink string, units []*unit) manifest {
	m := manifest{Sink: sink}
	for _, u := range units {
		mu := manifestUnit{Source: u.mod.SourceFile, Listing: u.listing}
		for _, site := range u.summary.Sites {
			mu.Probes = append(mu.Probes, manifestProbe{
				Routine: site.Routine,
				Block:   site.Block,
				Line:    site.Line,
				Attrs:   site.Attrs.Names(),
			})
		}
		m.Units = append(m.Units, mu)
	}
	return m
}

func writeManifest(filename, sink string, units []*unit) error {
	data, err := yaml.Marshal(newManifest(sink, units))
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o666)
}
