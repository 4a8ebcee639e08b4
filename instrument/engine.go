// Package instrument inserts calls to the coverage probe into the blocks of a
// compilation unit.
//
// For each basic block, a call is inserted directly before the first step
// that has a source location. If the last located step of the block is a
// different one and returns from the routine, another call is inserted before
// it. The first call in each routine is marked probe.Entry, calls before
// returns are marked probe.Ret.
package instrument

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/rillig/ccov/probe"
)

// Engine instruments units.
//
// The zero value uses probe.SinkName and discards its log output.
// An Engine keeps no state between calls to Instrument and may be used
// for several units at once.
type Engine struct {
	SinkName string
	Log      logrus.FieldLogger
}

// Site describes an inserted probe call.
type Site struct {
	Routine string
	Block   int // index of the block in the routine
	Line    int32
	Attrs   probe.Attr
}

// Summary describes what Instrument did to a unit.
type Summary struct {
	Unit          string
	Routines      int // routines that were visited
	Excluded      int // routines that were skipped because they are the sink
	Blocks        int // blocks that got at least one probe call
	SkippedBlocks int // blocks without any located step
	Sites         []Site
}

// Changed reports whether the declarations of the unit changed.
// Instrumentation only inserts steps into existing blocks.
func (s *Summary) Changed() bool { return false }

// unitState is the state that lives as long as a single unit is
// instrumented.
type unitState struct {
	unit Unit
	sink Value
	file Value // nil until the first probe call of the unit
}

// routineState is the state that lives as long as a single routine is
// instrumented. The name is resolved when the first probe call of the
// routine is created, which makes that call the entry call.
type routineState struct {
	*unitState
	routine Routine
	name    Value
}

// Instrument inserts the probe calls into every routine of the unit except
// for the sink itself.
//
// Blocks without located steps stay as they are. The only error comes from
// the unit refusing to declare the sink.
func (e *Engine) Instrument(u Unit) (*Summary, error) {
	log := e.log().WithField("unit", u.SourceFileName())
	sinkName := e.sinkName()

	sink, err := u.DeclareSink(sinkName, SinkSignature)
	if err != nil {
		return nil, fmt.Errorf("declare %s: %w", sinkName, err)
	}

	us := unitState{unit: u, sink: sink}
	sum := Summary{Unit: u.SourceFileName()}

	for _, r := range u.Routines() {
		if r.Name() == sinkName {
			log.Debugf("Skipping %s", sinkName)
			sum.Excluded++
			continue
		}

		rs := routineState{unitState: &us, routine: r}
		for bi, b := range r.Blocks() {
			ins := rs.plan(b)
			if len(ins) == 0 {
				log.Debugf("No source location in block %d of %s", bi, r.Name())
				sum.SkippedBlocks++
				continue
			}

			b.Insert(ins)

			sum.Blocks++
			for _, in := range ins {
				sum.Sites = append(sum.Sites, Site{r.Name(), bi, in.Call.Line, in.Call.Attrs})
			}
		}
		rs.name = nil
		sum.Routines++
	}

	log.Debugf("Inserted %d probe calls", len(sum.Sites))
	return &sum, nil
}

// plan determines the probe calls for a single block, without modifying it.
func (rs *routineState) plan(b Block) []Insertion {
	steps := b.Steps()

	front := firstLocated(steps)
	if front < 0 {
		return nil
	}
	back := lastLocated(steps)

	ins := []Insertion{rs.call(front, steps[front])}
	if back != front && steps[back].IsReturn() {
		ins = append(ins, rs.call(back, steps[back]))
	}
	return ins
}

// call creates the probe call that is anchored at the given step.
func (rs *routineState) call(idx int, anchor Step) Insertion {
	loc, _ := anchor.Location()

	var attrs probe.Attr
	if rs.file == nil {
		rs.file = rs.unit.StringConstant(rs.unit.SourceFileName())
	}
	if rs.name == nil {
		rs.name = rs.unit.StringConstant(rs.routine.Name())
		attrs |= probe.Entry
	}
	if anchor.IsReturn() {
		attrs |= probe.Ret
	}

	return Insertion{idx, ProbeCall{rs.sink, rs.file, rs.name, int32(loc.Line), attrs}}
}

func firstLocated(steps []Step) int {
	for i, step := range steps {
		if _, ok := step.Location(); ok {
			return i
		}
	}
	return -1
}

func lastLocated(steps []Step) int {
	for i := len(steps) - 1; i >= 0; i-- {
		if _, ok := steps[i].Location(); ok {
			return i
		}
	}
	return -1
}

func (e *Engine) sinkName() string {
	if e.SinkName != "" {
		return e.SinkName
	}
	return probe.SinkName
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}()

func (e *Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return discard
}
