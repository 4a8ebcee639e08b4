package instrument

import (
	"fmt"

	"github.com/rillig/ccov/probe"
)

// Location is the source position attached to a step.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Step is a single instruction of a block.
type Step interface {
	// Location returns the source position of the step, if the step has
	// debug information.
	Location() (Location, bool)
	IsReturn() bool
}

// Block is a basic block: control enters at the first step and leaves at
// the last one.
type Block interface {
	Steps() []Step

	// Insert adds the probe calls to the block. The positions refer to the
	// steps as returned by Steps before the call; each call is inserted
	// directly before the step at that position.
	// The insertions are ordered by position.
	Insert(ins []Insertion)
}

type Routine interface {
	Name() string
	Blocks() []Block
}

// Unit is one compilation unit.
type Unit interface {
	SourceFileName() string
	Routines() []Routine

	// DeclareSink returns a reference to the function with the given name
	// and signature, declaring it if the unit doesn't have it yet.
	DeclareSink(name string, sig Signature) (Value, error)

	// StringConstant allocates a new constant holding s.
	// Each call allocates; sharing is up to the caller.
	StringConstant(s string) Value
}

// Value is an operand that the host IR created, such as a function
// reference or a string constant. The engine only passes it through.
type Value interface{}

// Kind is the type of a parameter of the sink.
type Kind int

const (
	KindString Kind = iota
	KindInt32
)

// Signature describes a function without result.
type Signature struct {
	Params []Kind
}

// Equal reports whether both signatures have the same parameters.
func (s Signature) Equal(other Signature) bool {
	if len(s.Params) != len(other.Params) {
		return false
	}
	for i, p := range s.Params {
		if other.Params[i] != p {
			return false
		}
	}
	return true
}

// SinkSignature is the signature of probe.LogCoverage as seen from the IR.
var SinkSignature = Signature{
	Params: []Kind{KindString, KindString, KindInt32, KindInt32},
}

// ProbeCall is the call that gets inserted into a block.
type ProbeCall struct {
	Sink     Value
	File     Value
	Function Value
	Line     int32
	Attrs    probe.Attr
}

// Insertion places a probe call before the step at index Before.
type Insertion struct {
	Before int
	Call   ProbeCall
}
