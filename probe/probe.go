// Package probe is the runtime side of the coverage instrumentation.
//
// Every call that the instrumentation inserts ends up in LogCoverage, which
// writes a single trace record per call.
package probe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// SinkName is the name of the function that the inserted calls refer to.
// The instrumentation never instruments a function with this name.
const SinkName = "__log_coverage"

// Signature starts every trace record.
const Signature = "#CCOV"

// Attr describes why a probe call was inserted.
type Attr int32

const (
	// Entry marks the first probe call of a function.
	Entry Attr = 1 << iota
	// Ret marks a probe call directly before a return.
	Ret
)

// Names returns the names of the set flags, in record order.
func (a Attr) Names() []string {
	var names []string
	if a&Entry != 0 {
		names = append(names, "entry")
	}
	if a&Ret != 0 {
		names = append(names, "ret")
	}
	return names
}

func (a Attr) String() string {
	names := a.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Record is a single line of trace output.
type Record struct {
	File     string
	Function string
	Line     int32
	Attrs    Attr
}

func (r Record) String() string {
	return string(r.appendTo(nil))
}

func (r Record) appendTo(buf []byte) []byte {
	buf = append(buf, Signature...)
	buf = append(buf, ':')
	buf = append(buf, r.File...)
	buf = append(buf, ':')
	buf = append(buf, r.Function...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(r.Line), 10)
	for _, name := range r.Attrs.Names() {
		buf = append(buf, ':')
		buf = append(buf, name...)
	}
	return buf
}

// ErrNoSignature is returned by ParseRecord for lines that are not trace
// records at all.
var ErrNoSignature = errors.New("missing " + Signature + " signature")

// ParseRecord parses a line produced by LogCoverage, without the trailing
// newline.
func ParseRecord(line string) (Record, error) {
	if !strings.HasPrefix(line, Signature) {
		return Record{}, ErrNoSignature
	}
	fields := strings.Split(line, ":")
	if len(fields) < 4 {
		return Record{}, fmt.Errorf("record %q: unexpected number of fields", line)
	}

	lineno, err := strconv.ParseInt(fields[3], 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("record %q: bad line number: %w", line, err)
	}

	r := Record{File: fields[1], Function: fields[2], Line: int32(lineno)}
	for _, name := range fields[4:] {
		switch name {
		case "entry":
			r.Attrs |= Entry
		case "ret":
			r.Attrs |= Ret
		}
	}
	return r, nil
}

// Sink writes trace records to an output stream.
// It is safe for concurrent use; each record is written with a single call
// to the underlying writer. The zero value discards all records.
type Sink struct {
	mu  sync.Mutex
	out io.Writer
	buf []byte
}

func NewSink(out io.Writer) *Sink {
	return &Sink{out: out}
}

// LogCoverage records that control reached the given line.
// Write errors are dropped, since the instrumented program has no way to
// handle them.
func (s *Sink) LogCoverage(file, function string, line, attr int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{file, function, line, Attr(attr)}
	s.buf = append(rec.appendTo(s.buf[:0]), '\n')
	if s.out != nil {
		_, _ = s.out.Write(s.buf)
	}
}

// SetOutput redirects the sink. A nil writer discards the records.
func (s *Sink) SetOutput(out io.Writer) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

var std = NewSink(os.Stdout)

// LogCoverage records a probe call on standard output.
func LogCoverage(file, function string, line, attr int32) {
	std.LogCoverage(file, function, line, attr)
}

// SetOutput redirects the records of LogCoverage.
func SetOutput(out io.Writer) {
	std.SetOutput(out)
}
