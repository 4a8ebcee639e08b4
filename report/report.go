// Package report turns a trace log back into the source lines that were
// executed, in the order in which they were reached.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rillig/ccov/probe"
)

// Collect reads a log and returns the trace records it contains.
// Other output that the program wrote to the same stream is ignored.
func Collect(r io.Reader) ([]probe.Record, error) {
	var traces []probe.Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<20)
	for lineno := 1; scanner.Scan(); lineno++ {
		line := scanner.Text()
		if !strings.HasPrefix(line, probe.Signature) {
			continue
		}
		rec, err := probe.ParseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		traces = append(traces, rec)
	}
	return traces, scanner.Err()
}

// Write prints one line per trace, consisting of the 1-based index of the
// trace, the line number and the source code of that line.
//
// The source files are looked up relative to srcDir. Each file is read only
// once; all of them are read before the first line is printed.
func Write(w io.Writer, traces []probe.Record, srcDir string) error {
	srcs := make(map[string][]string)
	for _, t := range traces {
		if _, ok := srcs[t.File]; ok {
			continue
		}
		lines, err := readLines(filepath.Join(srcDir, filepath.FromSlash(t.File)))
		if err != nil {
			return err
		}
		srcs[t.File] = lines
	}

	out := bufio.NewWriter(w)
	for i, t := range traces {
		lines := srcs[t.File]
		if t.Line < 1 || int(t.Line) > len(lines) {
			return fmt.Errorf("%s:%d: line out of range, the file has %d lines",
				t.File, t.Line, len(lines))
		}
		_, _ = fmt.Fprintf(out, "%6d|%6d|%s\n", i+1, t.Line, lines[t.Line-1])
	}
	return out.Flush()
}

// readLines returns the lines of the file, without their line endings.
func readLines(filename string) ([]string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines, nil
}
