package ir

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rillig/ccov/instrument"
)

const (
	nameRe   = `"(?:[^"\\]|\\.)*"|[-a-zA-Z$._0-9]+`
	stringRe = `"(?:[^"\\]|\\.)*"`
)

var (
	sourceRe = regexp.MustCompile(`^source_filename\s*=\s*(` + stringRe + `)$`)
	globalRe = regexp.MustCompile(`^@(` + nameRe + `)\s*=\s*(` + stringRe + `)$`)
	declRe   = regexp.MustCompile(`^declare\s+(\S+)\s+@(` + nameRe + `)\((.*)\)$`)
	defineRe = regexp.MustCompile(`^define\s+(?:(\S+)\s+)?@(` + nameRe + `)(?:\((.*)\))?\s*\{$`)
	labelRe  = regexp.MustCompile(`^([-a-zA-Z$._0-9]+):$`)
	locRe    = regexp.MustCompile(`^(.*?)\s+!(?:(` + stringRe + `|[^\s"]\S*):)?(\d+)$`)
	identRe  = regexp.MustCompile(`^[-a-zA-Z$._][-a-zA-Z$._0-9]*$`)
	pathRe   = regexp.MustCompile(`^[-a-zA-Z$._0-9/]+$`)
)

// ParseFile reads a listing from a file.
func ParseFile(filename string) (*Module, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return Parse(filename, f)
}

// Parse reads a listing. The name is only used in error messages.
func Parse(name string, r io.Reader) (*Module, error) {
	p := parser{name: name, mod: &Module{}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.lineno++
		if err := p.parseLine(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.fn != nil {
		return nil, p.errorf("missing } after @%s", p.fn.Name)
	}

	for _, fn := range p.mod.Funcs {
		for _, b := range fn.Blocks {
			for _, inst := range b.Insts {
				if inst.Loc != nil && inst.Loc.File == "" {
					inst.Loc.File = p.mod.SourceFile
				}
			}
		}
	}
	return p.mod, nil
}

type parser struct {
	name   string
	lineno int
	mod    *Module
	fn     *Func  // the function definition being parsed
	block  *Block // the current block of fn
}

func (p *parser) parseLine(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ";") {
		return nil
	}

	if p.fn != nil {
		switch {
		case trimmed == "}":
			if len(p.fn.Blocks) == 0 {
				return p.errorf("@%s has no blocks", p.fn.Name)
			}
			p.fn, p.block = nil, nil
			return nil
		case line[0] == ' ' || line[0] == '\t':
			return p.parseInst(trimmed)
		}
		if m := labelRe.FindStringSubmatch(trimmed); m != nil {
			p.block = &Block{Label: m[1]}
			p.fn.Blocks = append(p.fn.Blocks, p.block)
			return nil
		}
		return p.errorf("unexpected %q in @%s", trimmed, p.fn.Name)
	}

	if m := sourceRe.FindStringSubmatch(trimmed); m != nil {
		src, err := strconv.Unquote(m[1])
		if err != nil {
			return p.errorf("bad source_filename: %s", err)
		}
		p.mod.SourceFile = src
		return nil
	}

	if m := globalRe.FindStringSubmatch(trimmed); m != nil {
		name, err := p.unquoteName(m[1])
		if err != nil {
			return err
		}
		value, err := strconv.Unquote(m[2])
		if err != nil {
			return p.errorf("bad string constant @%s: %s", name, err)
		}
		if p.mod.global(name) != nil {
			return p.errorf("@%s is already defined", name)
		}
		p.mod.Globals = append(p.mod.Globals, &Global{name, value})
		return nil
	}

	if m := declRe.FindStringSubmatch(trimmed); m != nil {
		return p.addFunc(m[1], m[2], m[3], false)
	}

	if m := defineRe.FindStringSubmatch(trimmed); m != nil {
		return p.addFunc(m[1], m[2], m[3], true)
	}

	return p.errorf("unexpected %q", trimmed)
}

func (p *parser) addFunc(result, rawName, params string, define bool) error {
	name, err := p.unquoteName(rawName)
	if err != nil {
		return err
	}
	if p.mod.Func(name) != nil {
		return p.errorf("@%s is already declared", name)
	}

	fn := &Func{Name: name, Result: result, Params: splitParams(params)}
	p.mod.Funcs = append(p.mod.Funcs, fn)
	if define {
		p.fn = fn
	}
	return nil
}

func (p *parser) parseInst(text string) error {
	if p.block == nil {
		return p.errorf("instruction before the first label of @%s", p.fn.Name)
	}

	var loc *instrument.Location
	if m := locRe.FindStringSubmatch(text); m != nil {
		line, err := strconv.Atoi(m[3])
		if err != nil {
			return p.errorf("bad line number %q", m[3])
		}
		file, err := p.unquoteName(m[2])
		if err != nil {
			return err
		}
		text = m[1]
		loc = &instrument.Location{File: file, Line: line}
	}

	p.block.Insts = append(p.block.Insts, &Inst{Text: text, Ret: isReturn(text), Loc: loc})
	return nil
}

func (p *parser) unquoteName(raw string) (string, error) {
	if !strings.HasPrefix(raw, `"`) {
		return raw, nil
	}
	name, err := strconv.Unquote(raw)
	if err != nil {
		return "", p.errorf("bad name %s: %s", raw, err)
	}
	return name, nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.name, p.lineno, fmt.Sprintf(format, args...))
}

func splitParams(params string) []string {
	if strings.TrimSpace(params) == "" {
		return nil
	}
	var types []string
	for _, param := range strings.Split(params, ",") {
		types = append(types, strings.TrimSpace(param))
	}
	return types
}

// isReturn determines the opcode of an instruction, which is either the
// first word or the word after "%x =".
func isReturn(text string) bool {
	fields := strings.Fields(text)
	if len(fields) >= 3 && strings.HasPrefix(fields[0], "%") && fields[1] == "=" {
		fields = fields[2:]
	}
	return len(fields) > 0 && (fields[0] == "ret" || fields[0] == "return")
}

// String returns the listing of the module, in the form that Parse reads.
func (m *Module) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "source_filename = %s\n", strconv.Quote(m.SourceFile))

	if len(m.Globals) > 0 {
		sb.WriteString("\n")
	}
	for _, g := range m.Globals {
		fmt.Fprintf(&sb, "@%s = %s\n", ident(g.Name), strconv.Quote(g.Value))
	}

	for _, fn := range m.Funcs {
		sb.WriteString("\n")
		if fn.IsDeclaration() {
			fmt.Fprintf(&sb, "declare %s @%s(%s)\n",
				orVoid(fn.Result), ident(fn.Name), strings.Join(fn.Params, ", "))
			continue
		}

		if fn.Result == "" {
			fmt.Fprintf(&sb, "define @%s {\n", ident(fn.Name))
		} else {
			fmt.Fprintf(&sb, "define %s @%s(%s) {\n",
				fn.Result, ident(fn.Name), strings.Join(fn.Params, ", "))
		}
		for _, b := range fn.Blocks {
			fmt.Fprintf(&sb, "%s:\n", b.Label)
			for _, inst := range b.Insts {
				sb.WriteString("  ")
				sb.WriteString(inst.text())
				if inst.Loc != nil {
					sb.WriteString("  ")
					sb.WriteString(m.locText(*inst.Loc))
				}
				sb.WriteString("\n")
			}
		}
		sb.WriteString("}\n")
	}

	return sb.String()
}

// WriteTo writes the listing of the module.
func (m *Module) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, m.String())
	return int64(n), err
}

// WriteFile writes the listing of the module to a file.
func (m *Module) WriteFile(filename string) error {
	return os.WriteFile(filename, []byte(m.String()), 0o666)
}

func (m *Module) locText(loc instrument.Location) string {
	if loc.File == "" || loc.File == m.SourceFile {
		return fmt.Sprintf("!%d", loc.Line)
	}
	file := loc.File
	if !pathRe.MatchString(file) {
		file = strconv.Quote(file)
	}
	return fmt.Sprintf("!%s:%d", file, loc.Line)
}

func (inst *Inst) text() string {
	call := inst.Call
	if call == nil {
		return inst.Text
	}
	return fmt.Sprintf("call void %s(ptr %s, ptr %s, i32 %d, i32 %d)",
		valueText(call.Sink), valueText(call.File), valueText(call.Function),
		call.Line, int32(call.Attrs))
}

func valueText(v instrument.Value) string {
	switch v := v.(type) {
	case *Func:
		return "@" + ident(v.Name)
	case *Global:
		return "@" + ident(v.Name)
	}
	return fmt.Sprintf("%v", v)
}

func ident(name string) string {
	if identRe.MatchString(name) {
		return name
	}
	return strconv.Quote(name)
}

func orVoid(result string) string {
	if result == "" {
		return "void"
	}
	return result
}
