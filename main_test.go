package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/check.v1"
)

func (s *Suite) Test_ccov_parseCommandLine(c *check.C) {
	cc := s.newCcov()
	cc.parseCommandLine([]string{"ccov"})

	c.Check(cc.exitCode, check.Equals, 0)
	c.Check(cc.sinkName, check.Equals, "__log_coverage")
	c.Check(cc.jobs, check.Equals, runtime.NumCPU())
	c.Check(cc.outDir, check.Equals, "")
	c.Check(cc.srcDir, check.Equals, ".")
	c.Check(cc.verbose, check.Equals, false)
	c.Check(cc.args, check.DeepEquals, []argInfo{{arg: "."}})
}

func (s *Suite) Test_ccov_parseCommandLine__options(c *check.C) {
	cc := s.newCcov()
	cc.parseCommandLine([]string{"ccov",
		"-o", "out", "-sink", "trace", "-jobs", "3", "-tests",
		"-build-flag", "-tags=a", "-build-flag", "-race",
		"testdata/main.ll", "./..."})

	c.Check(cc.outDir, check.Equals, "out")
	c.Check(cc.sinkName, check.Equals, "trace")
	c.Check(cc.jobs, check.Equals, 3)
	c.Check(cc.tests, check.Equals, true)
	c.Check(cc.buildFlags, check.DeepEquals, []string{"-tags=a", "-race"})
	c.Check(cc.args, check.DeepEquals, []argInfo{
		{arg: filepath.FromSlash("testdata/main.ll"), listing: true},
		{arg: "./..."}})
}

func (s *Suite) Test_ccov_parseCommandLine__environment(c *check.C) {
	c.Assert(os.Setenv("CCOV_SINK", "from_env"), check.IsNil)
	c.Assert(os.Setenv("CCOV_BUILD_FLAG", "-tags=env"), check.IsNil)
	defer func() {
		_ = os.Unsetenv("CCOV_SINK")
		_ = os.Unsetenv("CCOV_BUILD_FLAG")
	}()

	cc := s.newCcov()
	cc.parseCommandLine([]string{"ccov"})

	c.Check(cc.sinkName, check.Equals, "from_env")
	c.Check(cc.buildFlags, check.DeepEquals, []string{"-tags=env"})

	cc = s.newCcov()
	cc.parseCommandLine([]string{"ccov", "-sink", "from_args"})

	c.Check(cc.sinkName, check.Equals, "from_args")
}

func (s *Suite) Test_ccov_parseCommandLine__config_file(c *check.C) {
	config := filepath.Join(c.MkDir(), "ccov.conf")
	err := os.WriteFile(config, []byte("# defaults\nsink from_config\njobs 2\nverbose true\n"), 0o666)
	c.Assert(err, check.IsNil)

	cc := s.newCcov()
	cc.parseCommandLine([]string{"ccov", "-config", config, "-jobs", "5"})

	c.Check(cc.sinkName, check.Equals, "from_config")
	c.Check(cc.jobs, check.Equals, 5)
	c.Check(cc.verbose, check.Equals, true)
}

func (s *Suite) Test_ccov_parseCommandLine__missing_config_file(c *check.C) {
	cc := s.newCcov()
	cc.parseCommandLine([]string{"ccov", "-config", filepath.Join(c.MkDir(), "none")})

	c.Check(cc.exitCode, check.Equals, 0)
	c.Check(cc.sinkName, check.Equals, "__log_coverage")
}

func (s *Suite) Test_ccov_parseCommandLine__help(c *check.C) {
	cc := s.newCcov()

	c.Check(
		func() { cc.parseCommandLine([]string{"ccov", "-help"}) },
		check.Panics,
		exited(0))

	stdout := s.Stdout()
	c.Check(stdout, check.Matches, `(?s)usage: ccov \[options\] \[package or listing\.\.\.\]\n.*`)
	c.Check(stdout, check.Matches, `(?s).*\n  -build-flag flag\n.*`)
	c.Check(stdout, check.Matches, `(?s).*\n  -report log\n.*`)
	c.Check(s.Stderr(), check.Equals, "")
}

func (s *Suite) Test_ccov_parseCommandLine__unknown_option(c *check.C) {
	cc := s.newCcov()

	c.Check(
		func() { cc.parseCommandLine([]string{"ccov", "-unknown"}) },
		check.Panics,
		exited(2))

	stderr := s.Stderr()
	c.Check(stderr, check.Matches, `(?s)flag provided but not defined: -unknown\nusage: ccov .*`)
	c.Check(s.Stdout(), check.Equals, "")
}

func (s *Suite) Test_ccov_parseCommandLine__version(c *check.C) {
	cc := s.newCcov()

	c.Check(
		func() { cc.parseCommandLine([]string{"ccov", "--version"}) },
		check.Panics,
		exited(0))

	c.Check(s.Stdout(), check.Equals, version+"\n")
}

func (s *Suite) Test_ccov_parseCommandLine__bad_values(c *check.C) {
	test := func(stderr string, args ...string) {
		cc := s.newCcov()
		c.Check(
			func() { cc.parseCommandLine(append([]string{"ccov"}, args...)) },
			check.Panics,
			exited(1))
		c.Check(s.Stderr(), check.Equals, stderr)
	}

	test("-jobs must be at least 1, not 0\n", "-jobs", "0")
	test("-sink must not be empty\n", "-sink", "")
}

func (s *Suite) Test_ccov_classify(c *check.C) {
	cc := s.newCcov()

	c.Check(cc.classify("a/b.ll"), check.Equals, argInfo{filepath.FromSlash("a/b.ll"), true})
	c.Check(cc.classify("./..."), check.Equals, argInfo{"./...", false})
	c.Check(cc.classify("example.com/pkg"), check.Equals, argInfo{"example.com/pkg", false})
	c.Check(cc.classify("main.c"), check.Equals, argInfo{"main.c", false})
}

func (s *Suite) Test_ccovMain__listing(c *check.C) {
	out := c.MkDir()

	s.RunMain(c, 0, "ccov", "-o", out, "testdata/main.ll")

	c.Check(s.Stdout(), check.Equals, "main.c: 4 probes in 2 routines\n")
	c.Check(s.Stderr(), check.Equals, "")
	c.Check(listRegularFiles(out), check.DeepEquals, []string{"main.c.ll"})

	listing, err := os.ReadFile(filepath.Join(out, "main.c.ll"))
	c.Assert(err, check.IsNil)
	c.Check(string(listing), check.Equals, normalize(`
		source_filename = "main.c"

		@.str = "main.c"
		@.str.1 = "main"
		@.str.2 = "twice"

		define i32 @main() {
		entry:
		  call void @__log_coverage(ptr @.str, ptr @.str.1, i32 4, i32 1)  !4
		  %x = call i32 @twice(i32 21)  !4
		  call void @__log_coverage(ptr @.str, ptr @.str.1, i32 5, i32 2)  !5
		  ret i32 %x  !5
		}

		define i32 @twice(i32) {
		entry:
		  call void @__log_coverage(ptr @.str, ptr @.str.2, i32 8, i32 1)  !8
		  %r = mul i32 %0, 2  !8
		  call void @__log_coverage(ptr @.str, ptr @.str.2, i32 8, i32 2)  !8
		  ret i32 %r  !8
		}

		declare void @__log_coverage(ptr, ptr, i32, i32)
		`))
}

func (s *Suite) Test_ccovMain__verbose(c *check.C) {
	out := c.MkDir()

	s.RunMain(c, 0, "ccov", "-verbose", "-o", out, "testdata/main.ll")

	c.Check(s.Stdout(), check.Equals, "main.c: 4 probes in 2 routines\n")
	stderr := s.Stderr()
	c.Check(stderr, check.Matches, `(?s)level=debug msg="The output directory is .*`)
	c.Check(stderr, check.Matches, `(?s).*level=debug msg="parsed listing" file=.*`)
	c.Check(stderr, check.Matches, `(?s).*level=debug msg="Instrumented 1 units to .*`)
}

func (s *Suite) Test_ccovMain__default_output_directory(c *check.C) {
	s.RunMain(c, 0, "ccov", "-verbose", "testdata/main.ll")

	c.Check(s.Stdout(), check.Equals, "main.c: 4 probes in 2 routines\n")
	stderr := s.Stderr()
	start := strings.Index(stderr, "The output directory is ")
	c.Assert(start >= 0, check.Equals, true)
	rest := stderr[start+len("The output directory is "):]
	dir := rest[:strings.Index(rest, `"`)]
	defer func() { _ = os.RemoveAll(dir) }()

	c.Check(filepath.Base(dir), check.Matches, `ccov-[0-9a-f-]{36}`)
	c.Check(listRegularFiles(dir), check.DeepEquals, []string{"main.c.ll"})
}

func (s *Suite) Test_ccovMain__manifest(c *check.C) {
	out := c.MkDir()
	manifestFile := filepath.Join(out, "probes.yaml")

	s.RunMain(c, 0, "ccov", "-o", out, "-sink", "trace", "-manifest", manifestFile, "testdata/main.ll")

	c.Check(s.Stdout(), check.Equals, "main.c: 4 probes in 2 routines\n")
	c.Check(listRegularFiles(out), check.DeepEquals, []string{"main.c.ll", "probes.yaml"})

	m := s.readManifest(c, manifestFile)
	c.Check(m, check.DeepEquals, manifest{
		Sink: "trace",
		Units: []manifestUnit{{
			Source:  "main.c",
			Listing: "main.c.ll",
			Probes: []manifestProbe{
				{Routine: "main", Block: 0, Line: 4, Attrs: []string{"entry"}},
				{Routine: "main", Block: 0, Line: 5, Attrs: []string{"ret"}},
				{Routine: "twice", Block: 0, Line: 8, Attrs: []string{"entry"}},
				{Routine: "twice", Block: 0, Line: 8, Attrs: []string{"ret"}},
			},
		}},
	})
}

func (s *Suite) Test_ccovMain__declarations_only(c *check.C) {
	out := c.MkDir()

	s.RunMain(c, 0, "ccov", "-o", out, "testdata/decls.ll")

	// The unit is still written, including the sink declaration.
	c.Check(s.Stdout(), check.Equals, "decls.c: 0 probes in 0 routines\n")
	c.Check(listRegularFiles(out), check.DeepEquals, []string{"decls.c.ll"})
}

func (s *Suite) Test_ccovMain__incompatible_sink(c *check.C) {
	out := c.MkDir()

	s.RunMain(c, 1, "ccov", "-o", out, "testdata/main.ll", "testdata/bad_sink.ll")

	c.Check(s.Stdout(), check.Equals, "")
	c.Check(s.Stderr(), check.Equals,
		"bad_sink.c: declare __log_coverage: @__log_coverage is already declared as i32(ptr)\n")
	c.Check(listRegularFiles(out), check.HasLen, 0)
}

func (s *Suite) Test_ccovMain__missing_listing(c *check.C) {
	s.RunMain(c, 1, "ccov", "-o", c.MkDir(), "testdata/missing.ll")

	c.Check(s.Stdout(), check.Equals, "")
	c.Check(s.Stderr(), check.Matches, `open testdata/missing\.ll: .*\n`)
}

func (s *Suite) Test_ccovMain__go_package(c *check.C) {
	if testing.Short() {
		c.Skip("loads packages using the go command")
	}
	out := c.MkDir()

	s.RunMain(c, 0, "ccov", "-o", out, "./report")

	c.Check(s.Stdout(), check.Matches, `report/report\.go: \d+ probes in 3 routines(, \d+ blocks without location)?\n`)
	c.Check(s.Stderr(), check.Equals, "")
	c.Check(listRegularFiles(out), check.DeepEquals, []string{"report_report.go.ll"})
}

func (s *Suite) Test_ccovMain__report(c *check.C) {
	s.RunMain(c, 0, "ccov", "-report", "testdata/trace.log", "-src", "testdata/src")

	c.Check(s.Stdout(), check.Equals, ""+
		"     1|     4|\tint x = twice(21);\n"+
		"     2|     8|int twice(int n) { return n * 2; }\n"+
		"     3|     5|\treturn x;\n")
	c.Check(s.Stderr(), check.Equals, "")
}

func (s *Suite) Test_ccovMain__report_errors(c *check.C) {
	dir := c.MkDir()
	log := filepath.Join(dir, "bad.log")
	c.Assert(os.WriteFile(log, []byte("#CCOV:main.c\n"), 0o666), check.IsNil)

	s.RunMain(c, 1, "ccov", "-report", log)

	c.Check(s.Stderr(), check.Equals,
		log+`: line 1: record "#CCOV:main.c": unexpected number of fields`+"\n")

	s.RunMain(c, 1, "ccov", "-report", "testdata/trace.log", "-src", dir)

	c.Check(s.Stderr(), check.Matches, `open .*main\.c: .*\n`)
	c.Check(s.Stdout(), check.Equals, "")
}

func (s *Suite) Test_normalize(c *check.C) {
	c.Check(normalize("\n\t\ta\n\n\t\t  b\n\t\t"), check.Equals, "a\n\n  b\n")
	c.Check(normalize("\n\t\t\ta\n\t\t\t  b\n\t\t\t"), check.Equals, "a\n  b\n")
	c.Check(normalize("\n\t\t\ta\n\t\t\t\tb\n\t\t"), check.Equals, "a\n\tb\n")
}

// normalize removes the leading newline and the indentation that all
// nonblank lines of a raw string literal have in common.
func normalize(s string) string {
	lines := strings.Split(strings.TrimLeft(s, "\n"), "\n")

	indent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, "\t"))
		if indent < 0 || n < indent {
			indent = n
		}
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
		} else {
			lines[i] = line[indent:]
		}
	}
	return strings.Join(lines, "\n")
}
