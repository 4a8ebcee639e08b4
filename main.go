package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3"
	"github.com/sirupsen/logrus"

	"github.com/rillig/ccov/instrument"
	"github.com/rillig/ccov/probe"
	"github.com/rillig/ccov/report"
)

const version = "ccov 0.3.0"

var exit = os.Exit

func main() {
	exit(ccovMain(os.Stdout, os.Stderr, os.Args...))
}

func ccovMain(stdout, stderr io.Writer, args ...string) int {
	c := newCcov(stdout, stderr)
	c.parseCommandLine(args)
	if c.reportLog != "" {
		c.printReport()
		return c.exitCode
	}
	c.prepareOutput()
	if c.instrument() {
		c.writeManifest()
	} else {
		_, _ = io.WriteString(c.stdout, "nothing to instrument\n")
	}
	return c.exitCode
}

type ccov struct {
	sinkName   string
	outDir     string
	manifest   string
	jobs       int
	tests      bool
	buildFlags []string

	reportLog string
	srcDir    string

	args  []argInfo
	units []*unit

	exitCode int

	logger
}

func newCcov(stdout io.Writer, stderr io.Writer) *ccov {
	var c ccov
	c.logger.init(stdout, stderr)
	return &c
}

func (c *ccov) parseCommandLine(argv []string) {
	args := c.parseOptions(argv)
	c.parseArgs(args)
}

func (c *ccov) parseOptions(argv []string) []string {
	var help, ver bool

	flags := flag.NewFlagSet(filepath.Base(argv[0]), flag.ContinueOnError)
	flags.BoolVar(&help, "help", false,
		"print the available command line options")
	flags.StringVar(&c.outDir, "o", "",
		"write the instrumented listings to this `directory`")
	flags.StringVar(&c.manifest, "manifest", "",
		"write the probe sites as YAML to this `file`")
	flags.StringVar(&c.sinkName, "sink", probe.SinkName,
		"the `name` of the function that receives the probe calls")
	flags.IntVar(&c.jobs, "jobs", runtime.NumCPU(),
		"instrument this `number` of units in parallel")
	flags.BoolVar(&c.tests, "tests", false,
		"instrument the test files of the packages as well")
	flags.Var(newSliceFlag(&c.buildFlags), "build-flag",
		"pass the `flag` to the go command when loading packages")
	flags.StringVar(&c.reportLog, "report", "",
		"print the source lines from the trace `log` instead of instrumenting")
	flags.StringVar(&c.srcDir, "src", ".",
		"the `directory` in which -report finds the source files")
	flags.BoolVar(&c.verbose, "verbose", false,
		"show progress messages")
	flags.BoolVar(&ver, "version", false,
		"print the ccov version")
	flags.String("config", "",
		"read further options from this `file`")

	flags.SetOutput(c.stderr)
	flags.Usage = func() {
		_, _ = fmt.Fprintf(flags.Output(),
			"usage: %s [options] [package or listing...]\n", flags.Name())
		flags.PrintDefaults()
		c.exitCode = 2
	}

	err := ff.Parse(flags, argv[1:],
		ff.WithEnvVarPrefix("CCOV"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	if c.exitCode != 0 {
		exit(c.exitCode)
	}
	c.check(err)
	c.setVerbose(c.verbose)

	if help {
		flags.SetOutput(c.stdout)
		flags.Usage()
		exit(0)
	}

	if ver {
		c.outf("%s", version)
		exit(0)
	}

	if c.jobs < 1 {
		c.check(fmt.Errorf("-jobs must be at least 1, not %d", c.jobs))
	}
	if c.sinkName == "" {
		c.check(errors.New("-sink must not be empty"))
	}

	return flags.Args()
}

func (c *ccov) parseArgs(args []string) {
	if len(args) == 0 {
		args = []string{"."}
	}

	for _, arg := range args {
		c.args = append(c.args, c.classify(arg))
	}
}

// classify determines whether the argument is a listing file or a pattern
// for the go command.
func (c *ccov) classify(arg string) argInfo {
	if strings.HasSuffix(arg, ".ll") {
		return argInfo{arg: filepath.FromSlash(arg), listing: true}
	}
	return argInfo{arg: arg}
}

// prepareOutput creates the directory for the instrumented listings.
func (c *ccov) prepareOutput() {
	if c.outDir == "" {
		c.outDir = filepath.Join(os.TempDir(), "ccov-"+uuid.NewString())
	}
	c.check(os.MkdirAll(c.outDir, 0o777))
	c.verbosef("The output directory is %s", c.outDir)
}

func (c *ccov) instrument() bool {
	in := instrumenter{
		engine:     instrument.Engine{SinkName: c.sinkName, Log: c.log},
		jobs:       c.jobs,
		tests:      c.tests,
		buildFlags: c.buildFlags,
		log:        c.log,
	}

	units, err := in.load(c.args)
	c.check(err)
	if len(units) == 0 {
		return false
	}

	c.check(in.run(context.Background(), units))
	c.check(in.write(c.outDir, units))

	for _, u := range units {
		c.outf("%s", u.summaryLine())
	}
	c.verbosef("Instrumented %d units to %s", len(units), c.outDir)
	c.units = units
	return true
}

func (c *ccov) writeManifest() {
	if c.manifest == "" {
		return
	}
	c.check(writeManifest(c.manifest, c.sinkName, c.units))
	c.verbosef("Wrote the manifest to %s", c.manifest)
}

func (c *ccov) printReport() {
	f, err := os.Open(c.reportLog)
	c.check(err)
	defer func() { _ = f.Close() }()

	traces, err := report.Collect(f)
	if err != nil {
		c.check(fmt.Errorf("%s: %w", c.reportLog, err))
	}
	c.verbosef("Found %d traces in %s", len(traces), c.reportLog)

	c.check(report.Write(c.stdout, traces, c.srcDir))
}

// logger provides basic logging and error checking.
//
// The messages from verbosef and the diagnostics of the libraries go
// through log, which only shows them in verbose mode.
type logger struct {
	stdout  io.Writer
	stderr  io.Writer
	verbose bool
	log     *logrus.Logger
}

func (l *logger) init(stdout io.Writer, stderr io.Writer) {
	l.stdout = stdout
	l.stderr = stderr
	l.log = logrus.New()
	l.log.SetOutput(stderr)
	l.log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.log.SetLevel(logrus.InfoLevel)
}

func (l *logger) setVerbose(verbose bool) {
	l.verbose = verbose
	if verbose {
		l.log.SetLevel(logrus.DebugLevel)
	}
}

func (l *logger) check(err error) {
	if err != nil {
		l.errf("%s", err)
		exit(1)
	}
}

func (l *logger) outf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(l.stdout, format+"\n", args...)
}

func (l *logger) errf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(l.stderr, format+"\n", args...)
}

func (l *logger) verbosef(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

// argInfo describes an item from the command line that will be
// instrumented.
type argInfo struct {
	// For listings, the file name in native form.
	// For packages, the pattern as given to the go command.
	arg string

	// Whether arg is a listing file (true) or a package pattern (false).
	listing bool
}
