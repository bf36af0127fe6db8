package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"maps"
	"os"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/amterp/color"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gemlock/gemlock"
	"github.com/gemlock/gemlock/internal/logging"
)

var (
	greenf   = color.New(color.FgGreen).SprintfFunc()
	redf     = color.New(color.FgRed).SprintfFunc()
	hiblackf = color.New(color.FgHiBlack).SprintfFunc()
)

type resolveFn = func(ctx context.Context, manifest *gemlock.Manifest, prev *gemlock.Lockfile, unlocked mapset.Set[string], index gemlock.UniverseIndex) (*gemlock.Lockfile, error)
type outputFn = func(ctx context.Context, prev, lf *gemlock.Lockfile) error

type config struct {
	manifestPath string
	universePath string
	lockfilePath string
	unlocked     mapset.Set[string]
	resolve      *resolveFn
	output       *outputFn
}

func ver() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi.Main.Version == "(devel)" {
		return ""
	}
	return bi.Main.Version
}

var allResolveFuncs = [...]resolveFn{
	gemlock.Resolve,
	gemlock.ResolveSat,
}

var allResolve = map[string]*resolveFn{
	"backtrack": &allResolveFuncs[0],
	"sat":       &allResolveFuncs[1],
}

var allOutputFuncs = [...]outputFn{
	outputLock,
	outputTree,
	outputDiff,
}

var allOutput = map[string]*outputFn{
	"lock": &allOutputFuncs[0],
	"tree": &allOutputFuncs[1],
	"diff": &allOutputFuncs[2],
}

func outputLock(ctx context.Context, prev, lf *gemlock.Lockfile) error {
	fmt.Print(lf.Serialize())
	return nil
}

func outputTree(ctx context.Context, prev, lf *gemlock.Lockfile) error {
	seenMsg := hiblackf(" (repeat)")
	seen := mapset.NewSet[string]()
	var visit func(name string, indent int)
	visit = func(name string, indent int) {
		fmt.Print(strings.Repeat("  ", indent))
		spec, ok := lf.Spec(name)
		if !ok {
			// Dependencies with no locked spec (e.g. manifest platform
			// mismatch) still get a line.
			fmt.Printf("%v\n", name)
			return
		}
		if !seen.Add(name) {
			fmt.Printf("%s%s\n", hiblackf("%v", spec), seenMsg)
			return
		}
		fmt.Printf("%v\n", spec)
		deps := slices.SortedFunc(slices.Values(spec.Deps), gemlock.RequirementCompare)
		for _, dep := range deps {
			visit(dep.Name, indent+1)
		}
	}
	roots := slices.SortedFunc(slices.Values(lf.Dependencies), gemlock.RequirementCompare)
	for _, req := range roots {
		visit(req.Name, 0)
	}
	return nil
}

func outputDiff(ctx context.Context, prev, lf *gemlock.Lockfile) error {
	if prev == nil {
		prev = &gemlock.Lockfile{}
	}
	for _, name := range slices.Sorted(mapset.Elements(gemlock.LockfileDiff(prev, lf))) {
		var before, after string
		if spec, ok := prev.Spec(name); ok {
			before = spec.String()
		}
		if spec, ok := lf.Spec(name); ok {
			after = spec.String()
		}
		switch {
		case before == "":
			fmt.Printf("%s\n", greenf("+ %v", after))
		case after == "":
			fmt.Printf("%s\n", redf("- %v", before))
		default:
			fmt.Printf("%s %s\n", redf("- %v", before), greenf("+ %v", after))
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config) error {
	manifestData, err := os.ReadFile(cfg.manifestPath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest, err := gemlock.ParseManifest(manifestData)
	if err != nil {
		return err
	}
	universeData, err := os.ReadFile(cfg.universePath)
	if err != nil {
		return fmt.Errorf("failed to read universe snapshot: %w", err)
	}
	sources, err := gemlock.ParseUniverse(universeData)
	if err != nil {
		return err
	}
	index := gemlock.SingleFlight(gemlock.NewUniverse(sources, manifest.TargetPlatforms()))
	var prev *gemlock.Lockfile
	if lockData, err := os.ReadFile(cfg.lockfilePath); err == nil {
		if prev, err = gemlock.ParseLockfile(string(lockData)); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read lockfile: %w", err)
	}
	var names []string
	for _, req := range manifest.Requirements {
		names = append(names, req.Name)
	}
	if err := gemlock.Warm(ctx, index, names); err != nil {
		return err
	}
	lf, err := (*cfg.resolve)(ctx, manifest, prev, cfg.unlocked, index)
	if err != nil {
		return err
	}
	return (*cfg.output)(ctx, prev, lf)
}

var slogLevel = func() *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(logging.LevelInfo)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
	return lvl
}()

func choiceFlag[T any](p *T, name string, choices map[string]T, dflt string, usage string) {
	cstr := strings.Join(slices.Sorted(maps.Keys(choices)), ", ")
	var ok bool
	if *p, ok = choices[dflt]; !ok {
		panic(fmt.Errorf("invalid default for %v option: %v", dflt, name))
	}
	usage += fmt.Sprintf(" (one of: %v; default: %v)", cstr, dflt)
	flag.Func(name, usage, func(arg string) error {
		if arg == "" {
			arg = dflt
		}
		v, ok := choices[arg]
		if !ok {
			return fmt.Errorf("expected one of: %v", cstr)
		}
		*p = v
		return nil
	})
}

func parseFlags() *config {
	cfg := &config{unlocked: mapset.NewSet[string]()}

	bumpLogLevel := func(lower bool) {
		slogLevel.Set(logging.BumpLevel(slogLevel.Level(), lower))
	}
	setLogLevel := func(arg string) error {
		lvl, err := logging.StringToLevel(arg)
		if err != nil {
			return err
		}
		slogLevel.Set(lvl)
		return nil
	}
	flag.BoolFunc("v", "Increase log verbosity.", func(arg string) error {
		switch arg {
		case "", "true":
			bumpLogLevel(true)
		default:
			return setLogLevel(arg)
		}
		return nil
	})
	flag.BoolFunc("q", "Decrease log verbosity.", func(arg string) error {
		switch arg {
		case "", "true":
			bumpLogLevel(false)
		default:
			return setLogLevel(arg)
		}
		return nil
	})

	colorChoices := map[string]bool{
		"auto":   color.NoColor,
		"never":  true,
		"always": false,
	}
	choiceFlag(&color.NoColor, "color", colorChoices, "auto",
		"Output colors according to `mode`.")
	flag.StringVar(&cfg.manifestPath, "manifest", "gems.yml",
		"Read the gem manifest from `path`.")
	flag.StringVar(&cfg.universePath, "universe", "universe.yml",
		"Read the package universe snapshot from `path`.")
	flag.StringVar(&cfg.lockfilePath, "lockfile", "Gemfile.lock",
		"Read the previous lockfile from `path` if it exists.")
	flag.Func("unlock",
		"Allow `gem` (repeatable) to move off its locked version.",
		func(arg string) error {
			if arg == "" {
				return fmt.Errorf("expected a gem name")
			}
			cfg.unlocked.Add(arg)
			return nil
		})
	choiceFlag(&cfg.resolve, "resolver", allResolve, "backtrack",
		"Resolve dependencies using the algorithm indicated by `mode`.")
	choiceFlag(&cfg.output, "format", allOutput, "lock",
		"Print the resolution according to `mode`.")
	help := func(string) error {
		// Explicitly requested help goes to standard output so it can be piped
		// to a pager.  Standard error stays reserved for actual errors.
		flag.CommandLine.SetOutput(os.Stdout)
		flag.Usage()
		os.Exit(0)
		return nil
	}
	helpUsage := "Print usage information and exit."
	flag.BoolFunc("h", helpUsage, help)
	flag.BoolFunc("help", helpUsage, help)
	flag.BoolFunc("version", "Print the version and exit.", func(string) error {
		v := ver()
		if v == "" {
			log.Fatal("the Go build information is unavailable; try passing the \"-buildvcs=true\" build option to go")
		}
		fmt.Printf("%s\n", v)
		os.Exit(0)
		return nil
	})
	flag.Parse()
	if flag.NArg() != 0 {
		log.Fatal("unexpected positional arguments")
	}
	return cfg
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := parseFlags()
	if err := run(ctx, cfg); err != nil {
		slog.ErrorContext(ctx, "failed", "error", err)
		os.Exit(1)
	}
}
