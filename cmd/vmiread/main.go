// Command vmiread reads a span of guest memory through a connector,
// memory map, page cache, and optional MMU translator, and writes the
// result to stdout or a file. It is the thin driver around
// internal/pipeline meant for scripting and manual inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/cc/internal/addr"
	"github.com/tinyrange/cc/internal/memmap"
	"github.com/tinyrange/cc/internal/mmuspec"
	"github.com/tinyrange/cc/internal/pipeline"
	"github.com/tinyrange/cc/internal/provider"
	"github.com/tinyrange/cc/internal/vconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmiread: %v\n", err)
		os.Exit(1)
	}
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), hexOrDec(s), 64)
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func run() error {
	var (
		dumpPath = flag.String("dump", "", "path to a flat memory dump file (required)")
		confPath = flag.String("config", "", "path to a YAML pipeline configuration")
		addrStr  = flag.String("addr", "0", "address to read, linear or virtual depending on -dtb")
		length   = flag.Uint64("length", 256, "number of bytes to read")
		dtbStr   = flag.String("dtb", "", "page-table base (directory table base); if set, -addr is virtual")
		arch     = flag.String("arch", "x86_64", "MMU architecture for -dtb translation: x86_64, x86_32, aarch64, riscv64sv39, riscv64sv48")
		outPath  = flag.String("out", "", "output file; defaults to stdout")
		quiet    = flag.Bool("quiet", false, "suppress the progress bar")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *dumpPath == "" {
		return errors.New("-dump is required")
	}

	cfg := &vconfig.Config{PageSize: 4096}
	if *confPath != "" {
		data, err := os.ReadFile(*confPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		cfg, err = vconfig.Load(data)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cache, err := cfg.BuildCache()
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	f, err := os.Open(*dumpPath)
	if err != nil {
		return fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat dump: %w", err)
	}
	dump := provider.NewFileDump(f, nil, uint64(fi.Size()))
	logger.Info("opened dump", slog.String("path", *dumpPath), slog.Uint64("size", uint64(fi.Size())))

	mm := memmap.New[memmap.Region]()
	mm.Push(addr.Address(0), memmap.Region{RealBase: addr.Address(0), Size: uint64(fi.Size())})

	var spec *mmuspec.Spec
	if *dtbStr != "" {
		spec, err = archSpec(*arch)
		if err != nil {
			return err
		}
	}

	pl := pipeline.New(dump, mm, cache, spec, 0)

	a, err := parseUint(*addrStr)
	if err != nil {
		return fmt.Errorf("-addr: %w", err)
	}

	var out io.Writer = os.Stdout
	if *outPath != "" {
		of, err := os.Create(*outPath)
		if err != nil {
			return fmt.Errorf("create -out: %w", err)
		}
		defer of.Close()
		out = of
	}

	var bar *progressbar.ProgressBar
	if !*quiet {
		bar = progressbar.DefaultBytes(int64(*length), "reading")
	}

	buf := make([]byte, *length)
	ctx := context.Background()

	readOne := func() error {
		var readErr error
		onSuccess := func(op provider.Op, _ error) bool { return true }
		onFailure := func(op provider.Op, err error) bool { readErr = err; return false }

		if spec != nil {
			dtb, err := parseUint(*dtbStr)
			if err != nil {
				return fmt.Errorf("-dtb: %w", err)
			}
			err = pl.ReadVirtIter(ctx, addr.Address(dtb),
				[]pipeline.VirtToPhysOp{{Addr: addr.Address(a), Buf: buf}}, onSuccess, onFailure)
			if err != nil {
				return err
			}
			return readErr
		}
		err := pl.ReadRawIter(ctx, []pipeline.ReadOp{{Addr: addr.Address(a), Buf: buf}}, onSuccess, onFailure)
		if err != nil {
			return err
		}
		return readErr
	}

	if err := readOne(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if bar != nil {
		bar.Add(len(buf))
	}

	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func archSpec(name string) (*mmuspec.Spec, error) {
	switch name {
	case "x86_64":
		return mmuspec.X8664, nil
	case "x86_32":
		return mmuspec.X8632, nil
	case "aarch64":
		return mmuspec.AArch64_4K, nil
	case "riscv64sv39":
		return mmuspec.RISCV64Sv39, nil
	case "riscv64sv48":
		return mmuspec.RISCV64Sv48, nil
	default:
		return nil, fmt.Errorf("unknown -arch %q", name)
	}
}
