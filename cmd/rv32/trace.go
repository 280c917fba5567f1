package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/rv32/internal/rv32"
	"github.com/tinyrange/rv32/internal/trace"
)

func runTrace(args []string) error {
	fs := flag.NewFlagSet("rv32 trace", flag.ExitOnError)
	kinds := fs.String("kind", "", "Comma separated record kinds: trap, halt, note")
	causes := fs.String("cause", "", "Comma separated trap causes (decimal or 0x80000007 style)")
	first := fs.Int("first", 0, "Show only the first N matches")
	last := fs.Int("last", 0, "Show only the last N matches")
	summary := fs.Bool("summary", false, "Print trap counts by cause instead of records")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s trace [flags] <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Print a trap log written with -trace.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("trace file required")
	}

	opts, err := parseSearch(*kinds, *causes)
	if err != nil {
		return err
	}
	opts.LimitStart = *first
	opts.LimitEnd = *last

	r, closer, err := trace.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closer.Close()

	if r.Truncated() {
		fmt.Fprintf(os.Stderr, "rv32: %s ends with a partial record\n", fs.Arg(0))
	}
	if *summary {
		for _, c := range r.Summary() {
			fmt.Fprintln(os.Stdout, c.String())
		}
		return nil
	}
	return printRecords(os.Stdout, r, opts)
}

func parseSearch(kinds, causes string) (trace.SearchOptions, error) {
	var opts trace.SearchOptions
	for _, k := range splitList(kinds) {
		switch k {
		case "trap":
			opts.Kinds = append(opts.Kinds, trace.KindTrap)
		case "halt":
			opts.Kinds = append(opts.Kinds, trace.KindHalt)
		case "note":
			opts.Kinds = append(opts.Kinds, trace.KindNote)
		default:
			return opts, fmt.Errorf("unknown record kind %q", k)
		}
	}
	for _, c := range splitList(causes) {
		v, err := strconv.ParseUint(c, 0, 32)
		if err != nil {
			return opts, fmt.Errorf("bad cause %q: %w", c, err)
		}
		opts.Causes = append(opts.Causes, uint32(v))
	}
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func printRecords(w io.Writer, r *trace.Reader, opts trace.SearchOptions) error {
	return r.Search(opts, func(rec trace.Record) error {
		ts := rec.Time.Format(time.RFC3339Nano)
		var err error
		switch rec.Kind {
		case trace.KindTrap:
			ev := rec.Trap
			_, err = fmt.Fprintf(w, "%s %s trap cycle=%d pc=0x%08x cause=%q tval=0x%08x handler=0x%08x %s->%s\n",
				ts, rec.Source, ev.Cycle, ev.PC, rv32.CauseName(ev.Cause), ev.Tval, ev.Handler,
				rv32.PrivName(ev.From), rv32.PrivName(ev.To))
		case trace.KindHalt:
			_, err = fmt.Fprintf(w, "%s %s halt code=%d cycles=%d\n", ts, rec.Source, rec.Code, rec.Cycles)
		default:
			_, err = fmt.Fprintf(w, "%s %s %s %s\n", ts, rec.Source, rec.Kind, rec.Text)
		}
		return err
	})
}
