// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/intuitivelabs/mallocs/segmalloc"
	"github.com/intuitivelabs/mallocs/segmalloc/internal/trace"
)

var (
	runMmap    bool
	runMaxHeap uint64
	runChunk   uint64
	runCheck   bool
	runDebug   bool
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&runMmap, "mmap", false, "Grow the heap in an anonymous mapping instead of a Go slice")
	cmd.Flags().Uint64Var(&runMaxHeap, "max-heap", 256<<20, "Maximum heap size in bytes")
	cmd.Flags().Uint64Var(&runChunk, "chunk", segmalloc.DefaultChunkSize, "Minimum heap extension in bytes")
	cmd.Flags().BoolVar(&runCheck, "check", false, "Verify the whole heap after each operation (slow)")
	cmd.Flags().BoolVar(&runDebug, "debug", false, "Log every allocator operation (with --verbose)")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <trace>...",
		Short: "Replay trace files",
		Long: `The run command replays each trace file on a fresh heap and checks
every block returned by the allocator. It prints, for each trace, the
number of operations, the peak payload, the final heap size, the
utilization (peak payload / heap size) and the throughput.

Example:
  mmdriver run traces/*.rep
  mmdriver run --check --max-heap 67108864 short1.rep
  mmdriver run --mmap --json realloc.rep`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(args)
		},
	}
	return cmd
}

// traceReport is the per trace output.
type traceReport struct {
	Trace      string  `json:"trace"`
	Valid      bool    `json:"valid"`
	Error      string  `json:"error,omitempty"`
	Ops        int     `json:"ops"`
	Peak       uint64  `json:"peak"`
	HeapSize   uint64  `json:"heap_size"`
	Util       float64 `json:"util"`
	Throughput float64 `json:"ops_per_sec"`
	Weight     int     `json:"weight"`
}

type runReport struct {
	Traces     []traceReport `json:"traces"`
	Failed     int           `json:"failed"`
	Util       float64       `json:"util"` // weighted average
	Throughput float64       `json:"ops_per_sec"`
}

func runRun(args []string) error {
	opts := segmalloc.SMDefaultOptions
	if runDebug {
		opts |= segmalloc.SMDebug
	}
	if runMaxHeap < runChunk+2*segmalloc.RoundTo {
		return fmt.Errorf("--max-heap %d too small for --chunk %d", runMaxHeap, runChunk)
	}

	var rep runReport
	var totOps int
	var totTime time.Duration
	var weights int
	for _, path := range args {
		tr := traceReport{Trace: path}
		res, err := replayFile(path, opts)
		if err != nil {
			printError("%s: %v\n", path, err)
			tr.Error = err.Error()
			rep.Failed++
			rep.Traces = append(rep.Traces, tr)
			continue
		}
		tr.Valid = true
		tr.Ops = res.Ops
		tr.Peak = res.Peak
		tr.HeapSize = res.HeapSize
		tr.Util = res.Util()
		tr.Throughput = res.Throughput()
		tr.Weight = res.Weight
		rep.Traces = append(rep.Traces, tr)

		totOps += res.Ops
		totTime += res.Elapsed
		rep.Util += res.Util() * float64(res.Weight)
		weights += res.Weight
	}
	if weights > 0 {
		rep.Util /= float64(weights)
	}
	if totTime > 0 {
		rep.Throughput = float64(totOps) / totTime.Seconds()
	}

	if jsonOut {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else if !quiet {
		printReport(os.Stdout, &rep)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d traces failed", rep.Failed, len(args))
	}
	return nil
}

// replayFile runs one trace on a new heap.
func replayFile(path string, opts segmalloc.Options) (*trace.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := trace.Parse(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	t.Name = filepath.Base(path)
	printVerbose("Replaying %s: %d ops, %d ids\n", t.Name, len(t.Ops), t.NumIDs)

	maxHeap := (runMaxHeap + segmalloc.RoundTo - 1) &^ (segmalloc.RoundTo - 1)
	var mem segmalloc.Mem
	if runMmap {
		m, err := segmalloc.NewMmapMem(maxHeap)
		if err != nil {
			return nil, err
		}
		defer m.Close()
		mem = m
	} else {
		m, err := segmalloc.NewSliceMem(maxHeap)
		if err != nil {
			return nil, err
		}
		mem = m
	}
	h, err := segmalloc.New(mem, runChunk, opts)
	if err != nil {
		return nil, err
	}
	res, err := trace.Replay(h, t, trace.ReplayOptions{Check: runCheck})
	if err != nil {
		if verbose {
			h.DumpStatus()
		}
		return nil, err
	}
	if verbose {
		printVerbose("%s: %s\n", t.Name, heapLayout(h))
	}
	return res, nil
}

// heapLayout summarizes the blocks left in h.
func heapLayout(h *segmalloc.Heap) string {
	var blocks, free int
	var freeBytes, largest uint64
	h.Walk(func(b segmalloc.BlockInfo) bool {
		blocks++
		if !b.Alloc {
			free++
			freeBytes += b.Size
			largest = max(largest, b.Size)
		}
		return true
	})
	u := h.MUsage()
	p := message.NewPrinter(language.English)
	return p.Sprintf("%d blocks (%d free, %d bytes, largest %d), "+
		"%d grows, %d splits, %d coalesces",
		blocks, free, freeBytes, largest, u.Grows, u.Splits, u.Coalesces)
}

// printReport writes the results table.
func printReport(w io.Writer, rep *runReport) {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "trace\tvalid\tops\tpeak\theap\tutil\tKops/s\t")
	for _, t := range rep.Traces {
		if !t.Valid {
			fmt.Fprintf(tw, "%s\tno\t-\t-\t-\t-\t-\t\n", t.Trace)
			continue
		}
		p.Fprintf(tw, "%s\tyes\t%d\t%d\t%d\t%.1f%%\t%.0f\t\n",
			filepath.Base(t.Trace), t.Ops, t.Peak, t.HeapSize,
			100*t.Util, t.Throughput/1000)
	}
	tw.Flush()
	fmt.Fprintln(w, strings.Repeat("-", 40))
	p.Fprintf(w, "traces: %d, failed: %d, util: %.1f%%, throughput: %.0f Kops/s\n",
		len(rep.Traces), rep.Failed, 100*rep.Util, rep.Throughput/1000)
}
