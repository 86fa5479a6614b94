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

	"github.com/spf13/cobra"

	"github.com/intuitivelabs/mallocs/segmalloc/internal/trace"
)

var (
	genCfg = trace.DefaultGenConfig()
	genOut string
)

func init() {
	cmd := newGenCmd()
	cmd.Flags().IntVar(&genCfg.Ops, "ops", genCfg.Ops, "Number of operations")
	cmd.Flags().IntVar(&genCfg.MaxLive, "max-live", genCfg.MaxLive, "Maximum number of simultaneously allocated blocks")
	cmd.Flags().Uint64Var(&genCfg.MaxSize, "max-size", genCfg.MaxSize, "Maximum request size")
	cmd.Flags().Float64Var(&genCfg.Realloc, "realloc", genCfg.Realloc, "Fraction of reallocs among the operations on live blocks")
	cmd.Flags().Uint64Var(&genCfg.Seed, "seed", genCfg.Seed, "Random seed")
	cmd.Flags().IntVar(&genCfg.Weight, "weight", genCfg.Weight, "Trace weight")
	cmd.Flags().StringVarP(&genOut, "output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(cmd)
}

func newGenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a random trace",
		Long: `The gen command writes a random, well formed trace: every block is
allocated once, reallocated or freed only while allocated, and freed
before the end. The same flags always produce the same trace.

Example:
  mmdriver gen --ops 20000 --seed 3 -o random3.rep
  mmdriver gen --max-size 100 --realloc 0.5 | mmdriver run /dev/stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGen()
		},
	}
	return cmd
}

func runGen() error {
	if genCfg.Ops <= 0 || genCfg.MaxLive <= 0 || genCfg.MaxSize == 0 {
		return fmt.Errorf("--ops, --max-live and --max-size must be positive")
	}
	if genCfg.Realloc < 0 || genCfg.Realloc > 1 {
		return fmt.Errorf("--realloc must be between 0 and 1, got %g", genCfg.Realloc)
	}
	t := trace.Generate(genCfg)

	var w io.Writer = os.Stdout
	if genOut != "" {
		f, err := os.Create(genOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := t.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if genOut != "" {
		printInfo("Wrote %s: %d ops, %d ids, peak %d bytes\n",
			genOut, len(t.Ops), t.NumIDs, t.SuggestedHeap)
	}
	return nil
}
