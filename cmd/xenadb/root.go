// Copyright 2024 The Xena Authors.
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prertik/ucsc-xena-server/internal/config"
	"github.com/prertik/ucsc-xena-server/internal/detect"
	"github.com/prertik/ucsc-xena-server/internal/engine"
	"github.com/prertik/ucsc-xena-server/internal/loader"
	"github.com/prertik/ucsc-xena-server/internal/logger"
	"github.com/prertik/ucsc-xena-server/internal/matrix"
)

// NewRootCommand builds the xenadb CLI: `-s` start server, `-p` treat
// files as probemaps, `-d <db_path>`, `-t <name> <samples> <probes>`
// synthesize test data, positional args = files to load.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := config.Default()
	var synth []string

	rc := &cobra.Command{
		Use:   "xenadb [files...]",
		Short: "xenadb loads and serves column-oriented genomic and clinical datasets.",
		Long: `xenadb is a column-oriented storage and query engine for Xena-style
genomic matrices, clinical matrices, and probemaps.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cmd.Flags(), &cfg); err != nil {
				return err
			}

			log := logger.NewStandardLogger(stderr)
			ctx := context.Background()

			e, err := engine.Open(ctx, cfg.DBPath, engine.Options{
				ReadPoolSize:         cfg.ReadPoolSize,
				SegmentCacheCapacity: cfg.SegmentCacheCapacity,
				Log:                  log,
			})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer e.Close()

			// `-t name samples probes`: the flag carries the name and the
			// two positional arguments after it carry the counts.
			if len(synth) == 1 && len(args) >= 2 {
				synth = append(synth, args[0], args[1])
				args = args[2:]
			}
			if len(synth) > 0 {
				if err := runSynth(ctx, e, log, synth); err != nil {
					return err
				}
			}

			if len(args) > 0 {
				loadFiles(ctx, e, log, stderr, cfg, args)
			}

			if cfg.Serve {
				return serve(log)
			}
			return nil
		},
	}

	config.BindFlags(rc.Flags(), &cfg)
	rc.Flags().StringSliceVarP(&synth, "test-data", "t", nil, "name samples probes: synthesize and load a test matrix")

	return rc
}

func runSynth(ctx context.Context, e *engine.Engine, log logger.Logger, synth []string) error {
	if len(synth) != 3 {
		return fmt.Errorf("-t requires exactly 3 arguments: name samples probes")
	}
	name := synth[0]
	samples, err := strconv.Atoi(synth[1])
	if err != nil {
		return fmt.Errorf("-t samples count: %w", err)
	}
	probes, err := strconv.Atoi(synth[2])
	if err != nil {
		return fmt.Errorf("-t probes count: %w", err)
	}

	src := detect.Synthesize(samples, probes)
	res, err := e.WriteMatrix(ctx, loader.Input{DatasetName: name, MatrixSource: src})
	if err != nil {
		return fmt.Errorf("synthesize %q: %w", name, err)
	}
	log.Infof("synthesized dataset %q: %d rows, %d warning(s)", name, res.RowCount, len(res.Warnings))
	return nil
}

// loadFiles groups positional file paths by base name (pairing a TSV
// with its same-named .json cgdata sidecar), validates each against the
// configured data root, and loads each group as one dataset. A per-file
// failure is logged to stderr and does not abort the remaining batch or
// change the process exit status.
func loadFiles(ctx context.Context, e *engine.Engine, log logger.Logger, stderr io.Writer, cfg config.Config, args []string) {
	groups := map[string][]string{}
	var order []string
	for _, path := range args {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, ok := groups[base]; !ok {
			order = append(order, base)
		}
		groups[base] = append(groups[base], path)
	}

	for _, base := range order {
		paths := groups[base]
		if err := loadOneGroup(ctx, e, cfg, base, paths); err != nil {
			fmt.Fprintf(stderr, "load %q: %v\n", base, err)
			continue
		}
		log.Infof("loaded dataset %q from %v", base, paths)
	}
}

func loadOneGroup(ctx context.Context, e *engine.Engine, cfg config.Config, datasetName string, paths []string) error {
	refs := make([]matrix.FileRef, 0, len(paths))
	for _, p := range paths {
		if err := checkInDataRoot(cfg.DataRoot, p); err != nil {
			return err
		}
		path := p
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		refs = append(refs, matrix.FileRef{
			Name:  filepath.Base(path),
			Mtime: info.ModTime().UnixNano(),
			Open:  func() (io.ReadCloser, error) { return os.Open(path) },
		})
	}

	result, err := detect.Detect(refs, cfg.Probemaps)
	if err != nil {
		return err
	}

	_, err = e.WriteMatrix(ctx, loader.Input{
		DatasetName:  datasetName,
		Sources:      refs,
		Metadata:     result.Metadata,
		MatrixSource: result.Source,
	})
	return err
}

// checkInDataRoot rejects any input file path that does not
// canonicalize to a path strictly below the data root. Both sides are
// resolved through filepath.EvalSymlinks before comparison, so a
// symlink under the data root that points outside it is caught rather
// than accepted on the strength of its unresolved, in-root name.
func checkInDataRoot(dataRoot, path string) error {
	rootAbs, err := filepath.Abs(dataRoot)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}
	pathAbs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve input path: %w", err)
	}

	rootReal, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return fmt.Errorf("resolve data root: %w", err)
	}
	pathReal, err := filepath.EvalSymlinks(pathAbs)
	if err != nil {
		return fmt.Errorf("resolve input path: %w", err)
	}
	rootReal = filepath.Clean(rootReal)
	pathReal = filepath.Clean(pathReal)

	rel, err := filepath.Rel(rootReal, pathReal)
	if err != nil {
		return fmt.Errorf("%s is not under data root %s", path, dataRoot)
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%s is not strictly below data root %s", path, dataRoot)
	}
	return nil
}

func serve(log logger.Logger) error {
	log.Infof("xenadb server ready")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infof("xenadb server shutting down")
	return nil
}
