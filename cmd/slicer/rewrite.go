package main

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"slicer/reader"
	"slicer/writer"
)

const fixDirName = "fix"

func rewriteCommand() *cli.Command {
	return &cli.Command{
		Name:  "rewrite",
		Usage: "re-encode every dex of a directory into DIR/fix, applying <name>_code.json records when present",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "directory to scan", Required: true},
			&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Usage: "parallel rewrites", Value: runtime.NumCPU()},
		},
		Action: func(c *cli.Context) error {
			failed, err := rewriteDirectory(c, c.String("dir"), c.Int("jobs"))
			if err != nil {
				return err
			}
			if failed > 0 {
				return errors.Errorf("%d rewrites failed", failed)
			}
			return nil
		},
	}
}

// scanDexFiles lists the .dex files under dir, skipping earlier output.
func scanDexFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == fixDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".dex") {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

// rewriteDirectory returns the number of files that could not be
// rewritten; err is set only when the scan fails or c is cancelled.
func rewriteDirectory(c *cli.Context, dir string, jobs int) (int, error) {
	paths, err := scanDexFiles(dir)
	if err != nil {
		return 0, err
	}
	if len(paths) == 0 {
		return 0, errors.Errorf("no .dex files found in %s", dir)
	}
	fixDir := filepath.Join(dir, fixDirName)
	if err := os.MkdirAll(fixDir, 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create fix dir %s", fixDir)
	}

	if jobs < 1 {
		jobs = 1
	}
	var failed atomic.Int32
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(jobs)
	for _, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			base := strings.TrimSuffix(filepath.Base(path), ".dex")
			outPath := filepath.Join(fixDir, base+"_fix.dex")
			if err := rewriteOne(path, outPath); err != nil {
				log.Printf("[!] Rewrite failed for %s: %v", path, err)
				failed.Add(1)
				return nil
			}
			log.Printf("[+] Wrote %s", outPath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(failed.Load()), err
	}
	log.Printf("[+] Rewrote %d of %d files", len(paths)-int(failed.Load()), len(paths))
	return int(failed.Load()), nil
}

func rewriteOne(dexPath, outPath string) error {
	jsonPath := strings.TrimSuffix(dexPath, ".dex") + "_code.json"
	if _, err := os.Stat(jsonPath); err == nil {
		return patchOneDex(dexPath, jsonPath, outPath)
	}

	data, release, err := mapFile(dexPath)
	if err != nil {
		return err
	}
	defer release()

	r, err := reader.New(data)
	if err != nil {
		return err
	}
	if err := r.CreateFullIr(); err != nil {
		return err
	}
	image, err := writer.New(r.GetIr()).CreateImage(writer.HeapAllocator{})
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, image, 0644)
}
