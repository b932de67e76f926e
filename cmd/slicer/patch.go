package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"slicer/ir"
	"slicer/reader"
	"slicer/writer"
)

func patchCommand() *cli.Command {
	return &cli.Command{
		Name:  "patch",
		Usage: "replace method bodies of a dex from code records and re-encode it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dex", Aliases: []string{"d"}, Usage: "dex file", Required: true},
			&cli.StringFlag{Name: "json", Aliases: []string{"j"}, Usage: "code records", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output dex", Required: true, EnvVars: []string{"SLICER_OUTPUT"}},
		},
		Action: func(c *cli.Context) error {
			return patchOneDex(c.String("dex"), c.String("json"), c.String("output"))
		},
	}
}

type patchStats struct {
	applied, skipped, mismatched int
}

func readRecords(path string) ([]MethodCodeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open json")
	}
	defer f.Close()

	var records []MethodCodeRecord
	if err := json.NewDecoder(f).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decode json")
	}
	return records, nil
}

// applyRecords overwrites method bodies by method index. Only the
// overlapping prefix is written when a record and the original body
// differ in length; such records count as mismatched.
func applyRecords(d *ir.DexFile, records []MethodCodeRecord) patchStats {
	methods := make(map[uint32]*ir.EncodedMethod)
	for _, cls := range d.Classes {
		for _, m := range cls.Methods() {
			if m.Code != nil {
				methods[m.Decl.OrigIndex] = m
			}
		}
	}

	var st patchStats
	for _, rec := range records {
		m, ok := methods[rec.MethodIdx]
		if !ok {
			log.Debugf("no code for method %d (%s)", rec.MethodIdx, rec.Name)
			st.skipped++
			continue
		}
		insns, err := parseCodeHex(rec.CodeHex)
		if err != nil {
			log.Debugf("bad code for %s: %v", rec.Name, err)
			st.skipped++
			continue
		}

		patched := append([]uint16(nil), m.Code.Instructions...)
		n := copy(patched, insns)
		if n != len(insns) || n != len(patched) {
			st.mismatched++
		}
		m.Code.Instructions = patched
		st.applied++
	}
	return st
}

// patchDex applies records to the image and returns the re-encoded dex.
// The reader result aliases data, which must stay valid until then.
func patchDex(data []byte, records []MethodCodeRecord) ([]byte, patchStats, error) {
	r, err := reader.New(data)
	if err != nil {
		return nil, patchStats{}, errors.Wrap(err, "parse dex")
	}
	if err := r.CreateFullIr(); err != nil {
		return nil, patchStats{}, errors.Wrap(err, "parse dex")
	}
	st := applyRecords(r.GetIr(), records)
	image, err := writer.New(r.GetIr()).CreateImage(writer.HeapAllocator{})
	if err != nil {
		return nil, st, err
	}
	return image, st, nil
}

func patchOneDex(dexPath, jsonPath, outPath string) error {
	records, err := readRecords(jsonPath)
	if err != nil {
		return err
	}
	data, release, err := mapFile(dexPath)
	if err != nil {
		return err
	}
	defer release()

	image, st, err := patchDex(data, records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, image, 0644); err != nil {
		return errors.Wrap(err, "write out")
	}
	log.Printf("Applied: %d, Skipped: %d, LengthMismatch: %d for %s",
		st.applied, st.skipped, st.mismatched, filepath.Base(dexPath))
	return nil
}
