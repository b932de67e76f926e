package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
	"slicer/reader"
)

// MethodCodeRecord is one method body: its pretty name, its method
// index in the dex and its code units as little endian hex.
type MethodCodeRecord struct {
	Name      string `json:"name"`
	MethodIdx uint32 `json:"method_idx"`
	CodeHex   string `json:"code"`
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "list method bodies as LIR or as code records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: ".dex or .apk file", Required: true},
			&cli.StringFlag{Name: "class", Aliases: []string{"c"}, Usage: "only this class descriptor"},
			&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Usage: "only methods with this name"},
			&cli.BoolFlag{Name: "json", Usage: "write code records instead of a listing"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file, stdout if empty", EnvVars: []string{"SLICER_OUTPUT"}},
		},
		Action: runDump,
	}
}

func colorStyle() lir.Style {
	wrap := func(c *color.Color) func(string) string {
		sprint := c.SprintFunc()
		return func(s string) string { return sprint(s) }
	}
	return lir.Style{
		Opcode: wrap(color.New(color.FgCyan)),
		Label:  wrap(color.New(color.FgYellow, color.Bold)),
		Debug:  wrap(color.New(color.FgHiBlack)),
	}
}

func runDump(c *cli.Context) error {
	inputs, release, err := loadInputs(c.String("input"))
	if err != nil {
		return err
	}
	defer release()

	var out io.Writer = color.Output
	style := colorStyle()
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out, style = f, lir.Style{}
	}

	class, method := c.String("class"), c.String("method")
	var records []MethodCodeRecord
	for _, in := range inputs {
		if err := c.Context.Err(); err != nil {
			return err
		}
		d, err := loadIr(in, class)
		if err != nil {
			log.Warnf("[!] skipping %s: %v", in.name, err)
			continue
		}
		if d == nil {
			continue
		}
		for _, cls := range d.Classes {
			for _, m := range cls.Methods() {
				if m.Code == nil || (method != "" && m.Decl.Name.String() != method) {
					continue
				}
				if c.Bool("json") {
					records = append(records, MethodCodeRecord{
						Name:      m.Decl.PrettyName(),
						MethodIdx: m.Decl.OrigIndex,
						CodeHex:   codeHex(m.Code.Instructions),
					})
					continue
				}
				if err := dumpMethod(out, style, m, d); err != nil {
					log.Warnf("[!] %s: %v", m.Decl, err)
				}
			}
		}
	}
	if !c.Bool("json") {
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return errors.Wrap(err, "encode code records")
	}
	if path := c.String("output"); path != "" {
		log.Printf("[+] Saved code records to %s (%d entries)", path, len(records))
	}
	return nil
}

// loadIr builds the IR of one input: only class when set, in which case
// a nil IR means the input does not define it.
func loadIr(in dexInput, class string) (*ir.DexFile, error) {
	r, err := reader.New(in.data)
	if err != nil {
		return nil, err
	}
	if class == "" {
		if err := r.CreateFullIr(); err != nil {
			return nil, err
		}
		return r.GetIr(), nil
	}
	index := r.FindClassIndex(class)
	if index == dex.NoIndex {
		return nil, nil
	}
	if err := r.CreateClassIr(index); err != nil {
		return nil, err
	}
	return r.GetIr(), nil
}

func dumpMethod(w io.Writer, style lir.Style, m *ir.EncodedMethod, d *ir.DexFile) error {
	code, err := lir.New(m, d)
	if err != nil {
		return err
	}
	code.DumpWith(w, style)
	fmt.Fprintln(w)
	return nil
}

func codeHex(insns []uint16) string {
	buf := make([]byte, 2*len(insns))
	for i, unit := range insns {
		binary.LittleEndian.PutUint16(buf[2*i:], unit)
	}
	return hex.EncodeToString(buf)
}

func parseCodeHex(s string) ([]uint16, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%2 != 0 {
		return nil, errors.Errorf("odd code length %d", len(buf))
	}
	insns := make([]uint16, len(buf)/2)
	for i := range insns {
		insns[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	return insns, nil
}
