package lir

import (
	"fmt"
	"io"
	"strings"

	"slicer/dex"
)

// Style decorates parts of a listing. Zero fields leave text as is.
type Style struct {
	Opcode func(string) string
	Label  func(string) string
	Debug  func(string) string
}

func apply(f func(string) string, s string) string {
	if f == nil {
		return s
	}
	return f(s)
}

// Dump writes a plain text listing of the CodeIr.
func (c *CodeIr) Dump(w io.Writer) {
	c.DumpWith(w, Style{})
}

func (c *CodeIr) DumpWith(w io.Writer, style Style) {
	code := c.Method.Code
	fmt.Fprintf(w, "method %s\n", c.Method.Decl.PrettyName())
	fmt.Fprintf(w, "  registers=%d ins=%d outs=%d\n", code.Registers, code.InsCount, code.OutsCount)

	for i := range c.Instructions.All() {
		switch i := i.(type) {
		case *Bytecode:
			operands := make([]string, len(i.Operands))
			for k, op := range i.Operands {
				operands[k] = op.String()
			}
			fmt.Fprintf(w, "\t%04x| %s %s\n", i.Offset, apply(style.Opcode, i.Opcode.String()), strings.Join(operands, ", "))
		case *Label:
			fmt.Fprintln(w, apply(style.Label, fmt.Sprintf("L%d:", i.Id)))
		case *TryBlockBegin:
			fmt.Fprintf(w, "\t.try_begin_%d\n", i.Id)
		case *TryBlockEnd:
			var handlers []string
			for _, h := range i.Handlers {
				handlers = append(handlers, fmt.Sprintf("catch(%s) L%d", h.IrType.Decl(), h.Label.Id))
			}
			if i.CatchAll != nil {
				handlers = append(handlers, fmt.Sprintf("catch(...) L%d", i.CatchAll.Id))
			}
			fmt.Fprintf(w, "\t.try_end_%d %s\n", i.TryBegin.Id, strings.Join(handlers, ", "))
		case *PackedSwitchPayload:
			fmt.Fprintf(w, "\t%04x| .packed-switch #%+d\n", i.Offset, i.FirstKey)
			for k, t := range i.Targets {
				fmt.Fprintf(w, "\t\t%d: L%d\n", i.FirstKey+int32(k), t.Id)
			}
		case *SparseSwitchPayload:
			fmt.Fprintf(w, "\t%04x| .sparse-switch\n", i.Offset)
			for _, sc := range i.Switch {
				fmt.Fprintf(w, "\t\t%d: L%d\n", sc.Key, sc.Target.Id)
			}
		case *ArrayData:
			fmt.Fprintf(w, "\t%04x| .array-data (%d units)\n", i.Offset, len(i.Data))
		case *DbgInfoHeader:
			names := make([]string, len(i.ParamNames))
			for k, n := range i.ParamNames {
				if n == nil {
					names[k] = "?"
				} else {
					names[k] = n.String()
				}
			}
			fmt.Fprintln(w, apply(style.Debug, fmt.Sprintf("\t.line_start %d .params (%s)", i.LineStart, strings.Join(names, ", "))))
		case *DbgInfoAnnotation:
			fmt.Fprintln(w, apply(style.Debug, "\t"+dbgAnnotationText(i)))
		}
	}
}

func dbgAnnotationText(a *DbgInfoAnnotation) string {
	operands := make([]string, len(a.Operands))
	for k, op := range a.Operands {
		operands[k] = op.String()
	}
	args := strings.Join(operands, " ")
	switch a.DbgOpcode {
	case dex.DbgAdvanceLine:
		return ".line " + args
	case dex.DbgStartLocal, dex.DbgStartLocalExtended:
		return ".local " + args
	case dex.DbgEndLocal:
		return ".end_local " + args
	case dex.DbgRestartLocal:
		return ".restart_local " + args
	case dex.DbgSetPrologueEnd:
		return ".prologue_end"
	case dex.DbgSetEpilogueBegin:
		return ".epilogue_begin"
	case dex.DbgSetFile:
		return ".src " + args
	}
	return fmt.Sprintf(".dbg_0x%02x %s", a.DbgOpcode, args)
}
