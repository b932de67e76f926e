package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"slicer/instrument"
	"slicer/ir"
	"slicer/writer"
)

func instrumentCommand() *cli.Command {
	return &cli.Command{
		Name:  "instrument",
		Usage: "apply hooks and detours to one method and write the rewritten dex",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: ".dex or .apk file", Required: true},
			&cli.StringFlag{Name: "class", Aliases: []string{"c"}, Usage: "class descriptor, e.g. Lcom/example/Foo;", Required: true},
			&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Usage: "method name", Required: true},
			&cli.StringFlag{Name: "signature", Aliases: []string{"s"}, Usage: "method signature, any if empty"},
			&cli.StringSliceFlag{Name: "entry", Usage: "entry hook, LClass;->name"},
			&cli.StringSliceFlag{Name: "exit", Usage: "exit hook, LClass;->name"},
			&cli.BoolFlag{Name: "this-as-object", Usage: "entry hooks take the receiver as Object"},
			&cli.BoolFlag{Name: "array-params", Usage: "entry hooks take every argument in one Object[]"},
			&cli.BoolFlag{Name: "return-as-object", Usage: "exit hooks take and return Object"},
			&cli.BoolFlag{Name: "catch-exceptions", Usage: "exit hooks also run when an exception escapes"},
			&cli.StringSliceFlag{Name: "detour-virtual", Usage: "LClass;->name(sig)=LDetour;->name"},
			&cli.StringSliceFlag{Name: "detour-interface", Usage: "LIface;->name(sig)=LDetour;->name"},
			&cli.StringFlag{Name: "stub", Usage: "interpreter stub, LClass;->name"},
			&cli.StringFlag{Name: "should-interpret", Usage: "stub predicate, LClass;->name"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output dex", Required: true, EnvVars: []string{"SLICER_OUTPUT"}},
		},
		Action: runInstrument,
	}
}

// parseMethodRef parses LClass;->name with an optional signature.
func parseMethodRef(s string) (ir.MethodId, error) {
	class, rest, ok := strings.Cut(s, "->")
	if !ok || !strings.HasPrefix(class, "L") || !strings.HasSuffix(class, ";") || rest == "" {
		return ir.MethodId{}, errors.Errorf("bad method reference %q", s)
	}
	id := ir.MethodId{ClassDescriptor: class, MethodName: rest}
	if i := strings.IndexByte(rest, '('); i >= 0 {
		if i == 0 {
			return ir.MethodId{}, errors.Errorf("bad method reference %q", s)
		}
		id.MethodName, id.Signature = rest[:i], rest[i:]
	}
	return id, nil
}

func parseHooks(refs []string) ([]ir.MethodId, error) {
	var hooks []ir.MethodId
	for _, ref := range refs {
		id, err := parseMethodRef(ref)
		if err != nil {
			return nil, err
		}
		if id.Signature != "" {
			return nil, errors.Errorf("hook %s must not specify a signature", ref)
		}
		hooks = append(hooks, id)
	}
	return hooks, nil
}

func parseDetours(args []string) ([][2]ir.MethodId, error) {
	var detours [][2]ir.MethodId
	for _, arg := range args {
		from, to, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Errorf("bad detour %q, want ORIGINAL=DETOUR", arg)
		}
		original, err := parseMethodRef(from)
		if err != nil {
			return nil, err
		}
		detour, err := parseMethodRef(to)
		if err != nil {
			return nil, err
		}
		detours = append(detours, [2]ir.MethodId{original, detour})
	}
	return detours, nil
}

// transformations turns the command flags into the ordered list the
// instrumenter applies: entry hooks, exit hooks, detours, then the stub.
func transformations(c *cli.Context) ([]instrument.Transformation, error) {
	var out []instrument.Transformation

	entryTweak := instrument.EntryDefault
	switch {
	case c.Bool("this-as-object") && c.Bool("array-params"):
		return nil, errors.New("--this-as-object and --array-params are exclusive")
	case c.Bool("this-as-object"):
		entryTweak = instrument.EntryThisAsObject
	case c.Bool("array-params"):
		entryTweak = instrument.EntryArrayParams
	}
	entries, err := parseHooks(c.StringSlice("entry"))
	if err != nil {
		return nil, err
	}
	for _, hook := range entries {
		out = append(out, &instrument.EntryHook{Hook: hook, Tweak: entryTweak})
	}

	exitTweak := instrument.ExitDefault
	if c.Bool("return-as-object") {
		exitTweak |= instrument.ExitReturnAsObject
	}
	if c.Bool("catch-exceptions") {
		exitTweak |= instrument.ExitCatchExceptions
	}
	exits, err := parseHooks(c.StringSlice("exit"))
	if err != nil {
		return nil, err
	}
	for _, hook := range exits {
		out = append(out, &instrument.ExitHook{Hook: hook, Tweak: exitTweak})
	}

	virtual, err := parseDetours(c.StringSlice("detour-virtual"))
	if err != nil {
		return nil, err
	}
	for _, d := range virtual {
		out = append(out, &instrument.DetourVirtualInvoke{Original: d[0], Detour: d[1]})
	}
	iface, err := parseDetours(c.StringSlice("detour-interface"))
	if err != nil {
		return nil, err
	}
	for _, d := range iface {
		out = append(out, &instrument.DetourInterfaceInvoke{Original: d[0], Detour: d[1]})
	}

	if stub, pred := c.String("stub"), c.String("should-interpret"); stub != "" || pred != "" {
		if stub == "" || pred == "" {
			return nil, errors.New("--stub and --should-interpret go together")
		}
		hooks, err := parseHooks([]string{pred, stub})
		if err != nil {
			return nil, err
		}
		out = append(out, &instrument.HookToStub{ShouldInterpret: hooks[0], Stub: hooks[1]})
	}

	if len(out) == 0 {
		return nil, errors.New("nothing to apply")
	}
	return out, nil
}

func runInstrument(c *cli.Context) error {
	trs, err := transformations(c)
	if err != nil {
		return err
	}
	target := ir.MethodId{
		ClassDescriptor: c.String("class"),
		MethodName:      c.String("method"),
		Signature:       c.String("signature"),
	}

	inputs, release, err := loadInputs(c.String("input"))
	if err != nil {
		return err
	}
	defer release()

	r, in, err := findClass(inputs, target.ClassDescriptor)
	if err != nil {
		return err
	}
	if err := r.CreateFullIr(); err != nil {
		return errors.Wrapf(err, "read %s", in.name)
	}

	mi := instrument.New(r.GetIr())
	for _, tr := range trs {
		mi.AddTransformation(tr)
	}
	if !mi.InstrumentMethod(target) {
		return errors.Wrapf(mi.Err(), "instrument %s", target)
	}

	image, err := writer.New(r.GetIr()).CreateImage(writer.HeapAllocator{})
	if err != nil {
		return err
	}
	path := c.String("output")
	if err := os.WriteFile(path, image, 0644); err != nil {
		return err
	}
	log.Printf("[+] Instrumented %s from %s, wrote %s (%d bytes)", target, in.name, path, len(image))
	return nil
}
