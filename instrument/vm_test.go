package instrument_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slicer/dex"
	"slicer/ir"
	"slicer/lir"
)

// A small interpreter over disassembled code, enough to run the
// fixture methods and the code the transformations insert. Registers
// hold int32, int64 (low register of a pair), string, []any, *object
// or *throwable values.

type object struct {
	class string
}

type boxed struct {
	class string
	value any
}

type throwable struct {
	class string
}

type wideHigh struct{}

// native implements a method the dex only references. Wide arguments
// are passed as a single value.
type native func(args []any) (any, *throwable)

type vm struct {
	t       *testing.T
	d       *ir.DexFile
	natives map[string]native
	trace   []string
}

func newVM(t *testing.T, d *ir.DexFile) *vm {
	m := &vm{t: t, d: d, natives: make(map[string]native)}
	for shorty, class := range map[string]string{"I": "Ljava/lang/Integer;", "J": "Ljava/lang/Long;", "Z": "Ljava/lang/Boolean;"} {
		m.natives[class+"->valueOf("+shorty+")"+class] = func(args []any) (any, *throwable) {
			return &boxed{class: class, value: args[0]}, nil
		}
	}
	return m
}

// on registers a native that records its call and returns ret, or its
// first argument when ret is nil.
func (m *vm) on(method string, ret any) {
	m.natives[method] = func(args []any) (any, *throwable) {
		m.trace = append(m.trace, method)
		if ret == nil && len(args) > 0 {
			return args[0], nil
		}
		return ret, nil
	}
}

func (m *vm) call(decl *ir.MethodDecl, args []any) (any, *throwable) {
	if method := ir.NewBuilder(m.d).FindMethod(ir.MethodIdOf(decl)); method != nil && method.Code != nil {
		return m.run(method, args)
	}
	fn, ok := m.natives[decl.String()]
	require.True(m.t, ok, "no implementation for %s", decl)
	var values []any
	for _, a := range args {
		if _, ok := a.(wideHigh); !ok {
			values = append(values, a)
		}
	}
	return fn(values)
}

// invoke runs a method of the dex with arguments given per parameter.
func (m *vm) invoke(id ir.MethodId, args ...any) (any, *throwable) {
	method := ir.NewBuilder(m.d).FindMethod(id)
	require.NotNil(m.t, method, "%s", id)
	var regs []any
	for _, a := range args {
		regs = append(regs, a)
		if _, ok := a.(int64); ok {
			regs = append(regs, wideHigh{})
		}
	}
	return m.run(method, regs)
}

func catches(handler *ir.Type, class string) bool {
	switch handler.String() {
	case class, "Ljava/lang/Throwable;", "Ljava/lang/Exception;", "Ljava/lang/RuntimeException;":
		return true
	}
	return false
}

func isZero(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case int32:
		return v == 0
	case bool:
		return !v
	}
	return false
}

func (m *vm) run(method *ir.EncodedMethod, args []any) (any, *throwable) {
	t := m.t
	c, err := lir.New(method, m.d)
	require.NoError(t, err)
	require.Len(t, args, c.Ins(), "%s", method.Decl)

	regs := make([]any, c.Registers())
	copy(regs[c.Registers()-c.Ins():], args)

	insns := c.Instructions.Slice()
	pos := make(map[lir.Instruction]int)
	for i, in := range insns {
		pos[in] = i
	}
	// the try range each position belongs to
	tries := make([]*lir.TryBlockEnd, len(insns))
	var active *lir.TryBlockEnd
	for i, in := range insns {
		switch in := in.(type) {
		case *lir.TryBlockBegin:
			for _, next := range insns[i:] {
				if end, ok := next.(*lir.TryBlockEnd); ok && end.TryBegin == in {
					active = end
					break
				}
			}
		case *lir.TryBlockEnd:
			active = nil
		}
		tries[i] = active
	}

	reg := func(op lir.Operand) uint32 {
		switch op := op.(type) {
		case *lir.VReg:
			return op.Reg
		case *lir.VRegPair:
			return op.BaseReg
		}
		t.Fatalf("not a register: %T", op)
		return 0
	}
	get := func(op lir.Operand) any { return regs[reg(op)] }
	set := func(op lir.Operand, v any) {
		regs[reg(op)] = v
		if _, ok := op.(*lir.VRegPair); ok {
			regs[reg(op)+1] = wideHigh{}
		}
	}
	jump := func(op lir.Operand) int { return pos[op.(*lir.CodeLocation).Label] }

	var result any
	var exc *throwable
	for pc, steps := 0, 0; ; steps++ {
		require.Less(t, steps, 10000, "%s does not terminate", method.Decl)
		require.Less(t, pc, len(insns), "%s runs off the end", method.Decl)
		bc, ok := insns[pc].(*lir.Bytecode)
		if !ok {
			pc++
			continue
		}
		ops := bc.Operands
		next := pc + 1
		var thrown *throwable

		switch bc.Opcode {
		case dex.OpNop:
		case dex.OpMove, dex.OpMoveFrom16, dex.OpMove16,
			dex.OpMoveObject, dex.OpMoveObjectFrom16, dex.OpMoveObject16,
			dex.OpMoveWide, dex.OpMoveWideFrom16, dex.OpMoveWide16:
			set(ops[0], get(ops[1]))
		case dex.OpMoveResult, dex.OpMoveResultObject, dex.OpMoveResultWide:
			set(ops[0], result)
		case dex.OpMoveException:
			set(ops[0], exc)
		case dex.OpReturnVoid:
			return nil, nil
		case dex.OpReturn, dex.OpReturnObject, dex.OpReturnWide:
			return get(ops[0]), nil
		case dex.OpConst4, dex.OpConst16, dex.OpConst:
			set(ops[0], ops[1].(*lir.Const32).S32())
		case dex.OpConstWide16, dex.OpConstWide32, dex.OpConstWide:
			set(ops[0], ops[1].(*lir.Const64).S64())
		case dex.OpConstString, dex.OpConstStringJumbo:
			set(ops[0], ops[1].(*lir.String).Ir.String())
		case dex.OpCheckCast:
		case dex.OpNewArray:
			set(ops[0], make([]any, get(ops[1]).(int32)))
		case dex.OpAputObject:
			get(ops[1]).([]any)[get(ops[2]).(int32)] = get(ops[0])
		case dex.OpAddIntLit8, dex.OpAddIntLit16:
			set(ops[0], get(ops[1]).(int32)+ops[2].(*lir.Const32).S32())
		case dex.OpAddInt:
			set(ops[0], get(ops[1]).(int32)+get(ops[2]).(int32))
		case dex.OpDivInt:
			if get(ops[2]).(int32) == 0 {
				thrown = &throwable{class: "Ljava/lang/ArithmeticException;"}
			} else {
				set(ops[0], get(ops[1]).(int32)/get(ops[2]).(int32))
			}
		case dex.OpIntToLong:
			set(ops[0], int64(get(ops[1]).(int32)))
		case dex.OpAddLong2addr:
			set(ops[0], get(ops[0]).(int64)+get(ops[1]).(int64))
		case dex.OpThrow:
			thrown = get(ops[0]).(*throwable)
		case dex.OpGoto, dex.OpGoto16, dex.OpGoto32:
			next = jump(ops[0])
		case dex.OpIfEqz:
			if isZero(get(ops[0])) {
				next = jump(ops[1])
			}
		case dex.OpIfNez:
			if !isZero(get(ops[0])) {
				next = jump(ops[1])
			}
		case dex.OpPackedSwitch:
			var payload *lir.PackedSwitchPayload
			for _, in := range insns[jump(ops[1]):] {
				if p, ok := in.(*lir.PackedSwitchPayload); ok {
					payload = p
					break
				}
			}
			require.NotNil(t, payload)
			if k := int(get(ops[0]).(int32) - payload.FirstKey); k >= 0 && k < len(payload.Targets) {
				next = pos[payload.Targets[k]]
			}
		default:
			require.True(t, bc.Opcode.Is(dex.Invoke), "unsupported %s", bc.Opcode)
			var callArgs []any
			switch list := ops[0].(type) {
			case *lir.VRegList:
				for _, r := range list.Registers {
					callArgs = append(callArgs, regs[r])
				}
			case *lir.VRegRange:
				callArgs = append(callArgs, regs[list.BaseReg:list.BaseReg+uint32(list.Count)]...)
			}
			result, thrown = m.call(ops[1].(*lir.Method).Ir, callArgs)
		}

		if thrown != nil {
			handler := m.handler(tries[pc], thrown)
			if handler == nil {
				return nil, thrown
			}
			exc = thrown
			next = pos[handler]
		}
		pc = next
	}
}

func (m *vm) handler(end *lir.TryBlockEnd, thrown *throwable) *lir.Label {
	if end == nil {
		return nil
	}
	for _, h := range end.Handlers {
		if catches(h.IrType, thrown.class) {
			return h.Label
		}
	}
	return end.CatchAll
}
