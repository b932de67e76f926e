package instrument

import (
	"slicer/dex"
	"slicer/lir"
)

// RedirectAllExceptions routes every exception escaping a bytecode of
// the method to handler. Existing try ranges without a catch-all get
// handler as their catch-all; instructions outside any range are
// covered by new ranges whose only handler is handler. Ranges that
// already have a catch-all are left alone.
//
// handler is not inserted; the caller places it after the code it
// protects.
func RedirectAllExceptions(c *lir.CodeIr, handler *lir.Label) {
	var first, last *lir.Bytecode
	flush := func() {
		if first == nil {
			return
		}
		begin := c.NewTryBlockBegin()
		c.Instructions.InsertBefore(first, begin)
		c.Instructions.InsertAfter(last, &lir.TryBlockEnd{TryBegin: begin, CatchAll: ref(handler)})
		first, last = nil, nil
	}

	inside := false
	for _, i := range c.Instructions.Slice() {
		switch i := i.(type) {
		case *lir.TryBlockBegin:
			flush()
			inside = true
		case *lir.TryBlockEnd:
			inside = false
			if i.CatchAll == nil {
				i.CatchAll = ref(handler)
			}
		case *lir.PackedSwitchPayload, *lir.SparseSwitchPayload, *lir.ArrayData:
			flush()
		case *lir.Bytecode:
			if !inside {
				if first == nil {
					first = i
				}
				last = i
			}
		}
	}
	flush()
}

func ref(l *lir.Label) *lir.Label {
	l.RefCount++
	return l
}

// excludeFromTry takes the instructions from first through last out of
// the try range that contains them, splitting the range in two. It does
// nothing when they are not inside a range.
func excludeFromTry(c *lir.CodeIr, first, last lir.Instruction) {
	var begin *lir.TryBlockBegin
	for i := lir.Prev(first); i != nil && begin == nil; i = lir.Prev(i) {
		switch i := i.(type) {
		case *lir.TryBlockEnd:
			return
		case *lir.TryBlockBegin:
			begin = i
		}
	}
	if begin == nil {
		return
	}

	var end *lir.TryBlockEnd
	for i := lir.Next(last); i != nil; i = lir.Next(i) {
		if e, ok := i.(*lir.TryBlockEnd); ok && e.TryBegin == begin {
			end = e
			break
		}
	}
	dex.Check(end != nil, "try range %d is not closed", begin.Id)

	head := &lir.TryBlockEnd{TryBegin: begin}
	for _, h := range end.Handlers {
		head.Handlers = append(head.Handlers, lir.CatchHandler{IrType: h.IrType, Label: ref(h.Label)})
	}
	if end.CatchAll != nil {
		head.CatchAll = ref(end.CatchAll)
	}
	c.Instructions.InsertBefore(first, head)

	tail := c.NewTryBlockBegin()
	c.Instructions.InsertAfter(last, tail)
	end.TryBegin = tail
}
