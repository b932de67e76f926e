package lir

import (
	"iter"

	"slicer/dex"
	"slicer/ir"
)

// Instruction is one node of a CodeIr listing. The set of node kinds
// is closed: Bytecode, Label, TryBlockBegin, TryBlockEnd,
// PackedSwitchPayload, SparseSwitchPayload, ArrayData, DbgInfoHeader
// and DbgInfoAnnotation.
type Instruction interface {
	link() *node
}

// node carries the list links and the code offset shared by all
// instruction kinds. Offset is meaningful after disassembly or Assemble.
type node struct {
	prev, next Instruction
	list       *InstructionList
	Offset     uint32
}

func (n *node) link() *node { return n }

// Bytecode is a dalvik instruction.
type Bytecode struct {
	node
	Opcode   dex.Opcode
	Operands []Operand
}

// Label is a branch, switch, handler or payload target.
type Label struct {
	node
	Id       int
	RefCount int
	// Aligned labels start at an even code unit offset (payloads).
	Aligned bool
}

type TryBlockBegin struct {
	node
	Id int
}

type CatchHandler struct {
	IrType *ir.Type
	Label  *Label
}

// TryBlockEnd closes the range opened by TryBegin and lists its
// handlers. CatchAll is nil when the range has no catch-all handler.
type TryBlockEnd struct {
	node
	TryBegin *TryBlockBegin
	Handlers []CatchHandler
	CatchAll *Label
}

// PackedSwitchPayload targets are relative to the switch instruction
// once encoded.
type PackedSwitchPayload struct {
	node
	FirstKey int32
	Targets  []*Label
}

type SwitchCase struct {
	Key    int32
	Target *Label
}

type SparseSwitchPayload struct {
	node
	Switch []SwitchCase
}

// ArrayData is a fill-array-data payload, kept as raw code units
// starting with the payload ident.
type ArrayData struct {
	node
	Data []uint16
}

// DbgInfoHeader holds the per-method debug info fields.
type DbgInfoHeader struct {
	node
	LineStart  uint32
	ParamNames []*ir.String
}

// DbgInfoAnnotation is a debug info event at the offset of the
// instruction that follows it. Position entries use DbgAdvanceLine
// with an absolute LineNumber operand.
type DbgInfoAnnotation struct {
	node
	DbgOpcode uint8
	Operands  []Operand
}

// InstructionList is an intrusive doubly-linked list. An instruction
// belongs to at most one list position at a time.
type InstructionList struct {
	front, back Instruction
	size        int
}

func (l *InstructionList) Front() Instruction { return l.front }

func (l *InstructionList) Back() Instruction { return l.back }

func (l *InstructionList) Len() int { return l.size }

// Next returns the instruction after i, or nil.
func Next(i Instruction) Instruction { return i.link().next }

// Prev returns the instruction before i, or nil.
func Prev(i Instruction) Instruction { return i.link().prev }

func (l *InstructionList) adopt(i Instruction) *node {
	n := i.link()
	dex.Check(n.list == nil, "instruction already in a list")
	n.list = l
	l.size++
	return n
}

func (l *InstructionList) PushBack(i Instruction) {
	n := l.adopt(i)
	n.prev, n.next = l.back, nil
	if l.back != nil {
		l.back.link().next = i
	} else {
		l.front = i
	}
	l.back = i
}

func (l *InstructionList) PushFront(i Instruction) {
	if l.front == nil {
		l.PushBack(i)
		return
	}
	l.InsertBefore(l.front, i)
}

// InsertBefore inserts i before mark, which must be in l.
func (l *InstructionList) InsertBefore(mark, i Instruction) {
	m := mark.link()
	dex.Check(m.list == l, "mark not in list")
	n := l.adopt(i)
	n.prev, n.next = m.prev, mark
	if m.prev != nil {
		m.prev.link().next = i
	} else {
		l.front = i
	}
	m.prev = i
}

// InsertAfter inserts i after mark, which must be in l.
func (l *InstructionList) InsertAfter(mark, i Instruction) {
	m := mark.link()
	dex.Check(m.list == l, "mark not in list")
	n := l.adopt(i)
	n.prev, n.next = mark, m.next
	if m.next != nil {
		m.next.link().prev = i
	} else {
		l.back = i
	}
	m.next = i
}

func (l *InstructionList) Remove(i Instruction) {
	n := i.link()
	dex.Check(n.list == l, "instruction not in list")
	if n.prev != nil {
		n.prev.link().next = n.next
	} else {
		l.front = n.next
	}
	if n.next != nil {
		n.next.link().prev = n.prev
	} else {
		l.back = n.prev
	}
	n.prev, n.next, n.list = nil, nil, nil
	l.size--
}

// All iterates the list front to back. The successor is read before
// yielding: the yielded instruction may be removed, and nodes inserted
// right after it are not visited.
func (l *InstructionList) All() iter.Seq[Instruction] {
	return func(yield func(Instruction) bool) {
		for i := l.front; i != nil; {
			next := i.link().next
			if !yield(i) {
				return
			}
			i = next
		}
	}
}

// Slice returns a snapshot of the list.
func (l *InstructionList) Slice() []Instruction {
	out := make([]Instruction, 0, l.size)
	for i := l.front; i != nil; i = i.link().next {
		out = append(out, i)
	}
	return out
}

// OffsetOf returns the code offset of an instruction.
func OffsetOf(i Instruction) uint32 { return i.link().Offset }
