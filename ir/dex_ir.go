// Package ir is the in-memory object graph of a dex file. Table
// references are resolved to pointers; every node is owned by the
// DexFile that allocated it.
package ir

import (
	"strings"

	"slicer/dex"
)

// String is a string_data_item. Data holds the MUTF-8 bytes without
// the length prefix and the terminating NUL.
type String struct {
	Data      []byte
	OrigIndex uint32
	Index     uint32
}

func (s *String) String() string {
	return dex.MUTF8ToString(s.Data)
}

type Type struct {
	Descriptor *String
	// ClassDef is the class defined by this dex for the type, if any.
	ClassDef  *Class
	OrigIndex uint32
	Index     uint32
}

func (t *Type) String() string {
	return t.Descriptor.String()
}

// Decl formats the type as it appears in Java source.
func (t *Type) Decl() string {
	return dex.DescriptorToDecl(t.String())
}

func (t *Type) IsWide() bool {
	return dex.IsWideDescriptor(t.String())
}

func (t *Type) IsReference() bool {
	return dex.IsReferenceDescriptor(t.String())
}

func (t *Type) Shorty() byte {
	return dex.DescriptorToShorty(t.String())
}

// Width is the number of registers a value of the type occupies.
func (t *Type) Width() int {
	switch {
	case t.String() == "V":
		return 0
	case t.IsWide():
		return 2
	}
	return 1
}

// TypeList is an ordered list of types. A nil *TypeList is the empty list.
type TypeList struct {
	Types []*Type
}

func (l *TypeList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Types)
}

type Proto struct {
	Shorty     *String
	ReturnType *Type
	ParamTypes *TypeList
	OrigIndex  uint32
	Index      uint32
}

// Signature returns the method descriptor, e.g. "(ILjava/lang/String;)V".
func (p *Proto) Signature() string {
	var sb strings.Builder
	sb.WriteByte('(')
	if p.ParamTypes != nil {
		for _, t := range p.ParamTypes.Types {
			sb.WriteString(t.String())
		}
	}
	sb.WriteByte(')')
	sb.WriteString(p.ReturnType.String())
	return sb.String()
}

// ArgsWidth is the number of registers taken by the parameters.
func (p *Proto) ArgsWidth() int {
	width := 0
	if p.ParamTypes != nil {
		for _, t := range p.ParamTypes.Types {
			width += t.Width()
		}
	}
	return width
}

type FieldDecl struct {
	Name      *String
	Type      *Type
	Parent    *Type
	OrigIndex uint32
	Index     uint32
}

type MethodDecl struct {
	Name      *String
	Prototype *Proto
	Parent    *Type
	OrigIndex uint32
	Index     uint32
}

type EncodedField struct {
	Decl        *FieldDecl
	AccessFlags uint32
}

type EncodedMethod struct {
	Decl        *MethodDecl
	AccessFlags uint32
	// Code is nil for abstract and native methods.
	Code   *Code
	Parent *Class
}

func (m *EncodedMethod) IsStatic() bool {
	return m.AccessFlags&dex.AccStatic != 0
}

// Code is a method body. Pool references inside Instructions,
// CatchHandlers and DebugInfo use original (OrigIndex) numbering; the
// writer remaps them.
type Code struct {
	Registers    uint16
	InsCount     uint16
	OutsCount    uint16
	Instructions []uint16
	TryBlocks    []dex.TryBlock
	// CatchHandlers is the raw encoded_catch_handler_list; TryBlocks
	// refer to it by byte offset.
	CatchHandlers []byte
	DebugInfo     *DebugInfo
}

type DebugInfo struct {
	LineStart uint32
	// ParamNames has a nil entry for unnamed parameters.
	ParamNames []*String
	// Data is the opcode stream up to and including DBG_END_SEQUENCE.
	Data []byte
}

type Class struct {
	Type           *Type
	AccessFlags    uint32
	SuperClass     *Type
	Interfaces     *TypeList
	SourceFile     *String
	Annotations    *AnnotationsDirectory
	StaticInit     *EncodedArray
	StaticFields   []*EncodedField
	InstanceFields []*EncodedField
	DirectMethods  []*EncodedMethod
	VirtualMethods []*EncodedMethod
	OrigIndex      uint32
	Index          uint32
}

// Methods returns direct methods followed by virtual methods.
func (c *Class) Methods() []*EncodedMethod {
	methods := make([]*EncodedMethod, 0, len(c.DirectMethods)+len(c.VirtualMethods))
	methods = append(methods, c.DirectMethods...)
	return append(methods, c.VirtualMethods...)
}

// EncodedValue is a tagged value. Integral kinds (byte, short, char,
// int, long, boolean) use Int; float and double keep their IEEE bits
// in Bits.
type EncodedValue struct {
	Type       uint8
	Int        int64
	Bits       uint64
	Bool       bool
	String     *String
	TypeValue  *Type
	Field      *FieldDecl
	Method     *MethodDecl
	Array      *EncodedArray
	Annotation *Annotation
}

type EncodedArray struct {
	Values []*EncodedValue
}

type AnnotationElement struct {
	Name  *String
	Value *EncodedValue
}

type Annotation struct {
	Type       *Type
	Visibility uint8
	Elements   []*AnnotationElement
}

type AnnotationSet struct {
	Annotations []*Annotation
}

// AnnotationSetRefList keeps nil entries for parameters without annotations.
type AnnotationSetRefList struct {
	Sets []*AnnotationSet
}

type FieldAnnotation struct {
	Field       *FieldDecl
	Annotations *AnnotationSet
}

type MethodAnnotation struct {
	Method      *MethodDecl
	Annotations *AnnotationSet
}

type ParamAnnotation struct {
	Method      *MethodDecl
	Annotations *AnnotationSetRefList
}

type AnnotationsDirectory struct {
	ClassAnnotation   *AnnotationSet
	FieldAnnotations  []*FieldAnnotation
	MethodAnnotations []*MethodAnnotation
	ParamAnnotations  []*ParamAnnotation
}
