package ir

import "slicer/dex"

// IndexMap tracks which indices of one table are taken.
type IndexMap struct {
	used []bool
	hint uint32
}

// Reset marks [0, size) as used, reserving the indices of the source
// image including items never materialized.
func (m *IndexMap) Reset(size uint32) {
	m.used = make([]bool, size)
	for i := range m.used {
		m.used[i] = true
	}
	m.hint = size
}

// AllocateIndex returns the lowest free index at or above the last
// allocation hint and marks it used.
func (m *IndexMap) AllocateIndex() uint32 {
	for i := m.hint; ; i++ {
		if int(i) >= len(m.used) || !m.used[i] {
			m.MarkUsedIndex(i)
			m.hint = i + 1
			return i
		}
	}
}

func (m *IndexMap) MarkUsedIndex(index uint32) {
	dex.Check(index != dex.NoIndex, "invalid index")
	if int(index) >= len(m.used) {
		grown := make([]bool, index+1, 2*(index+1))
		copy(grown, m.used)
		m.used = grown
	}
	dex.Check(!m.used[index], "index %d already in use", index)
	m.used[index] = true
}

func (m *IndexMap) IsUsed(index uint32) bool {
	return int(index) < len(m.used) && m.used[index]
}

// DexFile owns every node of one dex IR. Nodes are appended to the
// slices in allocation order and never freed individually.
type DexFile struct {
	Magic [8]byte

	Strings                []*String
	Types                  []*Type
	TypeLists              []*TypeList
	Protos                 []*Proto
	Fields                 []*FieldDecl
	Methods                []*MethodDecl
	Classes                []*Class
	EncodedFields          []*EncodedField
	EncodedMethods         []*EncodedMethod
	Codes                  []*Code
	DebugInfos             []*DebugInfo
	EncodedValues          []*EncodedValue
	EncodedArrays          []*EncodedArray
	Annotations            []*Annotation
	AnnotationElements     []*AnnotationElement
	AnnotationSets         []*AnnotationSet
	AnnotationSetRefLists  []*AnnotationSetRefList
	FieldAnnotations       []*FieldAnnotation
	MethodAnnotations      []*MethodAnnotation
	ParamAnnotations       []*ParamAnnotation
	AnnotationsDirectories []*AnnotationsDirectory

	// original index -> node
	StringsMap map[uint32]*String
	TypesMap   map[uint32]*Type
	ProtosMap  map[uint32]*Proto
	FieldsMap  map[uint32]*FieldDecl
	MethodsMap map[uint32]*MethodDecl
	ClassesMap map[uint32]*Class

	StringsIndexes IndexMap
	TypesIndexes   IndexMap
	ProtosIndexes  IndexMap
	FieldsIndexes  IndexMap
	MethodsIndexes IndexMap
	ClassesIndexes IndexMap

	lookup lookupTables
}

func NewDexFile() *DexFile {
	return &DexFile{
		Magic:      dex.DefaultMagic,
		StringsMap: make(map[uint32]*String),
		TypesMap:   make(map[uint32]*Type),
		ProtosMap:  make(map[uint32]*Proto),
		FieldsMap:  make(map[uint32]*FieldDecl),
		MethodsMap: make(map[uint32]*MethodDecl),
		ClassesMap: make(map[uint32]*Class),
	}
}

func (d *DexFile) AllocString() *String {
	n := &String{}
	d.Strings = append(d.Strings, n)
	return n
}

func (d *DexFile) AllocType() *Type {
	n := &Type{}
	d.Types = append(d.Types, n)
	return n
}

func (d *DexFile) AllocTypeList() *TypeList {
	n := &TypeList{}
	d.TypeLists = append(d.TypeLists, n)
	return n
}

func (d *DexFile) AllocProto() *Proto {
	n := &Proto{}
	d.Protos = append(d.Protos, n)
	return n
}

func (d *DexFile) AllocFieldDecl() *FieldDecl {
	n := &FieldDecl{}
	d.Fields = append(d.Fields, n)
	return n
}

func (d *DexFile) AllocMethodDecl() *MethodDecl {
	n := &MethodDecl{}
	d.Methods = append(d.Methods, n)
	return n
}

func (d *DexFile) AllocClass() *Class {
	n := &Class{}
	d.Classes = append(d.Classes, n)
	return n
}

func (d *DexFile) AllocEncodedField() *EncodedField {
	n := &EncodedField{}
	d.EncodedFields = append(d.EncodedFields, n)
	return n
}

func (d *DexFile) AllocEncodedMethod() *EncodedMethod {
	n := &EncodedMethod{}
	d.EncodedMethods = append(d.EncodedMethods, n)
	return n
}

func (d *DexFile) AllocCode() *Code {
	n := &Code{}
	d.Codes = append(d.Codes, n)
	return n
}

func (d *DexFile) AllocDebugInfo() *DebugInfo {
	n := &DebugInfo{}
	d.DebugInfos = append(d.DebugInfos, n)
	return n
}

func (d *DexFile) AllocEncodedValue() *EncodedValue {
	n := &EncodedValue{}
	d.EncodedValues = append(d.EncodedValues, n)
	return n
}

func (d *DexFile) AllocEncodedArray() *EncodedArray {
	n := &EncodedArray{}
	d.EncodedArrays = append(d.EncodedArrays, n)
	return n
}

func (d *DexFile) AllocAnnotation() *Annotation {
	n := &Annotation{}
	d.Annotations = append(d.Annotations, n)
	return n
}

func (d *DexFile) AllocAnnotationElement() *AnnotationElement {
	n := &AnnotationElement{}
	d.AnnotationElements = append(d.AnnotationElements, n)
	return n
}

func (d *DexFile) AllocAnnotationSet() *AnnotationSet {
	n := &AnnotationSet{}
	d.AnnotationSets = append(d.AnnotationSets, n)
	return n
}

func (d *DexFile) AllocAnnotationSetRefList() *AnnotationSetRefList {
	n := &AnnotationSetRefList{}
	d.AnnotationSetRefLists = append(d.AnnotationSetRefLists, n)
	return n
}

func (d *DexFile) AllocFieldAnnotation() *FieldAnnotation {
	n := &FieldAnnotation{}
	d.FieldAnnotations = append(d.FieldAnnotations, n)
	return n
}

func (d *DexFile) AllocMethodAnnotation() *MethodAnnotation {
	n := &MethodAnnotation{}
	d.MethodAnnotations = append(d.MethodAnnotations, n)
	return n
}

func (d *DexFile) AllocParamAnnotation() *ParamAnnotation {
	n := &ParamAnnotation{}
	d.ParamAnnotations = append(d.ParamAnnotations, n)
	return n
}

func (d *DexFile) AllocAnnotationsDirectory() *AnnotationsDirectory {
	n := &AnnotationsDirectory{}
	d.AnnotationsDirectories = append(d.AnnotationsDirectories, n)
	return n
}

// FindClass returns the class defined for descriptor, or nil.
func (d *DexFile) FindClass(descriptor string) *Class {
	for _, c := range d.Classes {
		if c.Type.String() == descriptor {
			return c
		}
	}
	return nil
}
