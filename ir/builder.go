package ir

import (
	"strings"

	"slicer/dex"
)

// lookupTables index DexFile nodes by content. They are filled lazily:
// nodes appended since the last sync (by the reader or by hand) are
// picked up before the next lookup.
type lookupTables struct {
	strings    map[string]*String
	types      map[string]*Type
	typeLists  map[string]*TypeList
	protos     map[string]*Proto
	fields     map[string]*FieldDecl
	methods    map[string]*MethodDecl
	nStrings   int
	nTypes     int
	nTypeLists int
	nProtos    int
	nFields    int
	nMethods   int
}

func typeListKey(types []*Type) string {
	var sb strings.Builder
	for _, t := range types {
		sb.WriteString(t.String())
	}
	return sb.String()
}

func protoKey(p *Proto) string {
	return p.Signature()
}

func fieldKey(parent *Type, name *String, typ *Type) string {
	return parent.String() + "->" + name.String() + ":" + typ.String()
}

func methodKey(parent *Type, name *String, proto *Proto) string {
	return parent.String() + "->" + name.String() + proto.Signature()
}

func (d *DexFile) syncLookup() {
	l := &d.lookup
	if l.strings == nil {
		l.strings = make(map[string]*String)
		l.types = make(map[string]*Type)
		l.typeLists = make(map[string]*TypeList)
		l.protos = make(map[string]*Proto)
		l.fields = make(map[string]*FieldDecl)
		l.methods = make(map[string]*MethodDecl)
	}
	for ; l.nStrings < len(d.Strings); l.nStrings++ {
		s := d.Strings[l.nStrings]
		if _, ok := l.strings[string(s.Data)]; !ok {
			l.strings[string(s.Data)] = s
		}
	}
	for ; l.nTypes < len(d.Types); l.nTypes++ {
		t := d.Types[l.nTypes]
		if _, ok := l.types[t.String()]; !ok {
			l.types[t.String()] = t
		}
	}
	for ; l.nTypeLists < len(d.TypeLists); l.nTypeLists++ {
		tl := d.TypeLists[l.nTypeLists]
		key := typeListKey(tl.Types)
		if _, ok := l.typeLists[key]; !ok {
			l.typeLists[key] = tl
		}
	}
	for ; l.nProtos < len(d.Protos); l.nProtos++ {
		p := d.Protos[l.nProtos]
		if _, ok := l.protos[protoKey(p)]; !ok {
			l.protos[protoKey(p)] = p
		}
	}
	for ; l.nFields < len(d.Fields); l.nFields++ {
		f := d.Fields[l.nFields]
		key := fieldKey(f.Parent, f.Name, f.Type)
		if _, ok := l.fields[key]; !ok {
			l.fields[key] = f
		}
	}
	for ; l.nMethods < len(d.Methods); l.nMethods++ {
		m := d.Methods[l.nMethods]
		key := methodKey(m.Parent, m.Name, m.Prototype)
		if _, ok := l.methods[key]; !ok {
			l.methods[key] = m
		}
	}
}

// Builder creates or finds canonical nodes in a DexFile. Equal
// arguments always yield the same node. Not safe for concurrent use.
type Builder struct {
	dexFile *DexFile
}

func NewBuilder(dexFile *DexFile) *Builder {
	return &Builder{dexFile: dexFile}
}

func (b *Builder) DexFile() *DexFile {
	return b.dexFile
}

// GetAsciiString returns the String node for s.
func (b *Builder) GetAsciiString(s string) *String {
	d := b.dexFile
	d.syncLookup()
	data := dex.StringToMUTF8(s)
	if node, ok := d.lookup.strings[string(data)]; ok {
		return node
	}

	node := d.AllocString()
	node.Data = data
	node.OrigIndex = d.StringsIndexes.AllocateIndex()
	d.StringsMap[node.OrigIndex] = node
	d.lookup.strings[string(data)] = node
	d.lookup.nStrings = len(d.Strings)
	return node
}

// GetType returns the Type node for a descriptor such as "[I".
func (b *Builder) GetType(descriptor string) *Type {
	d := b.dexFile
	d.syncLookup()
	if node, ok := d.lookup.types[descriptor]; ok {
		return node
	}

	desc := b.GetAsciiString(descriptor)
	node := d.AllocType()
	node.Descriptor = desc
	node.OrigIndex = d.TypesIndexes.AllocateIndex()
	d.TypesMap[node.OrigIndex] = node
	d.lookup.types[descriptor] = node
	d.lookup.nTypes = len(d.Types)
	return node
}

// GetTypeList returns nil for an empty list.
func (b *Builder) GetTypeList(types []*Type) *TypeList {
	if len(types) == 0 {
		return nil
	}
	d := b.dexFile
	d.syncLookup()
	key := typeListKey(types)
	if node, ok := d.lookup.typeLists[key]; ok {
		return node
	}

	node := d.AllocTypeList()
	node.Types = append([]*Type(nil), types...)
	d.lookup.typeLists[key] = node
	d.lookup.nTypeLists = len(d.TypeLists)
	return node
}

// GetProto returns the prototype with the given return and parameter
// types; the shorty is derived from them.
func (b *Builder) GetProto(returnType *Type, params *TypeList) *Proto {
	d := b.dexFile
	d.syncLookup()
	key := protoKey(&Proto{ReturnType: returnType, ParamTypes: params})
	if node, ok := d.lookup.protos[key]; ok {
		return node
	}

	shorty := []byte{returnType.Shorty()}
	if params != nil {
		for _, t := range params.Types {
			shorty = append(shorty, t.Shorty())
		}
	}

	shortyStr := b.GetAsciiString(string(shorty))

	node := d.AllocProto()
	node.Shorty = shortyStr
	node.ReturnType = returnType
	node.ParamTypes = params
	node.OrigIndex = d.ProtosIndexes.AllocateIndex()
	d.ProtosMap[node.OrigIndex] = node
	d.lookup.protos[key] = node
	d.lookup.nProtos = len(d.Protos)
	return node
}

// GetProtoFromSignature parses "(IJ)V" style signatures; returns nil
// for malformed input.
func (b *Builder) GetProtoFromSignature(signature string) *Proto {
	params, ret, ok := dex.ParseSignature(signature)
	if !ok {
		return nil
	}
	types := make([]*Type, 0, len(params))
	for _, p := range params {
		types = append(types, b.GetType(p))
	}
	return b.GetProto(b.GetType(ret), b.GetTypeList(types))
}

func (b *Builder) GetFieldDecl(name *String, typ *Type, parent *Type) *FieldDecl {
	d := b.dexFile
	d.syncLookup()
	key := fieldKey(parent, name, typ)
	if node, ok := d.lookup.fields[key]; ok {
		return node
	}

	node := d.AllocFieldDecl()
	node.Name = name
	node.Type = typ
	node.Parent = parent
	node.OrigIndex = d.FieldsIndexes.AllocateIndex()
	d.FieldsMap[node.OrigIndex] = node
	d.lookup.fields[key] = node
	d.lookup.nFields = len(d.Fields)
	return node
}

func (b *Builder) GetMethodDecl(name *String, proto *Proto, parent *Type) *MethodDecl {
	d := b.dexFile
	d.syncLookup()
	key := methodKey(parent, name, proto)
	if node, ok := d.lookup.methods[key]; ok {
		return node
	}

	node := d.AllocMethodDecl()
	node.Name = name
	node.Prototype = proto
	node.Parent = parent
	node.OrigIndex = d.MethodsIndexes.AllocateIndex()
	d.MethodsMap[node.OrigIndex] = node
	d.lookup.methods[key] = node
	d.lookup.nMethods = len(d.Methods)
	return node
}

// FindMethod returns the method defined in this dex matching id, or nil.
func (b *Builder) FindMethod(id MethodId) *EncodedMethod {
	class := b.dexFile.FindClass(id.ClassDescriptor)
	if class == nil {
		return nil
	}
	for _, m := range class.Methods() {
		if id.Match(m.Decl) {
			return m
		}
	}
	return nil
}

// CreateClass defines a new class extending java.lang.Object.
func (b *Builder) CreateClass(descriptor string) *Class {
	d := b.dexFile
	t := b.GetType(descriptor)
	dex.Check(t.ClassDef == nil, "class %s already defined", descriptor)

	class := d.AllocClass()
	class.Type = t
	class.AccessFlags = dex.AccPublic
	if descriptor != "Ljava/lang/Object;" {
		class.SuperClass = b.GetType("Ljava/lang/Object;")
	}
	class.OrigIndex = d.ClassesIndexes.AllocateIndex()
	d.ClassesMap[class.OrigIndex] = class
	t.ClassDef = class
	return class
}

// AddMethod defines a method of class. Constructors, private and
// static methods go to the direct list, everything else is virtual.
func (b *Builder) AddMethod(class *Class, name, signature string, accessFlags uint32, code *Code) *EncodedMethod {
	proto := b.GetProtoFromSignature(signature)
	dex.Check(proto != nil, "invalid signature %q", signature)

	m := b.dexFile.AllocEncodedMethod()
	m.Decl = b.GetMethodDecl(b.GetAsciiString(name), proto, class.Type)
	m.AccessFlags = accessFlags
	m.Code = code
	m.Parent = class
	if accessFlags&(dex.AccStatic|dex.AccPrivate|dex.AccConstructor) != 0 {
		class.DirectMethods = append(class.DirectMethods, m)
	} else {
		class.VirtualMethods = append(class.VirtualMethods, m)
	}
	return m
}

// AddField defines a field of class.
func (b *Builder) AddField(class *Class, name, descriptor string, accessFlags uint32) *EncodedField {
	f := b.dexFile.AllocEncodedField()
	f.Decl = b.GetFieldDecl(b.GetAsciiString(name), b.GetType(descriptor), class.Type)
	f.AccessFlags = accessFlags
	if accessFlags&dex.AccStatic != 0 {
		class.StaticFields = append(class.StaticFields, f)
	} else {
		class.InstanceFields = append(class.InstanceFields, f)
	}
	return f
}

// NewCode allocates a method body.
func (b *Builder) NewCode(registers, ins uint16, insns []uint16) *Code {
	code := b.dexFile.AllocCode()
	code.Registers = registers
	code.InsCount = ins
	code.Instructions = insns
	return code
}
