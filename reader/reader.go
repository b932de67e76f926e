// Package reader parses a .dex image into the ir object graph. Classes
// are materialized on demand together with everything they reference.
package reader

import (
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/ir"
)

// Reader is bound to one in-memory image and one DexFile under
// construction. Not safe for concurrent use.
type Reader struct {
	image  []byte
	header *dex.Header
	dexIr  *ir.DexFile

	// data items already extracted, keyed by file offset
	typeLists              map[uint32]*ir.TypeList
	annotations            map[uint32]*ir.Annotation
	annotationSets         map[uint32]*ir.AnnotationSet
	annotationsDirectories map[uint32]*ir.AnnotationsDirectory
	encodedArrays          map[uint32]*ir.EncodedArray
	debugInfos             map[uint32]*ir.DebugInfo

	// indices currently being parsed, to catch recursion on the same index
	parsing map[parseKey]bool
}

type parseKey struct {
	table byte
	index uint32
}

// New validates the header of image and returns a Reader with an
// empty IR.
func New(image []byte) (*Reader, error) {
	header, err := dex.ParseHeader(image)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		image:                  image,
		header:                 header,
		dexIr:                  ir.NewDexFile(),
		typeLists:              make(map[uint32]*ir.TypeList),
		annotations:            make(map[uint32]*ir.Annotation),
		annotationSets:         make(map[uint32]*ir.AnnotationSet),
		annotationsDirectories: make(map[uint32]*ir.AnnotationsDirectory),
		encodedArrays:          make(map[uint32]*ir.EncodedArray),
		debugInfos:             make(map[uint32]*ir.DebugInfo),
		parsing:                make(map[parseKey]bool),
	}

	if err := r.validateHeader(); err != nil {
		return nil, err
	}

	r.dexIr.Magic = header.Magic
	// builder-created nodes must not reuse indices of the source image,
	// materialized or not
	r.dexIr.StringsIndexes.Reset(header.StringIdsSize)
	r.dexIr.TypesIndexes.Reset(header.TypeIdsSize)
	r.dexIr.ProtosIndexes.Reset(header.ProtoIdsSize)
	r.dexIr.FieldsIndexes.Reset(header.FieldIdsSize)
	r.dexIr.MethodsIndexes.Reset(header.MethodIdsSize)
	r.dexIr.ClassesIndexes.Reset(header.ClassDefsSize)
	return r, nil
}

// Header returns the parsed image header.
func (r *Reader) Header() *dex.Header {
	return r.header
}

// GetIr returns the IR built so far.
func (r *Reader) GetIr() *ir.DexFile {
	return r.dexIr
}

// ClassCount is the number of class definitions in the image.
func (r *Reader) ClassCount() uint32 {
	return r.header.ClassDefsSize
}

// FindClassIndex returns the class_defs index of the class with the
// given descriptor, or dex.NoIndex.
func (r *Reader) FindClassIndex(descriptor string) (index uint32) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Debugf("FindClassIndex(%s): %v", descriptor, rec)
			index = dex.NoIndex
		}
	}()

	want := []byte(descriptor)
	for i := uint32(0); i < r.header.ClassDefsSize; i++ {
		classDef := r.classDef(i)
		typeId := r.typeId(classDef.ClassIdx)
		if bytes.Equal(r.stringData(typeId.DescriptorIdx), want) {
			return i
		}
	}
	return dex.NoIndex
}

// CreateClassIr materializes one class and its transitive references.
func (r *Reader) CreateClassIr(index uint32) (err error) {
	defer dex.Recover(&err, "failed to parse class")
	dex.Check(index < r.header.ClassDefsSize, "class index %d out of range", index)
	r.getClass(index)
	return nil
}

// CreateFullIr materializes every entry of every table, so writing the
// result back reproduces the whole image.
func (r *Reader) CreateFullIr() (err error) {
	defer dex.Recover(&err, "failed to parse dex")
	for i := uint32(0); i < r.header.ClassDefsSize; i++ {
		r.getClass(i)
	}
	for i := uint32(0); i < r.header.StringIdsSize; i++ {
		r.getString(i)
	}
	for i := uint32(0); i < r.header.TypeIdsSize; i++ {
		r.getType(i)
	}
	for i := uint32(0); i < r.header.ProtoIdsSize; i++ {
		r.getProto(i)
	}
	for i := uint32(0); i < r.header.FieldIdsSize; i++ {
		r.getFieldDecl(i)
	}
	for i := uint32(0); i < r.header.MethodIdsSize; i++ {
		r.getMethodDecl(i)
	}
	return nil
}

// VerifyChecksum reports whether the header checksum and signature
// match the image content. Parsing never verifies them.
func (r *Reader) VerifyChecksum() bool {
	return dex.VerifyChecksums(r.image)
}

func (r *Reader) validateHeader() (err error) {
	defer dex.Recover(&err, "invalid dex header")
	h := r.header
	size := uint64(len(r.image))

	dex.Check(size > dex.HeaderSize, "image too small")
	dex.Check(uint64(h.FileSize) == size, "file_size %d does not match image size %d", h.FileSize, size)
	dex.Check(h.HeaderSize == dex.HeaderSize, "unexpected header_size 0x%x", h.HeaderSize)
	dex.Check(h.EndianTag == dex.EndianConstant, "unsupported endian tag 0x%x", h.EndianTag)
	dex.Check(h.DataSize%4 == 0, "unaligned data_size")
	dex.Check(uint64(h.DataOff)+uint64(h.DataSize) <= size, "data section out of bounds")
	dex.Check(h.StringIdsOff%4 == 0, "unaligned string_ids_off")
	dex.Check(h.TypeIdsSize < 65536, "too many types")
	dex.Check(h.TypeIdsOff%4 == 0, "unaligned type_ids_off")
	dex.Check(h.ProtoIdsSize < 65536, "too many protos")
	dex.Check(h.ProtoIdsOff%4 == 0, "unaligned proto_ids_off")
	dex.Check(h.FieldIdsOff%4 == 0, "unaligned field_ids_off")
	dex.Check(h.MethodIdsOff%4 == 0, "unaligned method_ids_off")
	dex.Check(h.ClassDefsOff%4 == 0, "unaligned class_defs_off")
	dex.Check(h.MapOff >= h.DataOff && uint64(h.MapOff) < size, "map_off out of data section")
	dex.Check(h.LinkSize == 0 && h.LinkOff == 0, "link section not supported")
	dex.Check(h.DataOff%4 == 0, "unaligned data_off")
	dex.Check(h.MapOff%4 == 0, "unaligned map_off")
	dex.Check(uint64(h.DataOff)+uint64(h.DataSize) == size, "data section does not end the file")

	mapSize := uint64(binary.LittleEndian.Uint32(r.image[h.MapOff:]))
	dex.Check(mapSize > 0, "empty map_list")
	dex.Check(uint64(h.MapOff)+4+mapSize*dex.MapItemSize <= size, "map_list out of bounds")

	checkTable := func(name string, off, count, itemSize uint32) {
		dex.Check(uint64(off)+uint64(count)*uint64(itemSize) <= size, "%s out of bounds", name)
	}
	checkTable("string_ids", h.StringIdsOff, h.StringIdsSize, dex.StringIdSize)
	checkTable("type_ids", h.TypeIdsOff, h.TypeIdsSize, dex.TypeIdSize)
	checkTable("proto_ids", h.ProtoIdsOff, h.ProtoIdsSize, dex.ProtoIdSize)
	checkTable("field_ids", h.FieldIdsOff, h.FieldIdsSize, dex.FieldIdSize)
	checkTable("method_ids", h.MethodIdsOff, h.MethodIdsSize, dex.MethodIdSize)
	checkTable("class_defs", h.ClassDefsOff, h.ClassDefsSize, dex.ClassDefSize)
	return nil
}

// MapList returns the map_list entries of the image.
func (r *Reader) MapList() (items []dex.MapItem, err error) {
	defer dex.Recover(&err, "failed to read map_list")
	c := dex.NewCursor(r.image, r.header.MapOff)
	count := c.U4()
	items = make([]dex.MapItem, 0, count)
	for i := uint32(0); i < count; i++ {
		items = append(items, dex.MapItem{Type: c.U2(), Unused: c.U2(), Size: c.U4(), Offset: c.U4()})
	}
	return items, nil
}

func (r *Reader) u4(off uint32) uint32 {
	dex.Check(uint64(off)+4 <= uint64(len(r.image)), "offset 0x%x out of bounds", off)
	return binary.LittleEndian.Uint32(r.image[off:])
}

func (r *Reader) u2(off uint32) uint16 {
	dex.Check(uint64(off)+2 <= uint64(len(r.image)), "offset 0x%x out of bounds", off)
	return binary.LittleEndian.Uint16(r.image[off:])
}

func (r *Reader) classDef(index uint32) dex.ClassDef {
	dex.Check(index < r.header.ClassDefsSize, "class index %d out of range", index)
	off := r.header.ClassDefsOff + index*dex.ClassDefSize
	return dex.ClassDef{
		ClassIdx:        r.u4(off),
		AccessFlags:     r.u4(off + 4),
		SuperclassIdx:   r.u4(off + 8),
		InterfacesOff:   r.u4(off + 12),
		SourceFileIdx:   r.u4(off + 16),
		AnnotationsOff:  r.u4(off + 20),
		ClassDataOff:    r.u4(off + 24),
		StaticValuesOff: r.u4(off + 28),
	}
}

func (r *Reader) typeId(index uint32) dex.TypeId {
	dex.Check(index < r.header.TypeIdsSize, "type index %d out of range", index)
	return dex.TypeId{DescriptorIdx: r.u4(r.header.TypeIdsOff + index*dex.TypeIdSize)}
}

func (r *Reader) protoId(index uint32) dex.ProtoId {
	dex.Check(index < r.header.ProtoIdsSize, "proto index %d out of range", index)
	off := r.header.ProtoIdsOff + index*dex.ProtoIdSize
	return dex.ProtoId{ShortyIdx: r.u4(off), ReturnTypeIdx: r.u4(off + 4), ParametersOff: r.u4(off + 8)}
}

func (r *Reader) fieldId(index uint32) dex.FieldId {
	dex.Check(index < r.header.FieldIdsSize, "field index %d out of range", index)
	off := r.header.FieldIdsOff + index*dex.FieldIdSize
	return dex.FieldId{ClassIdx: r.u2(off), TypeIdx: r.u2(off + 2), NameIdx: r.u4(off + 4)}
}

func (r *Reader) methodId(index uint32) dex.MethodId {
	dex.Check(index < r.header.MethodIdsSize, "method index %d out of range", index)
	off := r.header.MethodIdsOff + index*dex.MethodIdSize
	return dex.MethodId{ClassIdx: r.u2(off), ProtoIdx: r.u2(off + 2), NameIdx: r.u4(off + 4)}
}

// stringData returns the MUTF-8 bytes of a string, without the length
// prefix and the NUL terminator.
func (r *Reader) stringData(index uint32) []byte {
	dex.Check(index < r.header.StringIdsSize, "string index %d out of range", index)
	c := dex.NewCursor(r.image, r.u4(r.header.StringIdsOff+index*dex.StringIdSize))
	c.ULEB128()
	end := bytes.IndexByte(r.image[c.Pos:], 0)
	dex.Check(end >= 0, "unterminated string %d", index)
	return r.image[c.Pos : c.Pos+end]
}

// GetStringMUTF8 returns a string of the image by index, without
// materializing it.
func (r *Reader) GetStringMUTF8(index uint32) (s string, err error) {
	defer dex.Recover(&err, "failed to read string")
	if index == dex.NoIndex {
		return "<no_string>", nil
	}
	return dex.MUTF8ToString(r.stringData(index)), nil
}

func (r *Reader) enter(table byte, index uint32) {
	key := parseKey{table, index}
	dex.Check(!r.parsing[key], "recursive reference to %c@%d", table, index)
	r.parsing[key] = true
}

func (r *Reader) leave(table byte, index uint32) {
	delete(r.parsing, parseKey{table, index})
}

// The get* functions map an index of the image to its single node,
// parsing it on first use.

func (r *Reader) getClass(index uint32) *ir.Class {
	dex.Check(index != dex.NoIndex, "invalid class index")
	if p := r.dexIr.ClassesMap[index]; p != nil {
		return p
	}
	r.enter('c', index)
	p := r.parseClass(index)
	r.leave('c', index)
	r.dexIr.ClassesMap[index] = p
	return p
}

func (r *Reader) getType(index uint32) *ir.Type {
	dex.Check(index != dex.NoIndex, "invalid type index")
	if p := r.dexIr.TypesMap[index]; p != nil {
		return p
	}
	r.enter('t', index)
	p := r.dexIr.AllocType()
	p.Descriptor = r.getString(r.typeId(index).DescriptorIdx)
	p.OrigIndex = index
	r.leave('t', index)
	r.dexIr.TypesMap[index] = p
	return p
}

func (r *Reader) getFieldDecl(index uint32) *ir.FieldDecl {
	dex.Check(index != dex.NoIndex, "invalid field index")
	if p := r.dexIr.FieldsMap[index]; p != nil {
		return p
	}
	r.enter('f', index)
	fieldId := r.fieldId(index)
	p := r.dexIr.AllocFieldDecl()
	p.Name = r.getString(fieldId.NameIdx)
	p.Type = r.getType(uint32(fieldId.TypeIdx))
	p.Parent = r.getType(uint32(fieldId.ClassIdx))
	p.OrigIndex = index
	r.leave('f', index)
	r.dexIr.FieldsMap[index] = p
	return p
}

func (r *Reader) getMethodDecl(index uint32) *ir.MethodDecl {
	dex.Check(index != dex.NoIndex, "invalid method index")
	if p := r.dexIr.MethodsMap[index]; p != nil {
		return p
	}
	r.enter('m', index)
	methodId := r.methodId(index)
	p := r.dexIr.AllocMethodDecl()
	p.Name = r.getString(methodId.NameIdx)
	p.Prototype = r.getProto(uint32(methodId.ProtoIdx))
	p.Parent = r.getType(uint32(methodId.ClassIdx))
	p.OrigIndex = index
	r.leave('m', index)
	r.dexIr.MethodsMap[index] = p
	return p
}

func (r *Reader) getProto(index uint32) *ir.Proto {
	dex.Check(index != dex.NoIndex, "invalid proto index")
	if p := r.dexIr.ProtosMap[index]; p != nil {
		return p
	}
	r.enter('p', index)
	protoId := r.protoId(index)
	p := r.dexIr.AllocProto()
	p.Shorty = r.getString(protoId.ShortyIdx)
	p.ReturnType = r.getType(protoId.ReturnTypeIdx)
	p.ParamTypes = r.extractTypeList(protoId.ParametersOff)
	p.OrigIndex = index
	r.leave('p', index)
	r.dexIr.ProtosMap[index] = p
	return p
}

func (r *Reader) getString(index uint32) *ir.String {
	dex.Check(index != dex.NoIndex, "invalid string index")
	if p := r.dexIr.StringsMap[index]; p != nil {
		return p
	}
	p := r.dexIr.AllocString()
	p.Data = r.stringData(index)
	p.OrigIndex = index
	r.dexIr.StringsMap[index] = p
	return p
}

func (r *Reader) parseClass(index uint32) *ir.Class {
	classDef := r.classDef(index)
	class := r.dexIr.AllocClass()

	class.Type = r.getType(classDef.ClassIdx)
	dex.Check(class.Type.ClassDef == nil, "duplicate class definition for %s", class.Type)
	class.Type.ClassDef = class

	class.AccessFlags = classDef.AccessFlags
	class.Interfaces = r.extractTypeList(classDef.InterfacesOff)
	if classDef.SuperclassIdx != dex.NoIndex {
		class.SuperClass = r.getType(classDef.SuperclassIdx)
	}
	if classDef.SourceFileIdx != dex.NoIndex {
		class.SourceFile = r.getString(classDef.SourceFileIdx)
	}

	if classDef.ClassDataOff != 0 {
		c := dex.NewCursor(r.image, classDef.ClassDataOff)
		staticFieldsCount := c.ULEB128()
		instanceFieldsCount := c.ULEB128()
		directMethodsCount := c.ULEB128()
		virtualMethodsCount := c.ULEB128()

		baseIndex := dex.NoIndex
		for i := uint32(0); i < staticFieldsCount; i++ {
			class.StaticFields = append(class.StaticFields, r.parseEncodedField(c, &baseIndex))
		}
		baseIndex = dex.NoIndex
		for i := uint32(0); i < instanceFieldsCount; i++ {
			class.InstanceFields = append(class.InstanceFields, r.parseEncodedField(c, &baseIndex))
		}
		baseIndex = dex.NoIndex
		for i := uint32(0); i < directMethodsCount; i++ {
			m := r.parseEncodedMethod(c, &baseIndex)
			m.Parent = class
			class.DirectMethods = append(class.DirectMethods, m)
		}
		baseIndex = dex.NoIndex
		for i := uint32(0); i < virtualMethodsCount; i++ {
			m := r.parseEncodedMethod(c, &baseIndex)
			m.Parent = class
			class.VirtualMethods = append(class.VirtualMethods, m)
		}
	}

	class.StaticInit = r.extractEncodedArray(classDef.StaticValuesOff)
	class.Annotations = r.extractAnnotations(classDef.AnnotationsOff)
	class.OrigIndex = index
	return class
}

// nextIndex decodes a class_data index diff. The first entry of each
// list is absolute.
func nextIndex(c *dex.Cursor, baseIndex *uint32) uint32 {
	index := c.ULEB128()
	if *baseIndex != dex.NoIndex {
		dex.Check(index != 0, "duplicate class_data entry")
		index += *baseIndex
	}
	dex.Check(index != dex.NoIndex, "invalid class_data index")
	*baseIndex = index
	return index
}

func (r *Reader) parseEncodedField(c *dex.Cursor, baseIndex *uint32) *ir.EncodedField {
	f := r.dexIr.AllocEncodedField()
	f.Decl = r.getFieldDecl(nextIndex(c, baseIndex))
	f.AccessFlags = c.ULEB128()
	return f
}

func (r *Reader) parseEncodedMethod(c *dex.Cursor, baseIndex *uint32) *ir.EncodedMethod {
	m := r.dexIr.AllocEncodedMethod()
	m.Decl = r.getMethodDecl(nextIndex(c, baseIndex))
	m.AccessFlags = c.ULEB128()
	m.Code = r.extractCode(c.ULEB128())
	return m
}

func (r *Reader) extractTypeList(offset uint32) *ir.TypeList {
	if offset == 0 {
		return nil
	}
	if p := r.typeLists[offset]; p != nil {
		return p
	}
	dex.Check(offset%4 == 0, "unaligned type_list at 0x%x", offset)

	c := dex.NewCursor(r.image, offset)
	size := c.U4()
	dex.Check(size > 0, "empty type_list at 0x%x", offset)

	list := r.dexIr.AllocTypeList()
	for i := uint32(0); i < size; i++ {
		list.Types = append(list.Types, r.getType(uint32(c.U2())))
	}
	r.typeLists[offset] = list
	return list
}
