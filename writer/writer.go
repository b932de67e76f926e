// Package writer lays an ir.DexFile out as a .dex image.
package writer

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"slicer/dex"
	"slicer/ir"
)

type Writer struct {
	dexIr *ir.DexFile
}

func New(dexIr *ir.DexFile) *Writer {
	return &Writer{dexIr: dexIr}
}

// CreateImage normalizes the IR, encodes it and returns the image in
// memory obtained from alloc. Writing the IR read back from the result
// reproduces it byte for byte.
func (w *Writer) CreateImage(alloc Allocator) (image []byte, err error) {
	if alloc == nil {
		return nil, errors.New("nil allocator")
	}

	var buf []byte
	func() {
		defer dex.Recover(&err, "failed to write dex image")
		w.dexIr.Normalize()
		buf = newImageWriter(w.dexIr).write()
	}()
	if err != nil {
		return nil, err
	}

	image = alloc.Allocate(len(buf))
	if len(image) < len(buf) {
		if image != nil {
			alloc.Free(image)
		}
		return nil, errors.Errorf("allocator returned %d bytes, need %d", len(image), len(buf))
	}
	image = image[:len(buf)]
	copy(image, buf)
	return image, nil
}

type mapEntry struct {
	typ    uint16
	size   uint32
	offset uint32
}

// imageWriter holds the state of one CreateImage call. Data items are
// appended in section order; an item only ever refers to items of
// earlier sections, so every offset is known when it is needed.
type imageWriter struct {
	d       *ir.DexFile
	dataOff uint32
	data    []byte

	sections []mapEntry
	current  *mapEntry

	stringDataOffs    []uint32
	typeListOffs      map[*ir.TypeList]uint32
	debugInfoOffs     map[*ir.DebugInfo]uint32
	codeOffs          map[*ir.Code]uint32
	annotationOffs    map[*ir.Annotation]uint32
	annotationSetOffs map[*ir.AnnotationSet]uint32
	refListOffs       map[*ir.AnnotationSetRefList]uint32
	directoryOffs     map[*ir.AnnotationsDirectory]uint32
	encodedArrayOffs  map[*ir.EncodedArray]uint32
	classDataOffs     map[*ir.Class]uint32
}

func newImageWriter(d *ir.DexFile) *imageWriter {
	return &imageWriter{
		d:                 d,
		typeListOffs:      make(map[*ir.TypeList]uint32),
		debugInfoOffs:     make(map[*ir.DebugInfo]uint32),
		codeOffs:          make(map[*ir.Code]uint32),
		annotationOffs:    make(map[*ir.Annotation]uint32),
		annotationSetOffs: make(map[*ir.AnnotationSet]uint32),
		refListOffs:       make(map[*ir.AnnotationSetRefList]uint32),
		directoryOffs:     make(map[*ir.AnnotationsDirectory]uint32),
		encodedArrayOffs:  make(map[*ir.EncodedArray]uint32),
		classDataOffs:     make(map[*ir.Class]uint32),
	}
}

func (w *imageWriter) pos() uint32 {
	return w.dataOff + uint32(len(w.data))
}

func (w *imageWriter) align(n int) {
	for (w.dataOff+uint32(len(w.data)))%uint32(n) != 0 {
		w.data = append(w.data, 0)
	}
}

func (w *imageWriter) u2(v uint16) {
	w.data = binary.LittleEndian.AppendUint16(w.data, v)
}

func (w *imageWriter) u4(v uint32) {
	w.data = binary.LittleEndian.AppendUint32(w.data, v)
}

func (w *imageWriter) uleb(v uint32) {
	w.data = dex.AppendULEB128(w.data, v)
}

func (w *imageWriter) beginSection(typ uint16) {
	w.current = &mapEntry{typ: typ}
}

// item starts the next item of the current section at the required
// alignment and returns its offset.
func (w *imageWriter) item(alignment int) uint32 {
	w.align(alignment)
	off := w.pos()
	if w.current.size == 0 {
		w.current.offset = off
	}
	w.current.size++
	return off
}

func (w *imageWriter) endSection() {
	if w.current.size > 0 {
		w.sections = append(w.sections, *w.current)
	}
	w.current = nil
}

func (w *imageWriter) write() []byte {
	d := w.d
	dex.Check(len(d.Types) <= 0xffff, "too many types (%d)", len(d.Types))
	dex.Check(len(d.Protos) <= 0xffff, "too many protos (%d)", len(d.Protos))

	h := dex.Header{
		Magic:      d.Magic,
		HeaderSize: dex.HeaderSize,
		EndianTag:  dex.EndianConstant,
	}
	off := uint32(dex.HeaderSize)
	place := func(count int, itemSize uint32, size, offset *uint32) {
		*size = uint32(count)
		if count > 0 {
			*offset = off
		}
		off += uint32(count) * itemSize
	}
	place(len(d.Strings), dex.StringIdSize, &h.StringIdsSize, &h.StringIdsOff)
	place(len(d.Types), dex.TypeIdSize, &h.TypeIdsSize, &h.TypeIdsOff)
	place(len(d.Protos), dex.ProtoIdSize, &h.ProtoIdsSize, &h.ProtoIdsOff)
	place(len(d.Fields), dex.FieldIdSize, &h.FieldIdsSize, &h.FieldIdsOff)
	place(len(d.Methods), dex.MethodIdSize, &h.MethodIdsSize, &h.MethodIdsOff)
	place(len(d.Classes), dex.ClassDefSize, &h.ClassDefsSize, &h.ClassDefsOff)
	w.dataOff = off

	w.writeStringData()
	w.writeTypeLists()
	w.writeDebugInfo()
	w.writeCode()
	w.writeAnnotations()
	w.writeEncodedArrays()
	w.writeClassData()
	h.MapOff = w.writeMapList(&h)

	fileSize := w.pos()
	h.FileSize = fileSize
	h.DataOff = w.dataOff
	h.DataSize = fileSize - w.dataOff

	image := make([]byte, 0, fileSize)
	image = append(image, h.Encode()...)
	image = w.appendIds(image)
	dex.Check(uint32(len(image)) == w.dataOff, "id sections size mismatch")
	image = append(image, w.data...)
	dex.UpdateHeaderChecksums(image)

	log.Debugf("wrote dex image: %d bytes, %d classes, %d strings", len(image), len(d.Classes), len(d.Strings))
	return image
}

func (w *imageWriter) appendIds(image []byte) []byte {
	le := binary.LittleEndian
	for i := range w.d.Strings {
		image = le.AppendUint32(image, w.stringDataOffs[i])
	}
	for _, t := range w.d.Types {
		image = le.AppendUint32(image, t.Descriptor.Index)
	}
	for _, p := range w.d.Protos {
		image = le.AppendUint32(image, p.Shorty.Index)
		image = le.AppendUint32(image, p.ReturnType.Index)
		image = le.AppendUint32(image, w.typeListOffs[p.ParamTypes])
	}
	for _, f := range w.d.Fields {
		image = le.AppendUint16(image, uint16(f.Parent.Index))
		image = le.AppendUint16(image, uint16(f.Type.Index))
		image = le.AppendUint32(image, f.Name.Index)
	}
	for _, m := range w.d.Methods {
		image = le.AppendUint16(image, uint16(m.Parent.Index))
		image = le.AppendUint16(image, uint16(m.Prototype.Index))
		image = le.AppendUint32(image, m.Name.Index)
	}
	for _, c := range w.d.Classes {
		image = le.AppendUint32(image, c.Type.Index)
		image = le.AppendUint32(image, c.AccessFlags)
		image = le.AppendUint32(image, typeIndex(c.SuperClass))
		image = le.AppendUint32(image, w.typeListOffs[c.Interfaces])
		image = le.AppendUint32(image, stringIndex(c.SourceFile))
		image = le.AppendUint32(image, w.directoryOffs[c.Annotations])
		image = le.AppendUint32(image, w.classDataOffs[c])
		image = le.AppendUint32(image, w.encodedArrayOffs[c.StaticInit])
	}
	return image
}

func typeIndex(t *ir.Type) uint32 {
	if t == nil {
		return dex.NoIndex
	}
	return t.Index
}

func stringIndex(s *ir.String) uint32 {
	if s == nil {
		return dex.NoIndex
	}
	return s.Index
}

func (w *imageWriter) writeStringData() {
	w.beginSection(dex.MapStringDataItem)
	w.stringDataOffs = make([]uint32, len(w.d.Strings))
	for i, s := range w.d.Strings {
		w.stringDataOffs[i] = w.item(1)
		w.uleb(dex.UTF16Length(s.Data))
		w.data = append(w.data, s.Data...)
		w.data = append(w.data, 0)
	}
	w.endSection()
}

func (w *imageWriter) writeTypeList(l *ir.TypeList) {
	if l == nil || len(l.Types) == 0 {
		return
	}
	if _, ok := w.typeListOffs[l]; ok {
		return
	}
	w.typeListOffs[l] = w.item(4)
	w.u4(uint32(len(l.Types)))
	for _, t := range l.Types {
		w.u2(uint16(t.Index))
	}
}

func (w *imageWriter) writeTypeLists() {
	w.beginSection(dex.MapTypeList)
	for _, p := range w.d.Protos {
		w.writeTypeList(p.ParamTypes)
	}
	for _, c := range w.d.Classes {
		w.writeTypeList(c.Interfaces)
	}
	w.endSection()
}

// codes returns the method bodies in class order.
func (w *imageWriter) codes() []*ir.Code {
	var codes []*ir.Code
	for _, c := range w.d.Classes {
		for _, m := range c.Methods() {
			if m.Code != nil {
				codes = append(codes, m.Code)
			}
		}
	}
	return codes
}

func (w *imageWriter) mapString(orig uint32) uint32 {
	if orig == dex.NoIndex {
		return dex.NoIndex
	}
	s := w.d.StringsMap[orig]
	dex.Check(s != nil, "unknown string index %d", orig)
	return s.Index
}

func (w *imageWriter) mapType(orig uint32) uint32 {
	if orig == dex.NoIndex {
		return dex.NoIndex
	}
	t := w.d.TypesMap[orig]
	dex.Check(t != nil, "unknown type index %d", orig)
	return t.Index
}

func (w *imageWriter) mapField(orig uint32) uint32 {
	f := w.d.FieldsMap[orig]
	dex.Check(f != nil, "unknown field index %d", orig)
	return f.Index
}

func (w *imageWriter) mapMethod(orig uint32) uint32 {
	m := w.d.MethodsMap[orig]
	dex.Check(m != nil, "unknown method index %d", orig)
	return m.Index
}

func (w *imageWriter) writeDebugInfo() {
	w.beginSection(dex.MapDebugInfoItem)
	for _, code := range w.codes() {
		info := code.DebugInfo
		if info == nil {
			continue
		}
		if _, ok := w.debugInfoOffs[info]; ok {
			continue
		}
		w.debugInfoOffs[info] = w.item(1)
		w.uleb(info.LineStart)
		w.uleb(uint32(len(info.ParamNames)))
		for _, name := range info.ParamNames {
			w.data = dex.AppendULEB128p1(w.data, stringIndex(name))
		}
		w.data = w.remapDebugInfo(w.data, info.Data)
	}
	w.endSection()
}

// remapDebugInfo copies a line program, translating string and type
// references to output indices.
func (w *imageWriter) remapDebugInfo(out, program []byte) []byte {
	c := dex.NewCursor(program, 0)
	optString := func() {
		out = dex.AppendULEB128p1(out, w.mapString(c.ULEB128p1()))
	}
	for {
		opcode := c.U1()
		out = append(out, opcode)
		switch opcode {
		case dex.DbgEndSequence:
			return out
		case dex.DbgAdvancePc, dex.DbgEndLocal, dex.DbgRestartLocal:
			out = dex.AppendULEB128(out, c.ULEB128())
		case dex.DbgAdvanceLine:
			out = dex.AppendSLEB128(out, c.SLEB128())
		case dex.DbgStartLocal, dex.DbgStartLocalExtended:
			out = dex.AppendULEB128(out, c.ULEB128())
			optString()
			out = dex.AppendULEB128p1(out, w.mapType(c.ULEB128p1()))
			if opcode == dex.DbgStartLocalExtended {
				optString()
			}
		case dex.DbgSetFile:
			optString()
		}
	}
}

func (w *imageWriter) writeCode() {
	w.beginSection(dex.MapCodeItem)
	for _, code := range w.codes() {
		if _, ok := w.codeOffs[code]; ok {
			continue
		}
		w.codeOffs[code] = w.item(4)

		insns := w.fixInstructions(code.Instructions)
		tries, handlers := w.fixHandlers(code)

		w.u2(code.Registers)
		w.u2(code.InsCount)
		w.u2(code.OutsCount)
		w.u2(uint16(len(tries)))
		w.u4(w.debugInfoOffs[code.DebugInfo])
		w.u4(uint32(len(insns)))
		for _, u := range insns {
			w.u2(u)
		}
		if len(tries) > 0 {
			if len(insns)%2 != 0 {
				w.u2(0)
			}
			for _, tb := range tries {
				w.u4(tb.StartAddr)
				w.u2(tb.InsnCount)
				w.u2(tb.HandlerOff)
			}
			w.data = append(w.data, handlers...)
		}
	}
	w.endSection()
}

// fixInstructions returns a copy of insns with pool indices translated
// from original to output numbering.
func (w *imageWriter) fixInstructions(insns []uint16) []uint16 {
	out := append([]uint16(nil), insns...)
	for pos := 0; pos < len(out); {
		width := dex.GetWidthFromBytecode(out[pos:])
		unit := out[pos]
		if unit == dex.PackedSwitchSignature || unit == dex.SparseSwitchSignature || unit == dex.ArrayDataSignature {
			pos += width
			continue
		}

		op := dex.Opcode(unit & 0xff)
		var remap func(uint32) uint32
		switch op.IndexType() {
		case dex.IndexNone:
		case dex.IndexString:
			remap = w.mapString
		case dex.IndexType:
			remap = w.mapType
		case dex.IndexField:
			remap = w.mapField
		case dex.IndexMethod:
			remap = w.mapMethod
		default:
			dex.Check(false, "unsupported instruction %s", op)
		}
		if remap != nil {
			switch op.Format() {
			case dex.Fmt21c, dex.Fmt22c, dex.Fmt35c, dex.Fmt3rc:
				index := remap(uint32(out[pos+1]))
				dex.Check(index <= 0xffff, "index %d does not fit %s", index, op)
				out[pos+1] = uint16(index)
			case dex.Fmt31c:
				index := remap(uint32(out[pos+1]) | uint32(out[pos+2])<<16)
				out[pos+1] = uint16(index)
				out[pos+2] = uint16(index >> 16)
			default:
				dex.Check(false, "unexpected format for %s", op)
			}
		}
		pos += width
	}
	return out
}

// fixHandlers re-encodes the catch handler list with output type
// indices. Handler offsets move since LEB128 widths may change.
func (w *imageWriter) fixHandlers(code *ir.Code) ([]dex.TryBlock, []byte) {
	if len(code.TryBlocks) == 0 {
		return nil, nil
	}

	c := dex.NewCursor(code.CatchHandlers, 0)
	count := c.ULEB128()
	out := dex.AppendULEB128(nil, count)
	moved := make(map[uint32]uint32, count)
	for i := uint32(0); i < count; i++ {
		moved[uint32(c.Pos)] = uint32(len(out))
		size := c.SLEB128()
		out = dex.AppendSLEB128(out, size)
		n := size
		if n < 0 {
			n = -n
		}
		for k := int32(0); k < n; k++ {
			out = dex.AppendULEB128(out, w.mapType(c.ULEB128()))
			out = dex.AppendULEB128(out, c.ULEB128())
		}
		if size <= 0 {
			out = dex.AppendULEB128(out, c.ULEB128())
		}
	}

	tries := make([]dex.TryBlock, len(code.TryBlocks))
	for i, tb := range code.TryBlocks {
		off, ok := moved[uint32(tb.HandlerOff)]
		dex.Check(ok, "try block refers to unknown handler offset %d", tb.HandlerOff)
		dex.Check(off <= 0xffff, "catch handler offset %d too large", off)
		tries[i] = dex.TryBlock{StartAddr: tb.StartAddr, InsnCount: tb.InsnCount, HandlerOff: uint16(off)}
	}
	return tries, out
}

func (w *imageWriter) writeMapList(h *dex.Header) uint32 {
	w.align(4)
	mapOff := w.pos()

	entries := []mapEntry{{typ: dex.MapHeaderItem, size: 1, offset: 0}}
	add := func(typ uint16, size, offset uint32) {
		if size > 0 {
			entries = append(entries, mapEntry{typ: typ, size: size, offset: offset})
		}
	}
	add(dex.MapStringIdItem, h.StringIdsSize, h.StringIdsOff)
	add(dex.MapTypeIdItem, h.TypeIdsSize, h.TypeIdsOff)
	add(dex.MapProtoIdItem, h.ProtoIdsSize, h.ProtoIdsOff)
	add(dex.MapFieldIdItem, h.FieldIdsSize, h.FieldIdsOff)
	add(dex.MapMethodIdItem, h.MethodIdsSize, h.MethodIdsOff)
	add(dex.MapClassDefItem, h.ClassDefsSize, h.ClassDefsOff)
	entries = append(entries, w.sections...)
	entries = append(entries, mapEntry{typ: dex.MapMapList, size: 1, offset: mapOff})

	w.u4(uint32(len(entries)))
	for _, e := range entries {
		w.u2(e.typ)
		w.u2(0)
		w.u4(e.size)
		w.u4(e.offset)
	}
	return mapOff
}
