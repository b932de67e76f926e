package reader

import (
	"slicer/dex"
	"slicer/ir"
)

func (r *Reader) extractAnnotations(offset uint32) *ir.AnnotationsDirectory {
	if offset == 0 {
		return nil
	}
	if p := r.annotationsDirectories[offset]; p != nil {
		return p
	}
	dex.Check(offset%4 == 0, "unaligned annotations_directory_item at 0x%x", offset)

	c := dex.NewCursor(r.image, offset)
	item := dex.AnnotationsDirectoryItem{
		ClassAnnotationsOff: c.U4(),
		FieldsSize:          c.U4(),
		MethodsSize:         c.U4(),
		ParametersSize:      c.U4(),
	}

	dir := r.dexIr.AllocAnnotationsDirectory()
	r.annotationsDirectories[offset] = dir
	dir.ClassAnnotation = r.extractAnnotationSet(item.ClassAnnotationsOff)

	for i := uint32(0); i < item.FieldsSize; i++ {
		fa := r.dexIr.AllocFieldAnnotation()
		fa.Field = r.getFieldDecl(c.U4())
		fa.Annotations = r.extractAnnotationSet(c.U4())
		dex.Check(fa.Annotations != nil, "missing field annotations")
		dir.FieldAnnotations = append(dir.FieldAnnotations, fa)
	}
	for i := uint32(0); i < item.MethodsSize; i++ {
		ma := r.dexIr.AllocMethodAnnotation()
		ma.Method = r.getMethodDecl(c.U4())
		ma.Annotations = r.extractAnnotationSet(c.U4())
		dex.Check(ma.Annotations != nil, "missing method annotations")
		dir.MethodAnnotations = append(dir.MethodAnnotations, ma)
	}
	for i := uint32(0); i < item.ParametersSize; i++ {
		pa := r.dexIr.AllocParamAnnotation()
		pa.Method = r.getMethodDecl(c.U4())
		pa.Annotations = r.extractAnnotationSetRefList(c.U4())
		dir.ParamAnnotations = append(dir.ParamAnnotations, pa)
	}
	return dir
}

func (r *Reader) extractAnnotationSet(offset uint32) *ir.AnnotationSet {
	if offset == 0 {
		return nil
	}
	if p := r.annotationSets[offset]; p != nil {
		return p
	}
	dex.Check(offset%4 == 0, "unaligned annotation_set_item at 0x%x", offset)

	set := r.dexIr.AllocAnnotationSet()
	r.annotationSets[offset] = set

	c := dex.NewCursor(r.image, offset)
	size := c.U4()
	for i := uint32(0); i < size; i++ {
		set.Annotations = append(set.Annotations, r.extractAnnotationItem(c.U4()))
	}
	return set
}

// extractAnnotationSetRefList keeps a nil entry for every parameter
// without annotations, so positions survive a round trip.
func (r *Reader) extractAnnotationSetRefList(offset uint32) *ir.AnnotationSetRefList {
	dex.Check(offset != 0 && offset%4 == 0, "bad annotation_set_ref_list offset 0x%x", offset)

	list := r.dexIr.AllocAnnotationSetRefList()
	c := dex.NewCursor(r.image, offset)
	size := c.U4()
	for i := uint32(0); i < size; i++ {
		list.Sets = append(list.Sets, r.extractAnnotationSet(c.U4()))
	}
	return list
}

func (r *Reader) extractAnnotationItem(offset uint32) *ir.Annotation {
	dex.Check(offset != 0, "null annotation_item")
	if p := r.annotations[offset]; p != nil {
		return p
	}

	c := dex.NewCursor(r.image, offset)
	visibility := c.U1()
	a := r.parseAnnotation(c)
	a.Visibility = visibility
	r.annotations[offset] = a
	return a
}

func (r *Reader) parseAnnotation(c *dex.Cursor) *ir.Annotation {
	a := r.dexIr.AllocAnnotation()
	a.Type = r.getType(c.ULEB128())
	a.Visibility = dex.VisibilityEncoded

	count := c.ULEB128()
	for i := uint32(0); i < count; i++ {
		e := r.dexIr.AllocAnnotationElement()
		e.Name = r.getString(c.ULEB128())
		e.Value = r.parseEncodedValue(c)
		a.Elements = append(a.Elements, e)
	}
	return a
}

func (r *Reader) extractEncodedArray(offset uint32) *ir.EncodedArray {
	if offset == 0 {
		return nil
	}
	if p := r.encodedArrays[offset]; p != nil {
		return p
	}
	arr := r.parseEncodedArray(dex.NewCursor(r.image, offset))
	r.encodedArrays[offset] = arr
	return arr
}

func (r *Reader) parseEncodedArray(c *dex.Cursor) *ir.EncodedArray {
	arr := r.dexIr.AllocEncodedArray()
	count := c.ULEB128()
	for i := uint32(0); i < count; i++ {
		arr.Values = append(arr.Values, r.parseEncodedValue(c))
	}
	return arr
}

// readIntValue reads size little-endian bytes, zero extended.
func readIntValue(c *dex.Cursor, size int) uint64 {
	dex.Check(size > 0 && size <= 8, "bad encoded value size %d", size)
	var v uint64
	for i, b := range c.Bytes(size) {
		v |= uint64(b) << (8 * i)
	}
	return v
}

func signExtend(v uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift
}

func (r *Reader) parseEncodedValue(c *dex.Cursor) *ir.EncodedValue {
	v := r.dexIr.AllocEncodedValue()

	header := c.U1()
	v.Type = header & dex.EncodedValueTypeMask
	arg := int(header >> dex.EncodedValueArgShift)
	size := arg + 1

	switch v.Type {
	case dex.EncodedByte:
		dex.Check(size == 1, "bad byte value size")
		v.Int = signExtend(readIntValue(c, size), size)
	case dex.EncodedShort, dex.EncodedInt, dex.EncodedLong:
		maxSize := map[uint8]int{dex.EncodedShort: 2, dex.EncodedInt: 4, dex.EncodedLong: 8}[v.Type]
		dex.Check(size <= maxSize, "bad integral value size %d", size)
		v.Int = signExtend(readIntValue(c, size), size)
	case dex.EncodedChar:
		dex.Check(size <= 2, "bad char value size %d", size)
		v.Int = int64(readIntValue(c, size))
	case dex.EncodedFloat:
		dex.Check(size <= 4, "bad float value size %d", size)
		// zero extended to the right
		v.Bits = readIntValue(c, size) << (8 * (4 - size))
	case dex.EncodedDouble:
		v.Bits = readIntValue(c, size) << (8 * (8 - size))
	case dex.EncodedString:
		v.String = r.getString(r.indexValue(c, size))
	case dex.EncodedType:
		v.TypeValue = r.getType(r.indexValue(c, size))
	case dex.EncodedField, dex.EncodedEnum:
		v.Field = r.getFieldDecl(r.indexValue(c, size))
	case dex.EncodedMethod:
		v.Method = r.getMethodDecl(r.indexValue(c, size))
	case dex.EncodedArray:
		dex.Check(arg == 0, "bad array value header")
		v.Array = r.parseEncodedArray(c)
	case dex.EncodedAnnotation:
		dex.Check(arg == 0, "bad annotation value header")
		v.Annotation = r.parseAnnotation(c)
	case dex.EncodedNull:
		dex.Check(arg == 0, "bad null value header")
	case dex.EncodedBoolean:
		dex.Check(arg < 2, "bad boolean value header")
		v.Bool = arg == 1
	default:
		dex.Check(false, "unsupported encoded value type 0x%02x", v.Type)
	}
	return v
}

func (r *Reader) indexValue(c *dex.Cursor, size int) uint32 {
	dex.Check(size <= 4, "bad index value size %d", size)
	return uint32(readIntValue(c, size))
}
