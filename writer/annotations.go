package writer

import (
	"slicer/dex"
	"slicer/ir"
)

// annotationSets lists the annotation sets reachable from class
// annotation directories, in class order.
func (w *imageWriter) annotationSets() []*ir.AnnotationSet {
	var sets []*ir.AnnotationSet
	add := func(s *ir.AnnotationSet) {
		if s != nil {
			sets = append(sets, s)
		}
	}
	for _, c := range w.d.Classes {
		dir := c.Annotations
		if dir == nil {
			continue
		}
		add(dir.ClassAnnotation)
		for _, fa := range dir.FieldAnnotations {
			add(fa.Annotations)
		}
		for _, ma := range dir.MethodAnnotations {
			add(ma.Annotations)
		}
		for _, pa := range dir.ParamAnnotations {
			if pa.Annotations == nil {
				continue
			}
			for _, s := range pa.Annotations.Sets {
				add(s)
			}
		}
	}
	return sets
}

func (w *imageWriter) writeAnnotations() {
	sets := w.annotationSets()

	w.beginSection(dex.MapAnnotationItem)
	for _, s := range sets {
		for _, a := range s.Annotations {
			if _, ok := w.annotationOffs[a]; ok {
				continue
			}
			w.annotationOffs[a] = w.item(1)
			w.data = append(w.data, a.Visibility)
			w.writeEncodedAnnotation(a)
		}
	}
	w.endSection()

	w.beginSection(dex.MapAnnotationSetItem)
	for _, s := range sets {
		if _, ok := w.annotationSetOffs[s]; ok {
			continue
		}
		w.annotationSetOffs[s] = w.item(4)
		w.u4(uint32(len(s.Annotations)))
		for _, a := range s.Annotations {
			w.u4(w.annotationOffs[a])
		}
	}
	w.endSection()

	w.beginSection(dex.MapAnnotationSetRefList)
	for _, c := range w.d.Classes {
		if c.Annotations == nil {
			continue
		}
		for _, pa := range c.Annotations.ParamAnnotations {
			list := pa.Annotations
			if list == nil {
				continue
			}
			if _, ok := w.refListOffs[list]; ok {
				continue
			}
			w.refListOffs[list] = w.item(4)
			w.u4(uint32(len(list.Sets)))
			for _, s := range list.Sets {
				w.u4(w.annotationSetOffs[s])
			}
		}
	}
	w.endSection()

	w.beginSection(dex.MapAnnotationsDirectoryItem)
	for _, c := range w.d.Classes {
		dir := c.Annotations
		if dir == nil {
			continue
		}
		if _, ok := w.directoryOffs[dir]; ok {
			continue
		}
		w.directoryOffs[dir] = w.item(4)
		w.u4(w.annotationSetOffs[dir.ClassAnnotation])
		w.u4(uint32(len(dir.FieldAnnotations)))
		w.u4(uint32(len(dir.MethodAnnotations)))
		w.u4(uint32(len(dir.ParamAnnotations)))
		for _, fa := range dir.FieldAnnotations {
			w.u4(fa.Field.Index)
			w.u4(w.annotationSetOffs[fa.Annotations])
		}
		for _, ma := range dir.MethodAnnotations {
			w.u4(ma.Method.Index)
			w.u4(w.annotationSetOffs[ma.Annotations])
		}
		for _, pa := range dir.ParamAnnotations {
			w.u4(pa.Method.Index)
			w.u4(w.refListOffs[pa.Annotations])
		}
	}
	w.endSection()
}

func (w *imageWriter) writeEncodedArrays() {
	w.beginSection(dex.MapEncodedArrayItem)
	for _, c := range w.d.Classes {
		arr := c.StaticInit
		if arr == nil {
			continue
		}
		if _, ok := w.encodedArrayOffs[arr]; ok {
			continue
		}
		w.encodedArrayOffs[arr] = w.item(1)
		w.writeEncodedArray(arr)
	}
	w.endSection()
}

func (w *imageWriter) writeClassData() {
	w.beginSection(dex.MapClassDataItem)
	for _, c := range w.d.Classes {
		if len(c.StaticFields)+len(c.InstanceFields)+len(c.DirectMethods)+len(c.VirtualMethods) == 0 {
			continue
		}
		w.classDataOffs[c] = w.item(1)
		w.uleb(uint32(len(c.StaticFields)))
		w.uleb(uint32(len(c.InstanceFields)))
		w.uleb(uint32(len(c.DirectMethods)))
		w.uleb(uint32(len(c.VirtualMethods)))
		w.writeEncodedFields(c.StaticFields)
		w.writeEncodedFields(c.InstanceFields)
		w.writeEncodedMethods(c.DirectMethods)
		w.writeEncodedMethods(c.VirtualMethods)
	}
	w.endSection()
}

func (w *imageWriter) writeEncodedFields(fields []*ir.EncodedField) {
	prev := uint32(0)
	for i, f := range fields {
		index := f.Decl.Index
		dex.Check(i == 0 || index > prev, "unsorted or duplicate field %s", f.Decl)
		w.uleb(index - prev)
		w.uleb(f.AccessFlags)
		prev = index
	}
}

func (w *imageWriter) writeEncodedMethods(methods []*ir.EncodedMethod) {
	prev := uint32(0)
	for i, m := range methods {
		index := m.Decl.Index
		dex.Check(i == 0 || index > prev, "unsorted or duplicate method %s", m.Decl)
		w.uleb(index - prev)
		w.uleb(m.AccessFlags)
		w.uleb(w.codeOffs[m.Code])
		prev = index
	}
}

func (w *imageWriter) writeEncodedArray(arr *ir.EncodedArray) {
	w.uleb(uint32(len(arr.Values)))
	for _, v := range arr.Values {
		w.writeEncodedValue(v)
	}
}

func (w *imageWriter) writeEncodedAnnotation(a *ir.Annotation) {
	w.uleb(a.Type.Index)
	w.uleb(uint32(len(a.Elements)))
	for _, e := range a.Elements {
		w.uleb(e.Name.Index)
		w.writeEncodedValue(e.Value)
	}
}

// signedSize is the smallest byte count that sign extends back to v.
func signedSize(v int64) int {
	for n := 1; n < 8; n++ {
		shift := uint(64 - 8*n)
		if (v<<shift)>>shift == v {
			return n
		}
	}
	return 8
}

func unsignedSize(v uint64) int {
	n := 1
	for v > 0xff {
		v >>= 8
		n++
	}
	return n
}

// valueBytes appends the low n bytes of v.
func (w *imageWriter) valueBytes(typ uint8, v uint64, n int) {
	w.data = append(w.data, typ|uint8(n-1)<<dex.EncodedValueArgShift)
	for i := 0; i < n; i++ {
		w.data = append(w.data, uint8(v>>(8*i)))
	}
}

// floatBytes writes the significant high bytes of an IEEE value of
// width bytes, dropping zero bytes on the right.
func (w *imageWriter) floatBytes(typ uint8, bits uint64, width int) {
	n := width
	for n > 1 && (bits>>(8*(width-n)))&0xff == 0 {
		n--
	}
	w.valueBytes(typ, bits>>(8*(width-n)), n)
}

func (w *imageWriter) writeEncodedValue(v *ir.EncodedValue) {
	switch v.Type {
	case dex.EncodedByte:
		w.valueBytes(v.Type, uint64(v.Int), 1)
	case dex.EncodedShort, dex.EncodedInt, dex.EncodedLong:
		w.valueBytes(v.Type, uint64(v.Int), signedSize(v.Int))
	case dex.EncodedChar:
		w.valueBytes(v.Type, uint64(v.Int), unsignedSize(uint64(v.Int)))
	case dex.EncodedFloat:
		w.floatBytes(v.Type, v.Bits, 4)
	case dex.EncodedDouble:
		w.floatBytes(v.Type, v.Bits, 8)
	case dex.EncodedString:
		w.valueBytes(v.Type, uint64(v.String.Index), unsignedSize(uint64(v.String.Index)))
	case dex.EncodedType:
		w.valueBytes(v.Type, uint64(v.TypeValue.Index), unsignedSize(uint64(v.TypeValue.Index)))
	case dex.EncodedField, dex.EncodedEnum:
		w.valueBytes(v.Type, uint64(v.Field.Index), unsignedSize(uint64(v.Field.Index)))
	case dex.EncodedMethod:
		w.valueBytes(v.Type, uint64(v.Method.Index), unsignedSize(uint64(v.Method.Index)))
	case dex.EncodedArray:
		w.data = append(w.data, v.Type)
		w.writeEncodedArray(v.Array)
	case dex.EncodedAnnotation:
		w.data = append(w.data, v.Type)
		w.writeEncodedAnnotation(v.Annotation)
	case dex.EncodedNull:
		w.data = append(w.data, v.Type)
	case dex.EncodedBoolean:
		var arg uint8
		if v.Bool {
			arg = 1
		}
		w.data = append(w.data, v.Type|arg<<dex.EncodedValueArgShift)
	default:
		dex.Check(false, "unsupported encoded value type 0x%02x", v.Type)
	}
}
