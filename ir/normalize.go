package ir

import (
	"sort"

	"slicer/dex"
)

// Normalize sorts the id tables into the order the dex format requires
// and assigns every indexed node its output Index. Files whose tables
// were already canonical keep their original order.
func (d *DexFile) Normalize() {
	sort.SliceStable(d.Strings, func(i, j int) bool {
		return dex.CompareMUTF8(d.Strings[i].Data, d.Strings[j].Data) < 0
	})
	for i, s := range d.Strings {
		if i > 0 {
			dex.Check(dex.CompareMUTF8(d.Strings[i-1].Data, s.Data) != 0, "duplicate string %q", s.String())
		}
		s.Index = uint32(i)
	}

	sort.SliceStable(d.Types, func(i, j int) bool {
		return d.Types[i].Descriptor.Index < d.Types[j].Descriptor.Index
	})
	for i, t := range d.Types {
		if i > 0 {
			dex.Check(d.Types[i-1].Descriptor != t.Descriptor, "duplicate type %s", t)
		}
		t.Index = uint32(i)
	}

	sort.SliceStable(d.Protos, func(i, j int) bool {
		return compareProtos(d.Protos[i], d.Protos[j]) < 0
	})
	for i, p := range d.Protos {
		p.Index = uint32(i)
	}

	sort.SliceStable(d.Fields, func(i, j int) bool {
		a, b := d.Fields[i], d.Fields[j]
		if a.Parent.Index != b.Parent.Index {
			return a.Parent.Index < b.Parent.Index
		}
		if a.Name.Index != b.Name.Index {
			return a.Name.Index < b.Name.Index
		}
		return a.Type.Index < b.Type.Index
	})
	for i, f := range d.Fields {
		f.Index = uint32(i)
	}

	sort.SliceStable(d.Methods, func(i, j int) bool {
		a, b := d.Methods[i], d.Methods[j]
		if a.Parent.Index != b.Parent.Index {
			return a.Parent.Index < b.Parent.Index
		}
		if a.Name.Index != b.Name.Index {
			return a.Name.Index < b.Name.Index
		}
		return a.Prototype.Index < b.Prototype.Index
	})
	for i, m := range d.Methods {
		m.Index = uint32(i)
	}

	d.sortClasses()
	for i, c := range d.Classes {
		c.Index = uint32(i)
		sortEncodedFields(c.StaticFields)
		sortEncodedFields(c.InstanceFields)
		sortEncodedMethods(c.DirectMethods)
		sortEncodedMethods(c.VirtualMethods)
	}

	for _, a := range d.Annotations {
		sort.SliceStable(a.Elements, func(i, j int) bool {
			return a.Elements[i].Name.Index < a.Elements[j].Name.Index
		})
	}
	for _, s := range d.AnnotationSets {
		sort.SliceStable(s.Annotations, func(i, j int) bool {
			return s.Annotations[i].Type.Index < s.Annotations[j].Type.Index
		})
	}
	for _, dir := range d.AnnotationsDirectories {
		sort.SliceStable(dir.FieldAnnotations, func(i, j int) bool {
			return dir.FieldAnnotations[i].Field.Index < dir.FieldAnnotations[j].Field.Index
		})
		sort.SliceStable(dir.MethodAnnotations, func(i, j int) bool {
			return dir.MethodAnnotations[i].Method.Index < dir.MethodAnnotations[j].Method.Index
		})
		sort.SliceStable(dir.ParamAnnotations, func(i, j int) bool {
			return dir.ParamAnnotations[i].Method.Index < dir.ParamAnnotations[j].Method.Index
		})
	}
}

func compareProtos(a, b *Proto) int {
	if a.ReturnType.Index != b.ReturnType.Index {
		if a.ReturnType.Index < b.ReturnType.Index {
			return -1
		}
		return 1
	}
	n, m := a.ParamTypes.Len(), b.ParamTypes.Len()
	for i := 0; i < n && i < m; i++ {
		x, y := a.ParamTypes.Types[i].Index, b.ParamTypes.Types[i].Index
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case n < m:
		return -1
	case n > m:
		return 1
	}
	return 0
}

func sortEncodedFields(fields []*EncodedField) {
	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].Decl.Index < fields[j].Decl.Index
	})
}

func sortEncodedMethods(methods []*EncodedMethod) {
	sort.SliceStable(methods, func(i, j int) bool {
		return methods[i].Decl.Index < methods[j].Decl.Index
	})
}

// sortClasses orders class definitions so that superclasses and
// implemented interfaces defined in this file come first. Otherwise
// the original order is kept, with new classes last.
func (d *DexFile) sortClasses() {
	ordered := append([]*Class(nil), d.Classes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrigIndex < ordered[j].OrigIndex
	})

	result := make([]*Class, 0, len(ordered))
	state := make(map[*Class]int, len(ordered))
	const (
		visiting = 1
		done     = 2
	)

	var visit func(c *Class)
	visit = func(c *Class) {
		switch state[c] {
		case done:
			return
		case visiting:
			dex.Check(false, "class hierarchy cycle at %s", c.Type)
		}
		state[c] = visiting
		if c.SuperClass != nil && c.SuperClass.ClassDef != nil {
			visit(c.SuperClass.ClassDef)
		}
		if c.Interfaces != nil {
			for _, t := range c.Interfaces.Types {
				if t.ClassDef != nil {
					visit(t.ClassDef)
				}
			}
		}
		state[c] = done
		result = append(result, c)
	}
	for _, c := range ordered {
		visit(c)
	}
	d.Classes = result
}
