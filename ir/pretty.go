package ir

import (
	"fmt"
	"strings"
)

// PrettyName formats a method as "int com.example.Foo.bar(int, java.lang.String)".
func (m *MethodDecl) PrettyName() string {
	var params []string
	if m.Prototype.ParamTypes != nil {
		for _, t := range m.Prototype.ParamTypes.Types {
			params = append(params, t.Decl())
		}
	}
	return fmt.Sprintf("%s %s.%s(%s)",
		m.Prototype.ReturnType.Decl(),
		m.Parent.Decl(),
		m.Name.String(),
		strings.Join(params, ", "))
}

// PrettyName formats a field as "java.lang.String com.example.Foo.name".
func (f *FieldDecl) PrettyName() string {
	return fmt.Sprintf("%s %s.%s", f.Type.Decl(), f.Parent.Decl(), f.Name.String())
}

func (m *MethodDecl) String() string {
	return MethodIdOf(m).String()
}

func (f *FieldDecl) String() string {
	return fmt.Sprintf("%s->%s:%s", f.Parent, f.Name, f.Type)
}
