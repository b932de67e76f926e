package ir

import "fmt"

// MethodId names a method by class descriptor, name and signature.
// An empty Signature matches any prototype; for hooks it means the
// signature is derived from the instrumented method.
type MethodId struct {
	ClassDescriptor string
	MethodName      string
	Signature       string
}

// Match reports whether decl is the method named by id.
func (id MethodId) Match(decl *MethodDecl) bool {
	return decl.Name.String() == id.MethodName &&
		decl.Parent.String() == id.ClassDescriptor &&
		(id.Signature == "" || id.Signature == decl.Prototype.Signature())
}

func (id MethodId) String() string {
	return fmt.Sprintf("%s->%s%s", id.ClassDescriptor, id.MethodName, id.Signature)
}

// MethodIdOf returns the fully specified id of decl.
func MethodIdOf(decl *MethodDecl) MethodId {
	return MethodId{
		ClassDescriptor: decl.Parent.String(),
		MethodName:      decl.Name.String(),
		Signature:       decl.Prototype.Signature(),
	}
}
