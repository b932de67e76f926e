package dex

import "strings"

// DescriptorToShorty maps a type descriptor to its shorty character.
func DescriptorToShorty(descriptor string) byte {
	Check(len(descriptor) > 0, "empty type descriptor")
	switch descriptor[0] {
	case '[', 'L':
		return 'L'
	}
	return descriptor[0]
}

// IsWideDescriptor reports whether values of the type take a register pair.
func IsWideDescriptor(descriptor string) bool {
	return descriptor == "J" || descriptor == "D"
}

func IsReferenceDescriptor(descriptor string) bool {
	return len(descriptor) > 0 && (descriptor[0] == 'L' || descriptor[0] == '[')
}

func IsPrimitiveDescriptor(descriptor string) bool {
	return len(descriptor) == 1 && descriptor != "V"
}

// DescriptorToDecl formats a type descriptor the way it appears in
// Java source: "I" -> "int", "[Ljava/lang/String;" -> "java.lang.String[]".
func DescriptorToDecl(descriptor string) string {
	switch descriptor {
	case "V":
		return "void"
	case "Z":
		return "boolean"
	case "B":
		return "byte"
	case "S":
		return "short"
	case "C":
		return "char"
	case "I":
		return "int"
	case "J":
		return "long"
	case "F":
		return "float"
	case "D":
		return "double"
	}

	if len(descriptor) > 0 && descriptor[0] == '[' {
		return DescriptorToDecl(descriptor[1:]) + "[]"
	}

	if len(descriptor) > 1 && descriptor[0] == 'L' && descriptor[len(descriptor)-1] == ';' {
		return strings.ReplaceAll(descriptor[1:len(descriptor)-1], "/", ".")
	}

	return descriptor
}

// ParseSignature splits a method signature "(IJLjava/lang/String;)V"
// into its parameter and return descriptors.
func ParseSignature(signature string) (params []string, ret string, ok bool) {
	if len(signature) < 3 || signature[0] != '(' {
		return nil, "", false
	}
	i := 1
	for i < len(signature) && signature[i] != ')' {
		n := descriptorLen(signature[i:])
		if n == 0 || signature[i] == 'V' {
			return nil, "", false
		}
		params = append(params, signature[i:i+n])
		i += n
	}
	if i >= len(signature) {
		return nil, "", false
	}
	ret = signature[i+1:]
	if ret == "" || descriptorLen(ret) != len(ret) {
		return nil, "", false
	}
	return params, ret, true
}

// descriptorLen returns the length of the descriptor at the start of s,
// or 0 if s does not start with one.
func descriptorLen(s string) int {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0
	}
	switch s[i] {
	case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D':
		return i + 1
	case 'V':
		if i > 0 {
			return 0
		}
		return 1
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return 0
		}
		return i + end + 1
	}
	return 0
}

// FormatSignature is the inverse of ParseSignature.
func FormatSignature(params []string, ret string) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range params {
		sb.WriteString(p)
	}
	sb.WriteByte(')')
	sb.WriteString(ret)
	return sb.String()
}
