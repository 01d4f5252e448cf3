package types

import (
	"fmt"
	"strings"
)

// Kind is a fixed-width scalar type used when reading typed fields out of
// remote memory and when marshalling foreign call arguments.
type Kind string

const (
	KindVoid    Kind = "void"
	KindBool    Kind = "bool"
	KindI8      Kind = "i8"
	KindU8      Kind = "u8"
	KindI16     Kind = "i16"
	KindU16     Kind = "u16"
	KindI32     Kind = "i32"
	KindU32     Kind = "u32"
	KindI64     Kind = "i64"
	KindU64     Kind = "u64"
	KindF32     Kind = "f32"
	KindF64     Kind = "f64"
	KindPointer Kind = "ptr"
	KindString  Kind = "string"
)

var kindSizes = map[Kind]int{
	KindVoid:    0,
	KindBool:    1,
	KindI8:      1,
	KindU8:      1,
	KindI16:     2,
	KindU16:     2,
	KindI32:     4,
	KindU32:     4,
	KindI64:     8,
	KindU64:     8,
	KindF32:     4,
	KindF64:     8,
	KindPointer: 8,
	KindString:  8,
}

var kindAliases = map[string]Kind{
	"int8": KindI8, "uint8": KindU8, "byte": KindU8,
	"int16": KindI16, "uint16": KindU16,
	"int32": KindI32, "uint32": KindU32, "int": KindI32,
	"int64": KindI64, "uint64": KindU64,
	"float": KindF32, "float32": KindF32,
	"double": KindF64, "float64": KindF64,
	"pointer": KindPointer, "usize": KindPointer, "isize": KindI64,
	"str": KindString, "cstring": KindString,
}

// ParseKind accepts canonical kind names and the common C-style aliases.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	k := Kind(s)
	if _, ok := kindSizes[k]; ok {
		return k, nil
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown value kind %q", s)
}

// Size returns the in-memory width in bytes. Strings are stored as pointers.
func (k Kind) Size() int {
	return kindSizes[k]
}

// IsFloat reports whether the kind is a floating point type
func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

// IsSigned reports whether the kind is a signed integer type
func (k Kind) IsSigned() bool {
	switch k {
	case KindI8, KindI16, KindI32, KindI64:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
