// Package dex describes the on-disk layout of .dex files: the header,
// the id tables, code items and the constants shared by the reader and
// the writer.
package dex

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// NoIndex marks an absent table index (superclass of
	// java.lang.Object, missing source file, class not found...).
	NoIndex uint32 = 0xffffffff

	EndianConstant        uint32 = 0x12345678
	ReverseEndianConstant uint32 = 0x78563412

	// HeaderSize is the size of the fixed dex header.
	HeaderSize = 0x70

	// Adler-32 covers everything after the checksum field, SHA-1
	// everything after the signature field.
	ChecksumOffset  = 8
	SignatureOffset = 12
	ChecksumStart   = 12
	SignatureStart  = 32
)

// DefaultMagic is the magic written for builder-created files.
var DefaultMagic = [8]byte{'d', 'e', 'x', '\n', '0', '3', '5', 0}

// Header mirrors header_item. Field order matches the file layout so
// it can be filled with binary.Read.
type Header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIdsSize uint32
	StringIdsOff  uint32
	TypeIdsSize   uint32
	TypeIdsOff    uint32
	ProtoIdsSize  uint32
	ProtoIdsOff   uint32
	FieldIdsSize  uint32
	FieldIdsOff   uint32
	MethodIdsSize uint32
	MethodIdsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// ParseHeader decodes the header at the start of image and checks the
// magic bytes.
func ParseHeader(image []byte) (*Header, error) {
	if len(image) < int(unsafe.Sizeof(Header{})) {
		return nil, errors.Errorf("dex file too small (%d bytes)", len(image))
	}

	var h Header
	if err := binary.Read(bytes.NewReader(image), binary.LittleEndian, &h); err != nil {
		return nil, errors.Wrap(err, "failed to parse dex header")
	}
	if !IsValidMagic(h.Magic) {
		return nil, errors.Errorf("invalid dex magic: %q", h.Magic[:])
	}
	return &h, nil
}

// Encode serializes the header into its 0x70 byte form.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// binary.Write only fails on unsupported types
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// IsValidMagic accepts "dex\n0NN\0" for any NN.
func IsValidMagic(magic [8]byte) bool {
	if magic[0] != 'd' || magic[1] != 'e' || magic[2] != 'x' || magic[3] != '\n' || magic[7] != 0 {
		return false
	}
	for _, c := range magic[4:7] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type StringId struct {
	StringDataOff uint32
}

type TypeId struct {
	DescriptorIdx uint32
}

type ProtoId struct {
	ShortyIdx     uint32
	ReturnTypeIdx uint32
	ParametersOff uint32
}

type FieldId struct {
	ClassIdx uint16
	TypeIdx  uint16
	NameIdx  uint32
}

type MethodId struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

type ClassDef struct {
	ClassIdx        uint32
	AccessFlags     uint32
	SuperclassIdx   uint32
	InterfacesOff   uint32
	SourceFileIdx   uint32
	AnnotationsOff  uint32
	ClassDataOff    uint32
	StaticValuesOff uint32
}

type MapItem struct {
	Type   uint16
	Unused uint16
	Size   uint32
	Offset uint32
}

// CodeHeader is the fixed part of code_item; the instructions follow.
type CodeHeader struct {
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	TriesSize     uint16
	DebugInfoOff  uint32
	InsnsSize     uint32
}

type TryBlock struct {
	StartAddr  uint32
	InsnCount  uint16
	HandlerOff uint16
}

type AnnotationsDirectoryItem struct {
	ClassAnnotationsOff uint32
	FieldsSize          uint32
	MethodsSize         uint32
	ParametersSize      uint32
}

// On-disk sizes of the fixed-width items.
const (
	StringIdSize             = 4
	TypeIdSize               = 4
	ProtoIdSize              = 12
	FieldIdSize              = 8
	MethodIdSize             = 8
	ClassDefSize             = 32
	MapItemSize              = 12
	CodeHeaderSize           = 16
	TryBlockSize             = 8
	AnnotationsDirectorySize = 16
	// field_annotation, method_annotation and parameter_annotation
	AnnotationEntrySize = 8
)

// map_list item types.
const (
	MapHeaderItem               uint16 = 0x0000
	MapStringIdItem             uint16 = 0x0001
	MapTypeIdItem               uint16 = 0x0002
	MapProtoIdItem              uint16 = 0x0003
	MapFieldIdItem              uint16 = 0x0004
	MapMethodIdItem             uint16 = 0x0005
	MapClassDefItem             uint16 = 0x0006
	MapCallSiteIdItem           uint16 = 0x0007
	MapMethodHandleItem         uint16 = 0x0008
	MapMapList                  uint16 = 0x1000
	MapTypeList                 uint16 = 0x1001
	MapAnnotationSetRefList     uint16 = 0x1002
	MapAnnotationSetItem        uint16 = 0x1003
	MapClassDataItem            uint16 = 0x2000
	MapCodeItem                 uint16 = 0x2001
	MapStringDataItem           uint16 = 0x2002
	MapDebugInfoItem            uint16 = 0x2003
	MapAnnotationItem           uint16 = 0x2004
	MapEncodedArrayItem         uint16 = 0x2005
	MapAnnotationsDirectoryItem uint16 = 0x2006
	MapHiddenapiClassDataItem   uint16 = 0xF000
)

// Access flags.
const (
	AccPublic               uint32 = 0x1
	AccPrivate              uint32 = 0x2
	AccProtected            uint32 = 0x4
	AccStatic               uint32 = 0x8
	AccFinal                uint32 = 0x10
	AccSynchronized         uint32 = 0x20
	AccVolatile             uint32 = 0x40
	AccBridge               uint32 = 0x40
	AccTransient            uint32 = 0x80
	AccVarargs              uint32 = 0x80
	AccNative               uint32 = 0x100
	AccInterface            uint32 = 0x200
	AccAbstract             uint32 = 0x400
	AccStrict               uint32 = 0x800
	AccSynthetic            uint32 = 0x1000
	AccAnnotation           uint32 = 0x2000
	AccEnum                 uint32 = 0x4000
	AccConstructor          uint32 = 0x10000
	AccDeclaredSynchronized uint32 = 0x20000
)

// Encoded value types (low 5 bits of the value header).
const (
	EncodedByte         uint8 = 0x00
	EncodedShort        uint8 = 0x02
	EncodedChar         uint8 = 0x03
	EncodedInt          uint8 = 0x04
	EncodedLong         uint8 = 0x06
	EncodedFloat        uint8 = 0x10
	EncodedDouble       uint8 = 0x11
	EncodedMethodType   uint8 = 0x15
	EncodedMethodHandle uint8 = 0x16
	EncodedString       uint8 = 0x17
	EncodedType         uint8 = 0x18
	EncodedField        uint8 = 0x19
	EncodedMethod       uint8 = 0x1a
	EncodedEnum         uint8 = 0x1b
	EncodedArray        uint8 = 0x1c
	EncodedAnnotation   uint8 = 0x1d
	EncodedNull         uint8 = 0x1e
	EncodedBoolean      uint8 = 0x1f

	EncodedValueTypeMask = 0x1f
	EncodedValueArgShift = 5
)

// Annotation visibility. VisibilityEncoded marks annotations nested in
// encoded values, which carry no visibility byte.
const (
	VisibilityBuild   uint8 = 0x00
	VisibilityRuntime uint8 = 0x01
	VisibilitySystem  uint8 = 0x02
	VisibilityEncoded uint8 = 0xff
)

// Debug info opcodes.
const (
	DbgEndSequence        uint8 = 0x00
	DbgAdvancePc          uint8 = 0x01
	DbgAdvanceLine        uint8 = 0x02
	DbgStartLocal         uint8 = 0x03
	DbgStartLocalExtended uint8 = 0x04
	DbgEndLocal           uint8 = 0x05
	DbgRestartLocal       uint8 = 0x06
	DbgSetPrologueEnd     uint8 = 0x07
	DbgSetEpilogueBegin   uint8 = 0x08
	DbgSetFile            uint8 = 0x09
	DbgFirstSpecial       uint8 = 0x0a

	DbgLineBase  = -4
	DbgLineRange = 15
)

// Payload identifiers found in place of an opcode unit.
const (
	PackedSwitchSignature uint16 = 0x0100
	SparseSwitchSignature uint16 = 0x0200
	ArrayDataSignature    uint16 = 0x0300
)
