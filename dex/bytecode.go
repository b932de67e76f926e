package dex

import "fmt"

// Opcode is the low byte of the first code unit of an instruction.
type Opcode uint8

// InstructionFormat names the encoding of an instruction, using the
// usual dalvik format ids (number of units, number of registers, kind).
type InstructionFormat uint8

const (
	FmtUnknown InstructionFormat = iota
	Fmt10x
	Fmt12x
	Fmt11n
	Fmt11x
	Fmt10t
	Fmt20t
	Fmt20bc
	Fmt22x
	Fmt21t
	Fmt21s
	Fmt21h
	Fmt21c
	Fmt23x
	Fmt22b
	Fmt22t
	Fmt22s
	Fmt22c
	Fmt22cs
	Fmt30t
	Fmt32x
	Fmt31i
	Fmt31t
	Fmt31c
	Fmt35c
	Fmt35ms
	Fmt35mi
	Fmt3rc
	Fmt3rms
	Fmt3rmi
	Fmt45cc
	Fmt4rcc
	Fmt51l
)

// InstructionIndexType is the kind of pool index an instruction carries.
type InstructionIndexType uint8

const (
	IndexNone InstructionIndexType = iota
	IndexString
	IndexType
	IndexField
	IndexMethod
	IndexMethodAndProto
	IndexCallSite
	IndexMethodHandle
	IndexProto
)

// OpcodeFlags describe control flow out of an instruction.
type OpcodeFlags uint8

const (
	CanBranch OpcodeFlags = 1 << iota
	CanContinue
	CanSwitch
	CanThrow
	CanReturn
	Invoke
)

type opcodeInfo struct {
	name      string
	format    InstructionFormat
	indexType InstructionIndexType
	flags     OpcodeFlags
}

const (
	OpNop                    Opcode = 0x00
	OpMove                   Opcode = 0x01
	OpMoveFrom16             Opcode = 0x02
	OpMove16                 Opcode = 0x03
	OpMoveWide               Opcode = 0x04
	OpMoveWideFrom16         Opcode = 0x05
	OpMoveWide16             Opcode = 0x06
	OpMoveObject             Opcode = 0x07
	OpMoveObjectFrom16       Opcode = 0x08
	OpMoveObject16           Opcode = 0x09
	OpMoveResult             Opcode = 0x0a
	OpMoveResultWide         Opcode = 0x0b
	OpMoveResultObject       Opcode = 0x0c
	OpMoveException          Opcode = 0x0d
	OpReturnVoid             Opcode = 0x0e
	OpReturn                 Opcode = 0x0f
	OpReturnWide             Opcode = 0x10
	OpReturnObject           Opcode = 0x11
	OpConst4                 Opcode = 0x12
	OpConst16                Opcode = 0x13
	OpConst                  Opcode = 0x14
	OpConstHigh16            Opcode = 0x15
	OpConstWide16            Opcode = 0x16
	OpConstWide32            Opcode = 0x17
	OpConstWide              Opcode = 0x18
	OpConstWideHigh16        Opcode = 0x19
	OpConstString            Opcode = 0x1a
	OpConstStringJumbo       Opcode = 0x1b
	OpConstClass             Opcode = 0x1c
	OpMonitorEnter           Opcode = 0x1d
	OpMonitorExit            Opcode = 0x1e
	OpCheckCast              Opcode = 0x1f
	OpInstanceOf             Opcode = 0x20
	OpArrayLength            Opcode = 0x21
	OpNewInstance            Opcode = 0x22
	OpNewArray               Opcode = 0x23
	OpFilledNewArray         Opcode = 0x24
	OpFilledNewArrayRange    Opcode = 0x25
	OpFillArrayData          Opcode = 0x26
	OpThrow                  Opcode = 0x27
	OpGoto                   Opcode = 0x28
	OpGoto16                 Opcode = 0x29
	OpGoto32                 Opcode = 0x2a
	OpPackedSwitch           Opcode = 0x2b
	OpSparseSwitch           Opcode = 0x2c
	OpCmplFloat              Opcode = 0x2d
	OpCmpgFloat              Opcode = 0x2e
	OpCmplDouble             Opcode = 0x2f
	OpCmpgDouble             Opcode = 0x30
	OpCmpLong                Opcode = 0x31
	OpIfEq                   Opcode = 0x32
	OpIfNe                   Opcode = 0x33
	OpIfLt                   Opcode = 0x34
	OpIfGe                   Opcode = 0x35
	OpIfGt                   Opcode = 0x36
	OpIfLe                   Opcode = 0x37
	OpIfEqz                  Opcode = 0x38
	OpIfNez                  Opcode = 0x39
	OpIfLtz                  Opcode = 0x3a
	OpIfGez                  Opcode = 0x3b
	OpIfGtz                  Opcode = 0x3c
	OpIfLez                  Opcode = 0x3d
	OpAget                   Opcode = 0x44
	OpAgetWide               Opcode = 0x45
	OpAgetObject             Opcode = 0x46
	OpAgetBoolean            Opcode = 0x47
	OpAgetByte               Opcode = 0x48
	OpAgetChar               Opcode = 0x49
	OpAgetShort              Opcode = 0x4a
	OpAput                   Opcode = 0x4b
	OpAputWide               Opcode = 0x4c
	OpAputObject             Opcode = 0x4d
	OpAputBoolean            Opcode = 0x4e
	OpAputByte               Opcode = 0x4f
	OpAputChar               Opcode = 0x50
	OpAputShort              Opcode = 0x51
	OpIget                   Opcode = 0x52
	OpIgetWide               Opcode = 0x53
	OpIgetObject             Opcode = 0x54
	OpIgetBoolean            Opcode = 0x55
	OpIgetByte               Opcode = 0x56
	OpIgetChar               Opcode = 0x57
	OpIgetShort              Opcode = 0x58
	OpIput                   Opcode = 0x59
	OpIputWide               Opcode = 0x5a
	OpIputObject             Opcode = 0x5b
	OpIputBoolean            Opcode = 0x5c
	OpIputByte               Opcode = 0x5d
	OpIputChar               Opcode = 0x5e
	OpIputShort              Opcode = 0x5f
	OpSget                   Opcode = 0x60
	OpSgetWide               Opcode = 0x61
	OpSgetObject             Opcode = 0x62
	OpSgetBoolean            Opcode = 0x63
	OpSgetByte               Opcode = 0x64
	OpSgetChar               Opcode = 0x65
	OpSgetShort              Opcode = 0x66
	OpSput                   Opcode = 0x67
	OpSputWide               Opcode = 0x68
	OpSputObject             Opcode = 0x69
	OpSputBoolean            Opcode = 0x6a
	OpSputByte               Opcode = 0x6b
	OpSputChar               Opcode = 0x6c
	OpSputShort              Opcode = 0x6d
	OpInvokeVirtual          Opcode = 0x6e
	OpInvokeSuper            Opcode = 0x6f
	OpInvokeDirect           Opcode = 0x70
	OpInvokeStatic           Opcode = 0x71
	OpInvokeInterface        Opcode = 0x72
	OpInvokeVirtualRange     Opcode = 0x74
	OpInvokeSuperRange       Opcode = 0x75
	OpInvokeDirectRange      Opcode = 0x76
	OpInvokeStaticRange      Opcode = 0x77
	OpInvokeInterfaceRange   Opcode = 0x78
	OpNegInt                 Opcode = 0x7b
	OpNotInt                 Opcode = 0x7c
	OpNegLong                Opcode = 0x7d
	OpNotLong                Opcode = 0x7e
	OpNegFloat               Opcode = 0x7f
	OpNegDouble              Opcode = 0x80
	OpIntToLong              Opcode = 0x81
	OpIntToFloat             Opcode = 0x82
	OpIntToDouble            Opcode = 0x83
	OpLongToInt              Opcode = 0x84
	OpLongToFloat            Opcode = 0x85
	OpLongToDouble           Opcode = 0x86
	OpFloatToInt             Opcode = 0x87
	OpFloatToLong            Opcode = 0x88
	OpFloatToDouble          Opcode = 0x89
	OpDoubleToInt            Opcode = 0x8a
	OpDoubleToLong           Opcode = 0x8b
	OpDoubleToFloat          Opcode = 0x8c
	OpIntToByte              Opcode = 0x8d
	OpIntToChar              Opcode = 0x8e
	OpIntToShort             Opcode = 0x8f
	OpAddInt                 Opcode = 0x90
	OpSubInt                 Opcode = 0x91
	OpMulInt                 Opcode = 0x92
	OpDivInt                 Opcode = 0x93
	OpRemInt                 Opcode = 0x94
	OpAndInt                 Opcode = 0x95
	OpOrInt                  Opcode = 0x96
	OpXorInt                 Opcode = 0x97
	OpShlInt                 Opcode = 0x98
	OpShrInt                 Opcode = 0x99
	OpUshrInt                Opcode = 0x9a
	OpAddLong                Opcode = 0x9b
	OpSubLong                Opcode = 0x9c
	OpMulLong                Opcode = 0x9d
	OpDivLong                Opcode = 0x9e
	OpRemLong                Opcode = 0x9f
	OpAndLong                Opcode = 0xa0
	OpOrLong                 Opcode = 0xa1
	OpXorLong                Opcode = 0xa2
	OpShlLong                Opcode = 0xa3
	OpShrLong                Opcode = 0xa4
	OpUshrLong               Opcode = 0xa5
	OpAddFloat               Opcode = 0xa6
	OpSubFloat               Opcode = 0xa7
	OpMulFloat               Opcode = 0xa8
	OpDivFloat               Opcode = 0xa9
	OpRemFloat               Opcode = 0xaa
	OpAddDouble              Opcode = 0xab
	OpSubDouble              Opcode = 0xac
	OpMulDouble              Opcode = 0xad
	OpDivDouble              Opcode = 0xae
	OpRemDouble              Opcode = 0xaf
	OpAddInt2addr            Opcode = 0xb0
	OpSubInt2addr            Opcode = 0xb1
	OpMulInt2addr            Opcode = 0xb2
	OpDivInt2addr            Opcode = 0xb3
	OpRemInt2addr            Opcode = 0xb4
	OpAndInt2addr            Opcode = 0xb5
	OpOrInt2addr             Opcode = 0xb6
	OpXorInt2addr            Opcode = 0xb7
	OpShlInt2addr            Opcode = 0xb8
	OpShrInt2addr            Opcode = 0xb9
	OpUshrInt2addr           Opcode = 0xba
	OpAddLong2addr           Opcode = 0xbb
	OpSubLong2addr           Opcode = 0xbc
	OpMulLong2addr           Opcode = 0xbd
	OpDivLong2addr           Opcode = 0xbe
	OpRemLong2addr           Opcode = 0xbf
	OpAndLong2addr           Opcode = 0xc0
	OpOrLong2addr            Opcode = 0xc1
	OpXorLong2addr           Opcode = 0xc2
	OpShlLong2addr           Opcode = 0xc3
	OpShrLong2addr           Opcode = 0xc4
	OpUshrLong2addr          Opcode = 0xc5
	OpAddFloat2addr          Opcode = 0xc6
	OpSubFloat2addr          Opcode = 0xc7
	OpMulFloat2addr          Opcode = 0xc8
	OpDivFloat2addr          Opcode = 0xc9
	OpRemFloat2addr          Opcode = 0xca
	OpAddDouble2addr         Opcode = 0xcb
	OpSubDouble2addr         Opcode = 0xcc
	OpMulDouble2addr         Opcode = 0xcd
	OpDivDouble2addr         Opcode = 0xce
	OpRemDouble2addr         Opcode = 0xcf
	OpAddIntLit16            Opcode = 0xd0
	OpRsubInt                Opcode = 0xd1
	OpMulIntLit16            Opcode = 0xd2
	OpDivIntLit16            Opcode = 0xd3
	OpRemIntLit16            Opcode = 0xd4
	OpAndIntLit16            Opcode = 0xd5
	OpOrIntLit16             Opcode = 0xd6
	OpXorIntLit16            Opcode = 0xd7
	OpAddIntLit8             Opcode = 0xd8
	OpRsubIntLit8            Opcode = 0xd9
	OpMulIntLit8             Opcode = 0xda
	OpDivIntLit8             Opcode = 0xdb
	OpRemIntLit8             Opcode = 0xdc
	OpAndIntLit8             Opcode = 0xdd
	OpOrIntLit8              Opcode = 0xde
	OpXorIntLit8             Opcode = 0xdf
	OpShlIntLit8             Opcode = 0xe0
	OpShrIntLit8             Opcode = 0xe1
	OpUshrIntLit8            Opcode = 0xe2
	OpInvokePolymorphic      Opcode = 0xfa
	OpInvokePolymorphicRange Opcode = 0xfb
	OpInvokeCustom           Opcode = 0xfc
	OpInvokeCustomRange      Opcode = 0xfd
	OpConstMethodHandle      Opcode = 0xfe
	OpConstMethodType        Opcode = 0xff
)

var opcodeTable = [256]opcodeInfo{
	OpNop:                     {"nop", Fmt10x, IndexNone, CanContinue},
	OpMove:                    {"move", Fmt12x, IndexNone, CanContinue},
	OpMoveFrom16:              {"move/from16", Fmt22x, IndexNone, CanContinue},
	OpMove16:                  {"move/16", Fmt32x, IndexNone, CanContinue},
	OpMoveWide:                {"move-wide", Fmt12x, IndexNone, CanContinue},
	OpMoveWideFrom16:          {"move-wide/from16", Fmt22x, IndexNone, CanContinue},
	OpMoveWide16:              {"move-wide/16", Fmt32x, IndexNone, CanContinue},
	OpMoveObject:              {"move-object", Fmt12x, IndexNone, CanContinue},
	OpMoveObjectFrom16:        {"move-object/from16", Fmt22x, IndexNone, CanContinue},
	OpMoveObject16:            {"move-object/16", Fmt32x, IndexNone, CanContinue},
	OpMoveResult:              {"move-result", Fmt11x, IndexNone, CanContinue},
	OpMoveResultWide:          {"move-result-wide", Fmt11x, IndexNone, CanContinue},
	OpMoveResultObject:        {"move-result-object", Fmt11x, IndexNone, CanContinue},
	OpMoveException:           {"move-exception", Fmt11x, IndexNone, CanContinue},
	OpReturnVoid:              {"return-void", Fmt10x, IndexNone, CanReturn},
	OpReturn:                  {"return", Fmt11x, IndexNone, CanReturn},
	OpReturnWide:              {"return-wide", Fmt11x, IndexNone, CanReturn},
	OpReturnObject:            {"return-object", Fmt11x, IndexNone, CanReturn},
	OpConst4:                  {"const/4", Fmt11n, IndexNone, CanContinue},
	OpConst16:                 {"const/16", Fmt21s, IndexNone, CanContinue},
	OpConst:                   {"const", Fmt31i, IndexNone, CanContinue},
	OpConstHigh16:             {"const/high16", Fmt21h, IndexNone, CanContinue},
	OpConstWide16:             {"const-wide/16", Fmt21s, IndexNone, CanContinue},
	OpConstWide32:             {"const-wide/32", Fmt31i, IndexNone, CanContinue},
	OpConstWide:               {"const-wide", Fmt51l, IndexNone, CanContinue},
	OpConstWideHigh16:         {"const-wide/high16", Fmt21h, IndexNone, CanContinue},
	OpConstString:             {"const-string", Fmt21c, IndexString, CanContinue | CanThrow},
	OpConstStringJumbo:        {"const-string/jumbo", Fmt31c, IndexString, CanContinue | CanThrow},
	OpConstClass:              {"const-class", Fmt21c, IndexType, CanContinue | CanThrow},
	OpMonitorEnter:            {"monitor-enter", Fmt11x, IndexNone, CanContinue | CanThrow},
	OpMonitorExit:             {"monitor-exit", Fmt11x, IndexNone, CanContinue | CanThrow},
	OpCheckCast:               {"check-cast", Fmt21c, IndexType, CanContinue | CanThrow},
	OpInstanceOf:              {"instance-of", Fmt22c, IndexType, CanContinue | CanThrow},
	OpArrayLength:             {"array-length", Fmt12x, IndexNone, CanContinue | CanThrow},
	OpNewInstance:             {"new-instance", Fmt21c, IndexType, CanContinue | CanThrow},
	OpNewArray:                {"new-array", Fmt22c, IndexType, CanContinue | CanThrow},
	OpFilledNewArray:          {"filled-new-array", Fmt35c, IndexType, CanContinue | CanThrow},
	OpFilledNewArrayRange:     {"filled-new-array/range", Fmt3rc, IndexType, CanContinue | CanThrow},
	OpFillArrayData:           {"fill-array-data", Fmt31t, IndexNone, CanContinue},
	OpThrow:                   {"throw", Fmt11x, IndexNone, CanThrow},
	OpGoto:                    {"goto", Fmt10t, IndexNone, CanBranch},
	OpGoto16:                  {"goto/16", Fmt20t, IndexNone, CanBranch},
	OpGoto32:                  {"goto/32", Fmt30t, IndexNone, CanBranch},
	OpPackedSwitch:            {"packed-switch", Fmt31t, IndexNone, CanContinue | CanSwitch},
	OpSparseSwitch:            {"sparse-switch", Fmt31t, IndexNone, CanContinue | CanSwitch},
	OpCmplFloat:               {"cmpl-float", Fmt23x, IndexNone, CanContinue},
	OpCmpgFloat:               {"cmpg-float", Fmt23x, IndexNone, CanContinue},
	OpCmplDouble:              {"cmpl-double", Fmt23x, IndexNone, CanContinue},
	OpCmpgDouble:              {"cmpg-double", Fmt23x, IndexNone, CanContinue},
	OpCmpLong:                 {"cmp-long", Fmt23x, IndexNone, CanContinue},
	OpIfEq:                    {"if-eq", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfNe:                    {"if-ne", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfLt:                    {"if-lt", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfGe:                    {"if-ge", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfGt:                    {"if-gt", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfLe:                    {"if-le", Fmt22t, IndexNone, CanContinue | CanBranch},
	OpIfEqz:                   {"if-eqz", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpIfNez:                   {"if-nez", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpIfLtz:                   {"if-ltz", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpIfGez:                   {"if-gez", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpIfGtz:                   {"if-gtz", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpIfLez:                   {"if-lez", Fmt21t, IndexNone, CanContinue | CanBranch},
	OpAget:                    {"aget", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetWide:                {"aget-wide", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetObject:              {"aget-object", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetBoolean:             {"aget-boolean", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetByte:                {"aget-byte", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetChar:                {"aget-char", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAgetShort:               {"aget-short", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAput:                    {"aput", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputWide:                {"aput-wide", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputObject:              {"aput-object", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputBoolean:             {"aput-boolean", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputByte:                {"aput-byte", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputChar:                {"aput-char", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAputShort:               {"aput-short", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpIget:                    {"iget", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetWide:                {"iget-wide", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetObject:              {"iget-object", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetBoolean:             {"iget-boolean", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetByte:                {"iget-byte", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetChar:                {"iget-char", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIgetShort:               {"iget-short", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIput:                    {"iput", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputWide:                {"iput-wide", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputObject:              {"iput-object", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputBoolean:             {"iput-boolean", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputByte:                {"iput-byte", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputChar:                {"iput-char", Fmt22c, IndexField, CanContinue | CanThrow},
	OpIputShort:               {"iput-short", Fmt22c, IndexField, CanContinue | CanThrow},
	OpSget:                    {"sget", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetWide:                {"sget-wide", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetObject:              {"sget-object", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetBoolean:             {"sget-boolean", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetByte:                {"sget-byte", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetChar:                {"sget-char", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSgetShort:               {"sget-short", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSput:                    {"sput", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputWide:                {"sput-wide", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputObject:              {"sput-object", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputBoolean:             {"sput-boolean", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputByte:                {"sput-byte", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputChar:                {"sput-char", Fmt21c, IndexField, CanContinue | CanThrow},
	OpSputShort:               {"sput-short", Fmt21c, IndexField, CanContinue | CanThrow},
	OpInvokeVirtual:           {"invoke-virtual", Fmt35c, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeSuper:             {"invoke-super", Fmt35c, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeDirect:            {"invoke-direct", Fmt35c, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeStatic:            {"invoke-static", Fmt35c, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeInterface:         {"invoke-interface", Fmt35c, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeVirtualRange:      {"invoke-virtual/range", Fmt3rc, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeSuperRange:        {"invoke-super/range", Fmt3rc, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeDirectRange:       {"invoke-direct/range", Fmt3rc, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeStaticRange:       {"invoke-static/range", Fmt3rc, IndexMethod, CanContinue | CanThrow | Invoke},
	OpInvokeInterfaceRange:    {"invoke-interface/range", Fmt3rc, IndexMethod, CanContinue | CanThrow | Invoke},
	OpNegInt:                  {"neg-int", Fmt12x, IndexNone, CanContinue},
	OpNotInt:                  {"not-int", Fmt12x, IndexNone, CanContinue},
	OpNegLong:                 {"neg-long", Fmt12x, IndexNone, CanContinue},
	OpNotLong:                 {"not-long", Fmt12x, IndexNone, CanContinue},
	OpNegFloat:                {"neg-float", Fmt12x, IndexNone, CanContinue},
	OpNegDouble:               {"neg-double", Fmt12x, IndexNone, CanContinue},
	OpIntToLong:               {"int-to-long", Fmt12x, IndexNone, CanContinue},
	OpIntToFloat:              {"int-to-float", Fmt12x, IndexNone, CanContinue},
	OpIntToDouble:             {"int-to-double", Fmt12x, IndexNone, CanContinue},
	OpLongToInt:               {"long-to-int", Fmt12x, IndexNone, CanContinue},
	OpLongToFloat:             {"long-to-float", Fmt12x, IndexNone, CanContinue},
	OpLongToDouble:            {"long-to-double", Fmt12x, IndexNone, CanContinue},
	OpFloatToInt:              {"float-to-int", Fmt12x, IndexNone, CanContinue},
	OpFloatToLong:             {"float-to-long", Fmt12x, IndexNone, CanContinue},
	OpFloatToDouble:           {"float-to-double", Fmt12x, IndexNone, CanContinue},
	OpDoubleToInt:             {"double-to-int", Fmt12x, IndexNone, CanContinue},
	OpDoubleToLong:            {"double-to-long", Fmt12x, IndexNone, CanContinue},
	OpDoubleToFloat:           {"double-to-float", Fmt12x, IndexNone, CanContinue},
	OpIntToByte:               {"int-to-byte", Fmt12x, IndexNone, CanContinue},
	OpIntToChar:               {"int-to-char", Fmt12x, IndexNone, CanContinue},
	OpIntToShort:              {"int-to-short", Fmt12x, IndexNone, CanContinue},
	OpAddInt:                  {"add-int", Fmt23x, IndexNone, CanContinue},
	OpSubInt:                  {"sub-int", Fmt23x, IndexNone, CanContinue},
	OpMulInt:                  {"mul-int", Fmt23x, IndexNone, CanContinue},
	OpDivInt:                  {"div-int", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpRemInt:                  {"rem-int", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAndInt:                  {"and-int", Fmt23x, IndexNone, CanContinue},
	OpOrInt:                   {"or-int", Fmt23x, IndexNone, CanContinue},
	OpXorInt:                  {"xor-int", Fmt23x, IndexNone, CanContinue},
	OpShlInt:                  {"shl-int", Fmt23x, IndexNone, CanContinue},
	OpShrInt:                  {"shr-int", Fmt23x, IndexNone, CanContinue},
	OpUshrInt:                 {"ushr-int", Fmt23x, IndexNone, CanContinue},
	OpAddLong:                 {"add-long", Fmt23x, IndexNone, CanContinue},
	OpSubLong:                 {"sub-long", Fmt23x, IndexNone, CanContinue},
	OpMulLong:                 {"mul-long", Fmt23x, IndexNone, CanContinue},
	OpDivLong:                 {"div-long", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpRemLong:                 {"rem-long", Fmt23x, IndexNone, CanContinue | CanThrow},
	OpAndLong:                 {"and-long", Fmt23x, IndexNone, CanContinue},
	OpOrLong:                  {"or-long", Fmt23x, IndexNone, CanContinue},
	OpXorLong:                 {"xor-long", Fmt23x, IndexNone, CanContinue},
	OpShlLong:                 {"shl-long", Fmt23x, IndexNone, CanContinue},
	OpShrLong:                 {"shr-long", Fmt23x, IndexNone, CanContinue},
	OpUshrLong:                {"ushr-long", Fmt23x, IndexNone, CanContinue},
	OpAddFloat:                {"add-float", Fmt23x, IndexNone, CanContinue},
	OpSubFloat:                {"sub-float", Fmt23x, IndexNone, CanContinue},
	OpMulFloat:                {"mul-float", Fmt23x, IndexNone, CanContinue},
	OpDivFloat:                {"div-float", Fmt23x, IndexNone, CanContinue},
	OpRemFloat:                {"rem-float", Fmt23x, IndexNone, CanContinue},
	OpAddDouble:               {"add-double", Fmt23x, IndexNone, CanContinue},
	OpSubDouble:               {"sub-double", Fmt23x, IndexNone, CanContinue},
	OpMulDouble:               {"mul-double", Fmt23x, IndexNone, CanContinue},
	OpDivDouble:               {"div-double", Fmt23x, IndexNone, CanContinue},
	OpRemDouble:               {"rem-double", Fmt23x, IndexNone, CanContinue},
	OpAddInt2addr:             {"add-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpSubInt2addr:             {"sub-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpMulInt2addr:             {"mul-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpDivInt2addr:             {"div-int/2addr", Fmt12x, IndexNone, CanContinue | CanThrow},
	OpRemInt2addr:             {"rem-int/2addr", Fmt12x, IndexNone, CanContinue | CanThrow},
	OpAndInt2addr:             {"and-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpOrInt2addr:              {"or-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpXorInt2addr:             {"xor-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpShlInt2addr:             {"shl-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpShrInt2addr:             {"shr-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpUshrInt2addr:            {"ushr-int/2addr", Fmt12x, IndexNone, CanContinue},
	OpAddLong2addr:            {"add-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpSubLong2addr:            {"sub-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpMulLong2addr:            {"mul-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpDivLong2addr:            {"div-long/2addr", Fmt12x, IndexNone, CanContinue | CanThrow},
	OpRemLong2addr:            {"rem-long/2addr", Fmt12x, IndexNone, CanContinue | CanThrow},
	OpAndLong2addr:            {"and-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpOrLong2addr:             {"or-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpXorLong2addr:            {"xor-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpShlLong2addr:            {"shl-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpShrLong2addr:            {"shr-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpUshrLong2addr:           {"ushr-long/2addr", Fmt12x, IndexNone, CanContinue},
	OpAddFloat2addr:           {"add-float/2addr", Fmt12x, IndexNone, CanContinue},
	OpSubFloat2addr:           {"sub-float/2addr", Fmt12x, IndexNone, CanContinue},
	OpMulFloat2addr:           {"mul-float/2addr", Fmt12x, IndexNone, CanContinue},
	OpDivFloat2addr:           {"div-float/2addr", Fmt12x, IndexNone, CanContinue},
	OpRemFloat2addr:           {"rem-float/2addr", Fmt12x, IndexNone, CanContinue},
	OpAddDouble2addr:          {"add-double/2addr", Fmt12x, IndexNone, CanContinue},
	OpSubDouble2addr:          {"sub-double/2addr", Fmt12x, IndexNone, CanContinue},
	OpMulDouble2addr:          {"mul-double/2addr", Fmt12x, IndexNone, CanContinue},
	OpDivDouble2addr:          {"div-double/2addr", Fmt12x, IndexNone, CanContinue},
	OpRemDouble2addr:          {"rem-double/2addr", Fmt12x, IndexNone, CanContinue},
	OpAddIntLit16:             {"add-int/lit16", Fmt22s, IndexNone, CanContinue},
	OpRsubInt:                 {"rsub-int", Fmt22s, IndexNone, CanContinue},
	OpMulIntLit16:             {"mul-int/lit16", Fmt22s, IndexNone, CanContinue},
	OpDivIntLit16:             {"div-int/lit16", Fmt22s, IndexNone, CanContinue | CanThrow},
	OpRemIntLit16:             {"rem-int/lit16", Fmt22s, IndexNone, CanContinue | CanThrow},
	OpAndIntLit16:             {"and-int/lit16", Fmt22s, IndexNone, CanContinue},
	OpOrIntLit16:              {"or-int/lit16", Fmt22s, IndexNone, CanContinue},
	OpXorIntLit16:             {"xor-int/lit16", Fmt22s, IndexNone, CanContinue},
	OpAddIntLit8:              {"add-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpRsubIntLit8:             {"rsub-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpMulIntLit8:              {"mul-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpDivIntLit8:              {"div-int/lit8", Fmt22b, IndexNone, CanContinue | CanThrow},
	OpRemIntLit8:              {"rem-int/lit8", Fmt22b, IndexNone, CanContinue | CanThrow},
	OpAndIntLit8:              {"and-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpOrIntLit8:               {"or-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpXorIntLit8:              {"xor-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpShlIntLit8:              {"shl-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpShrIntLit8:              {"shr-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpUshrIntLit8:             {"ushr-int/lit8", Fmt22b, IndexNone, CanContinue},
	OpInvokePolymorphic:       {"invoke-polymorphic", Fmt45cc, IndexMethodAndProto, CanContinue | CanThrow | Invoke},
	OpInvokePolymorphicRange:  {"invoke-polymorphic/range", Fmt4rcc, IndexMethodAndProto, CanContinue | CanThrow | Invoke},
	OpInvokeCustom:            {"invoke-custom", Fmt35c, IndexCallSite, CanContinue | CanThrow | Invoke},
	OpInvokeCustomRange:       {"invoke-custom/range", Fmt3rc, IndexCallSite, CanContinue | CanThrow | Invoke},
	OpConstMethodHandle:       {"const-method-handle", Fmt21c, IndexMethodHandle, CanContinue | CanThrow},
	OpConstMethodType:         {"const-method-type", Fmt21c, IndexProto, CanContinue | CanThrow},
}

var formatWidths = [...]int{
	Fmt10x: 1, Fmt12x: 1, Fmt11n: 1, Fmt11x: 1, Fmt10t: 1,
	Fmt20t: 2, Fmt20bc: 2, Fmt22x: 2, Fmt21t: 2, Fmt21s: 2, Fmt21h: 2, Fmt21c: 2,
	Fmt23x: 2, Fmt22b: 2, Fmt22t: 2, Fmt22s: 2, Fmt22c: 2, Fmt22cs: 2,
	Fmt30t: 3, Fmt32x: 3, Fmt31i: 3, Fmt31t: 3, Fmt31c: 3,
	Fmt35c: 3, Fmt35ms: 3, Fmt35mi: 3, Fmt3rc: 3, Fmt3rms: 3, Fmt3rmi: 3,
	Fmt45cc: 4, Fmt4rcc: 4,
	Fmt51l: 5,
}

func (op Opcode) String() string {
	if name := opcodeTable[op].name; name != "" {
		return name
	}
	return fmt.Sprintf("unused-%02x", uint8(op))
}

// IsValid reports whether op is an assigned opcode.
func (op Opcode) IsValid() bool {
	return opcodeTable[op].name != ""
}

func (op Opcode) Format() InstructionFormat {
	return opcodeTable[op].format
}

func (op Opcode) IndexType() InstructionIndexType {
	return opcodeTable[op].indexType
}

func (op Opcode) Flags() OpcodeFlags {
	return opcodeTable[op].flags
}

func (op Opcode) Is(flags OpcodeFlags) bool {
	return opcodeTable[op].flags&flags != 0
}

// Width is the instruction size in code units (payloads excluded).
func (op Opcode) Width() int {
	return formatWidths[op.Format()]
}

// GetWidthFromBytecode returns the size in code units of the
// instruction or payload starting at insns[0].
func GetWidthFromBytecode(insns []uint16) int {
	Check(len(insns) > 0, "empty instruction stream")
	switch insns[0] {
	case PackedSwitchSignature:
		Check(len(insns) >= 2, "truncated packed-switch payload")
		return 4 + int(insns[1])*2
	case SparseSwitchSignature:
		Check(len(insns) >= 2, "truncated sparse-switch payload")
		return 2 + int(insns[1])*4
	case ArrayDataSignature:
		Check(len(insns) >= 4, "truncated array payload")
		elemWidth := uint64(insns[1])
		size := uint64(insns[2]) | uint64(insns[3])<<16
		return 4 + int((size*elemWidth+1)/2)
	}
	op := Opcode(insns[0] & 0xff)
	Check(op.IsValid(), "invalid opcode 0x%02x", uint8(op))
	return op.Width()
}

// Instruction is a decoded instruction with its operands in the
// A/B/C/H naming used by the dalvik format descriptions.
type Instruction struct {
	Opcode Opcode
	VA     uint32
	VB     uint32
	VBWide uint64
	VC     uint32
	VH     uint32
	Arg    [5]uint32
}

// DecodeInstruction decodes the instruction at insns[0]. Payloads
// decode as nop.
func DecodeInstruction(insns []uint16) Instruction {
	op := Opcode(insns[0] & 0xff)
	dec := Instruction{Opcode: op}
	width := op.Width()
	Check(width > 0 && len(insns) >= width, "truncated %s", op)

	u1 := insns[0]
	switch op.Format() {
	case Fmt10x:
		// nothing to decode
	case Fmt12x:
		dec.VA = uint32(u1>>8) & 0x0f
		dec.VB = uint32(u1 >> 12)
	case Fmt11n:
		dec.VA = uint32(u1>>8) & 0x0f
		dec.VB = uint32(int32(int16(u1)) >> 12)
	case Fmt11x:
		dec.VA = uint32(u1 >> 8)
	case Fmt10t:
		dec.VA = uint32(int32(int8(u1 >> 8)))
	case Fmt20t:
		dec.VA = uint32(int32(int16(insns[1])))
	case Fmt20bc, Fmt21c, Fmt22x:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1])
	case Fmt21s, Fmt21t:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(int32(int16(insns[1])))
	case Fmt21h:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1])
	case Fmt23x:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1] & 0xff)
		dec.VC = uint32(insns[1] >> 8)
	case Fmt22b:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1] & 0xff)
		dec.VC = uint32(int32(int8(insns[1] >> 8)))
	case Fmt22s, Fmt22t:
		dec.VA = uint32(u1>>8) & 0x0f
		dec.VB = uint32(u1 >> 12)
		dec.VC = uint32(int32(int16(insns[1])))
	case Fmt22c, Fmt22cs:
		dec.VA = uint32(u1>>8) & 0x0f
		dec.VB = uint32(u1 >> 12)
		dec.VC = uint32(insns[1])
	case Fmt30t:
		dec.VA = uint32(insns[1]) | uint32(insns[2])<<16
	case Fmt31t, Fmt31i, Fmt31c:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1]) | uint32(insns[2])<<16
	case Fmt32x:
		dec.VA = uint32(insns[1])
		dec.VB = uint32(insns[2])
	case Fmt35c, Fmt35ms, Fmt35mi, Fmt45cc:
		// A|G|op BBBB F|E|D|C [HHHH]
		dec.VA = uint32(u1 >> 12)
		dec.VB = uint32(insns[1])
		regs := insns[2]
		Check(dec.VA <= 5, "invalid arg count %d for %s", dec.VA, op)
		for i := uint32(0); i < dec.VA && i < 4; i++ {
			dec.Arg[i] = uint32(regs>>(i*4)) & 0x0f
		}
		if dec.VA == 5 {
			dec.Arg[4] = uint32(u1>>8) & 0x0f
		}
		dec.VC = dec.Arg[0]
		if op.Format() == Fmt45cc {
			dec.VH = uint32(insns[3])
		}
	case Fmt3rc, Fmt3rms, Fmt3rmi, Fmt4rcc:
		dec.VA = uint32(u1 >> 8)
		dec.VB = uint32(insns[1])
		dec.VC = uint32(insns[2])
		if op.Format() == Fmt4rcc {
			dec.VH = uint32(insns[3])
		}
	case Fmt51l:
		dec.VA = uint32(u1 >> 8)
		dec.VBWide = uint64(insns[1]) | uint64(insns[2])<<16 | uint64(insns[3])<<32 | uint64(insns[4])<<48
	default:
		Check(false, "unexpected format for %s", op)
	}
	return dec
}

// PoolIndex returns the constant pool index an instruction refers to,
// or NoIndex.
func (dec *Instruction) PoolIndex() uint32 {
	switch dec.Opcode.Format() {
	case Fmt20bc, Fmt21c, Fmt31c, Fmt35c, Fmt3rc, Fmt45cc, Fmt4rcc:
		return dec.VB
	case Fmt22c:
		return dec.VC
	}
	return NoIndex
}

// WideRegs reports which of the A, B and C register operands of op
// name a register pair.
func WideRegs(op Opcode) (a, b, c bool) {
	switch op {
	case OpMoveWide, OpMoveWideFrom16, OpMoveWide16:
		return true, true, false
	case OpMoveResultWide, OpReturnWide,
		OpConstWide16, OpConstWide32, OpConstWide, OpConstWideHigh16,
		OpAgetWide, OpAputWide, OpIgetWide, OpIputWide, OpSgetWide, OpSputWide:
		return true, false, false
	case OpCmplDouble, OpCmpgDouble, OpCmpLong:
		return false, true, true
	case OpNegLong, OpNotLong, OpNegDouble, OpLongToDouble, OpDoubleToLong:
		return true, true, false
	case OpIntToLong, OpIntToDouble, OpFloatToLong, OpFloatToDouble:
		return true, false, false
	case OpLongToInt, OpLongToFloat, OpDoubleToInt, OpDoubleToFloat:
		return false, true, false
	case OpShlLong, OpShrLong, OpUshrLong:
		return true, true, false
	case OpShlLong2addr, OpShrLong2addr, OpUshrLong2addr:
		return true, false, false
	}
	switch {
	case op >= OpAddLong && op <= OpXorLong, op >= OpAddDouble && op <= OpRemDouble:
		return true, true, true
	case op >= OpAddLong2addr && op <= OpXorLong2addr, op >= OpAddDouble2addr && op <= OpRemDouble2addr:
		return true, true, false
	}
	return false, false, false
}
