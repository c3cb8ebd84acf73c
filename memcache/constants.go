package memcache

//
// Magic Byte
//

const (
	reqMagicByte  uint8 = 0x80
	respMagicByte uint8 = 0x81
)

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
	StatusVbucketBelongsToAnotherServer // Not used
	StatusAuthenticationError           // Not used
	StatusAuthenticationContinue        // Not used
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

//
// Command Opcodes
//

type opCode uint8

const (
	opGet opCode = iota
	opSet
	opAdd
	opReplace
	opDelete
	opIncrement
	opDecrement
	opQuit
	opFlush
	opGetQ
	opNoOp
	opVersion
	opGetK
	opGetKQ
	opAppend
	opPrepend
	opStat
	opSetQ
	opAddQ
	opReplaceQ
	opDeleteQ
	opIncrementQ
	opDecrementQ
	opQuitQ
	opFlushQ
	opAppendQ
	opPrependQ
	opVerbosity
	opTouch
	opGAT
	opGATQ
)

// SASL opcodes are reserved but unsupported; see Client.
const (
	opSASLListMechs opCode = 0x20
	opSASLAuth      opCode = 0x21
	opSASLStep      opCode = 0x22
)

// More unsupported opcodes:
//   0x30     RGet
//   0x31     RSet
//   0x32     RSetQ
//   0x33     RAppend
//   0x34     RAppendQ
//   0x35     RPrepend
//   0x36     RPrependQ
//   0x37     RDelete
//   0x38     RDeleteQ
//   0x39     RIncr
//   0x3a     RIncrQ
//   0x3b     RDecr
//   0x3c     RDecrQ
//   0x3d     Set VBucket
//   0x3e     Get VBucket
//   0x3f     Del VBucket
//   0x40     TAP Connect
//   0x41     TAP Mutation
//   0x42     TAP Delete
//   0x43     TAP Flush
//   0x44     TAP Opaque
//   0x45     TAP VBucket Set
//   0x46     TAP Checkpoint Start
//   0x47     TAP Checkpoint End

// Quiet commands produce no response frame on success; the server replies
// only on error (GetQ/GetKQ/GATQ additionally reply on a hit).
func (c opCode) isQuiet() bool {
	switch c {
	case opGetQ, opGetKQ, opSetQ, opAddQ, opReplaceQ, opDeleteQ,
		opIncrementQ, opDecrementQ, opQuitQ, opFlushQ, opAppendQ,
		opPrependQ, opGATQ:
		return true
	}
	return false
}

// This returns the quiet counterpart used for the leading requests of a
// batch.  Commands without a quiet form return themselves.
func (c opCode) quietVariant() opCode {
	switch c {
	case opGet:
		return opGetQ
	case opGetK:
		return opGetKQ
	case opSet:
		return opSetQ
	case opAdd:
		return opAddQ
	case opReplace:
		return opReplaceQ
	case opDelete:
		return opDeleteQ
	case opIncrement:
		return opIncrementQ
	case opDecrement:
		return opDecrementQ
	case opQuit:
		return opQuitQ
	case opFlush:
		return opFlushQ
	case opAppend:
		return opAppendQ
	case opPrepend:
		return opPrependQ
	case opGAT:
		return opGATQ
	}
	return c
}
