package protocol

const (
	// Keys longer than this are rejected on both protocols.
	MaxKeyLength = 250

	// Default per-item value ceiling.  Matches the common memcached
	// build and the item store's default MaxItemSize; the server
	// exposes no setting that changes it.
	MaxValueLength = 1024 * 1024
)

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

// This reports whether key is storable: within the length cap and free
// of whitespace / control bytes (which would corrupt the ascii
// protocol's framing).
func IsValidKey(key []byte) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}

	for _, char := range key {
		if !isValidKeyChar(char) {
			return false
		}
	}

	return true
}

//
// Binary request schemas
//

// Per-opcode body schema: the extras length the opcode requires and
// whether a key / value may appear.  Requests that do not match are
// answered with StatusInvalidArguments and the connection is closed.
type bodySchema struct {
	extrasLength int
	hasKey       bool
	hasValue     bool
}

var binarySchemas = map[OpCode]bodySchema{
	OpGet:        {0, true, false},
	OpGetQ:       {0, true, false},
	OpGetK:       {0, true, false},
	OpGetKQ:      {0, true, false},
	OpSet:        {8, true, true},
	OpSetQ:       {8, true, true},
	OpAdd:        {8, true, true},
	OpAddQ:       {8, true, true},
	OpReplace:    {8, true, true},
	OpReplaceQ:   {8, true, true},
	OpDelete:     {0, true, false},
	OpDeleteQ:    {0, true, false},
	OpIncrement:  {20, true, false},
	OpIncrementQ: {20, true, false},
	OpDecrement:  {20, true, false},
	OpDecrementQ: {20, true, false},
	OpQuit:       {0, false, false},
	OpQuitQ:      {0, false, false},
	OpFlush:      {0, false, false},
	OpFlushQ:     {0, false, false},
	OpNoOp:       {0, false, false},
	OpVersion:    {0, false, false},
	OpAppend:     {0, true, true},
	OpAppendQ:    {0, true, true},
	OpPrepend:    {0, true, true},
	OpPrependQ:   {0, true, true},
	OpStat:       {0, false, false},
	OpVerbosity:  {4, false, false},
}

// This checks a decoded request header against its opcode's schema.
// Flush accepts an optional 4-byte expiration extra; stat accepts an
// optional key.  Unknown opcodes return false with known=false.
func ValidateRequest(hdr *Header) (valid bool, known bool) {
	schema, ok := binarySchemas[OpCode(hdr.OpCode)]
	if !ok {
		return false, false
	}

	extras := int(hdr.ExtrasLength)
	switch OpCode(hdr.OpCode) {
	case OpFlush, OpFlushQ:
		if extras != 0 && extras != 4 {
			return false, true
		}
	default:
		if extras != schema.extrasLength {
			return false, true
		}
	}

	if hdr.KeyLength > MaxKeyLength {
		return false, true
	}

	switch OpCode(hdr.OpCode) {
	case OpStat:
		// key optional
	default:
		if schema.hasKey != (hdr.KeyLength > 0) {
			return false, true
		}
	}

	// Zero-length values are legal on the value-bearing opcodes.
	if !schema.hasValue && hdr.ValueLength() > 0 {
		return false, true
	}

	return true, true
}
