package server

import (
	"encoding/binary"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/dropbox/gomemcached/protocol"
	"github.com/dropbox/gomemcached/store"
)

// The all-ones expiration that tells increment/decrement not to seed a
// missing counter.
const noAutoCreateExpiration = 0xffffffff

// parseBinaryCommand decodes one fixed request header plus its extras
// and key, then dispatches.  Returns false when the buffered input
// does not yet cover them (bulk values are streamed separately via the
// read-value state).
func (c *conn) parseBinaryCommand() bool {
	data := c.rbuf.remaining()
	if len(data) < protocol.HeaderLength {
		return false
	}

	hdr, err := protocol.DecodeRequestHeader(data)
	if err != nil {
		// A client that breaks framing cannot be resynced.
		if c.srv.verbose(1) {
			log.Infof("<%s bad binary header: %v", c.name(), err)
		}
		c.state = stateClosing
		return true
	}

	prefix := protocol.HeaderLength + int(hdr.ExtrasLength) + int(hdr.KeyLength)
	if len(data) < prefix {
		return false
	}

	c.binHeader = hdr
	c.rbuf.advance(protocol.HeaderLength)

	c.binExtras = append([]byte(nil),
		c.rbuf.remaining()[:hdr.ExtrasLength]...)
	c.rbuf.advance(int(hdr.ExtrasLength))

	c.binKey = append([]byte(nil),
		c.rbuf.remaining()[:hdr.KeyLength]...)
	c.rbuf.advance(int(hdr.KeyLength))

	valid, known := protocol.ValidateRequest(&hdr)
	if !known {
		c.binSwallowValue()
		c.binRespondError(protocol.StatusUnknownCommand)
		return true
	}
	if !valid {
		// Bad framing for a known opcode: answer EINVAL, then close.
		c.binSwallowValue()
		c.writeAndGo = stateClosing
		c.binRespondError(protocol.StatusInvalidArguments)
		return true
	}

	c.dispatchBinaryCommand()
	return true
}

// binSwallowValue arranges for the request's value bytes, if any, to
// be discarded after the queued reply drains.
func (c *conn) binSwallowValue() {
	if n := c.binHeader.ValueLength(); n > 0 {
		c.swallowBytes = n
		c.writeAndGo = stateSwallow
	}
}

func (c *conn) dispatchBinaryCommand() {
	op := protocol.OpCode(c.binHeader.OpCode)

	switch op {
	case protocol.OpGet, protocol.OpGetQ, protocol.OpGetK, protocol.OpGetKQ:
		c.binGet(op)

	case protocol.OpSet, protocol.OpSetQ,
		protocol.OpAdd, protocol.OpAddQ,
		protocol.OpReplace, protocol.OpReplaceQ:
		c.binStartMutation(op)

	case protocol.OpAppend, protocol.OpAppendQ,
		protocol.OpPrepend, protocol.OpPrependQ:
		c.binStartConcat(op)

	case protocol.OpDelete, protocol.OpDeleteQ:
		c.binDelete(op)

	case protocol.OpIncrement, protocol.OpIncrementQ,
		protocol.OpDecrement, protocol.OpDecrementQ:
		c.binArith(op)

	case protocol.OpQuit, protocol.OpQuitQ:
		c.writeAndGo = stateClosing
		if op.IsQuiet() {
			c.state = stateClosing
		} else {
			c.binRespond(protocol.StatusNoError, 0, nil, nil, nil)
		}

	case protocol.OpFlush, protocol.OpFlushQ:
		c.binFlush(op)

	case protocol.OpNoOp:
		c.binRespond(protocol.StatusNoError, 0, nil, nil, nil)

	case protocol.OpVersion:
		c.binRespond(protocol.StatusNoError, 0, nil, []byte(Version), nil)

	case protocol.OpStat:
		c.binStat()

	case protocol.OpVerbosity:
		level := binary.BigEndian.Uint32(c.binExtras)
		c.srv.setVerbosity(int(level))
		c.binRespond(protocol.StatusNoError, 0, nil, nil, nil)

	default:
		c.binRespondError(protocol.StatusUnknownCommand)
	}
}

//
// Response assembly
//

// binRespond queues one binary response message.  valueItem, when
// non-nil, pins the item whose bytes the value slice aliases until the
// reply drains.
func (c *conn) binRespond(
	status protocol.ResponseStatus,
	casId uint64,
	key []byte,
	value []byte,
	valueItem *store.Item,
	extras ...interface{}) {

	hdr, err := protocol.EncodeResponseHeader(
		protocol.OpCode(c.binHeader.OpCode),
		status,
		c.binHeader.Opaque,
		casId,
		len(key),
		len(value),
		extras...)
	if err != nil {
		if c.srv.verbose(1) {
			log.Infof("<%s failed to encode response: %v", c.name(), err)
		}
		c.state = stateClosing
		return
	}

	c.out.add(hdr, nil)
	if len(key) > 0 {
		c.out.add(key, nil)
	}
	if len(value) > 0 {
		c.out.add(value, valueItem)
	} else if valueItem != nil {
		c.srv.store.Remove(valueItem)
	}
	c.state = stateDrain
}

func (c *conn) binRespondError(status protocol.ResponseStatus) {
	c.binRespond(status, 0, nil, nil, nil)
}

// binQuietSuccess skips the response for a quiet opcode's success.
func (c *conn) binQuietSuccess() {
	c.state = c.writeAndGo
	c.writeAndGo = stateNewCommand
}

func storeStatus(verdict store.Verdict) protocol.ResponseStatus {
	switch verdict {
	case store.Stored:
		return protocol.StatusNoError
	case store.Exists:
		return protocol.StatusKeyExists
	case store.NotFound:
		return protocol.StatusKeyNotFound
	default:
		return protocol.StatusItemNotStored
	}
}

func storeErrorStatus(err error) protocol.ResponseStatus {
	if err == store.ErrTooLarge {
		return protocol.StatusValueTooLarge
	}
	return protocol.StatusOutOfMemory
}

//
// Retrieval
//

func (c *conn) binGet(op protocol.OpCode) {
	it := c.srv.store.Get(c.binKey)
	if it == nil {
		c.worker.stats.RecordGet(false, 0)
		if op.IsQuiet() {
			// Quiet misses are truly silent.
			c.binQuietSuccess()
			return
		}
		c.binRespondError(protocol.StatusKeyNotFound)
		return
	}
	c.worker.stats.RecordGet(true, it.SlabClass())

	var key []byte
	if op == protocol.OpGetK || op == protocol.OpGetKQ {
		key = c.binKey
	}
	c.binRespond(
		protocol.StatusNoError,
		it.CasId(),
		key,
		it.Value(),
		it,
		it.Flags())
}

//
// Mutation
//

// binStartMutation arms the bulk-value read for set/add/replace.  The
// extras carry flags and expiration; a nonzero header CAS turns a set
// into a compare-and-swap.
func (c *conn) binStartMutation(op protocol.OpCode) {
	flags := binary.BigEndian.Uint32(c.binExtras[0:4])
	expiration := binary.BigEndian.Uint32(c.binExtras[4:8])

	it, err := c.srv.store.Alloc(
		c.binKey,
		flags,
		c.srv.clock.Realtime(int64(expiration)),
		c.binHeader.ValueLength())
	if err != nil {
		c.binSwallowValue()
		c.binRespondError(storeErrorStatus(err))
		return
	}

	switch op.Noisy() {
	case protocol.OpAdd:
		c.storeKind = store.CmdAdd
	case protocol.OpReplace:
		c.storeKind = store.CmdReplace
	default:
		c.storeKind = store.CmdSet
	}
	if c.binHeader.DataVersionId != 0 {
		c.storeKind = store.CmdCas
		c.storeCas = c.binHeader.DataVersionId
	}

	c.ritem = it
	c.rpos = 0
	c.wantTrailer = false
	c.state = stateReadValue
}

func (c *conn) binStartConcat(op protocol.OpCode) {
	it, err := c.srv.store.Alloc(
		c.binKey, 0, 0, c.binHeader.ValueLength())
	if err != nil {
		c.binSwallowValue()
		c.binRespondError(storeErrorStatus(err))
		return
	}

	if op.Noisy() == protocol.OpAppend {
		c.storeKind = store.CmdAppend
	} else {
		c.storeKind = store.CmdPrepend
	}

	c.ritem = it
	c.rpos = 0
	c.wantTrailer = false
	c.state = stateReadValue
}

// completeBinaryValue runs once a mutation's payload is fully read.
func (c *conn) completeBinaryValue() {
	it := c.ritem
	c.ritem = nil
	defer c.srv.store.Remove(it)

	c.worker.stats.RecordSet(it.SlabClass())

	verdict, err := c.srv.store.Store(it, c.storeKind, c.storeCas)
	if err != nil {
		c.binRespondError(storeErrorStatus(err))
		return
	}

	if verdict == store.Stored {
		if protocol.OpCode(c.binHeader.OpCode).IsQuiet() {
			c.binQuietSuccess()
			return
		}
		c.binRespond(protocol.StatusNoError, it.CasId(), nil, nil, nil)
		return
	}

	// Add/replace semantics surface NotStored; a CAS mismatch on an
	// existing key is KeyExists, on a missing key KeyNotFound.
	c.binRespondError(storeStatus(verdict))
}

//
// Deletion
//

func (c *conn) binDelete(op protocol.OpCode) {
	hit, slabClass := c.srv.store.Delete(c.binKey)
	c.worker.stats.RecordDelete(hit, slabClass)

	if !hit {
		c.binRespondError(protocol.StatusKeyNotFound)
		return
	}
	if op.IsQuiet() {
		c.binQuietSuccess()
		return
	}
	c.binRespondError(protocol.StatusNoError)
}

//
// Arithmetic
//

func (c *conn) binArith(op protocol.OpCode) {
	delta := binary.BigEndian.Uint64(c.binExtras[0:8])
	initial := binary.BigEndian.Uint64(c.binExtras[8:16])
	expiration := binary.BigEndian.Uint32(c.binExtras[16:20])

	incr := op.Noisy() == protocol.OpIncrement

	value, slabClass, found, err := c.srv.store.AddDelta(c.binKey, incr, delta)
	if found {
		if incr {
			c.worker.stats.RecordIncr(true, slabClass)
		} else {
			c.worker.stats.RecordDecr(true, slabClass)
		}

		if err == store.ErrNonNumeric {
			c.binRespondError(protocol.StatusIncrDecrOnNonNumericValue)
			return
		}
		if err != nil {
			c.binRespondError(storeErrorStatus(err))
			return
		}
		c.binArithRespond(op, value)
		return
	}

	if incr {
		c.worker.stats.RecordIncr(false, 0)
	} else {
		c.worker.stats.RecordDecr(false, 0)
	}

	if expiration == noAutoCreateExpiration {
		c.binRespondError(protocol.StatusKeyNotFound)
		return
	}

	// Seed the counter with the initial value.
	rendered := []byte(strconv.FormatUint(initial, 10))
	it, aerr := c.srv.store.Alloc(
		c.binKey, 0, c.srv.clock.Realtime(int64(expiration)), len(rendered))
	if aerr != nil {
		c.binRespondError(storeErrorStatus(aerr))
		return
	}
	copy(it.Value(), rendered)
	if _, serr := c.srv.store.Store(it, store.CmdAdd, 0); serr != nil {
		c.srv.store.Remove(it)
		c.binRespondError(storeErrorStatus(serr))
		return
	}
	c.srv.store.Remove(it)
	c.binArithRespond(op, initial)
}

func (c *conn) binArithRespond(op protocol.OpCode, value uint64) {
	if op.IsQuiet() {
		c.binQuietSuccess()
		return
	}

	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, value)
	c.binRespond(protocol.StatusNoError, 0, nil, body, nil)
}

//
// Flush / stat
//

func (c *conn) binFlush(op protocol.OpCode) {
	now := c.srv.clock.RefreshNow()

	oldest := now - 1
	if len(c.binExtras) == 4 {
		expiration := binary.BigEndian.Uint32(c.binExtras)
		if expiration != 0 {
			oldest = c.srv.clock.Realtime(int64(expiration)) - 1
		}
	}

	c.srv.store.SetOldestLive(oldest)
	c.srv.store.FlushExpired()

	if op.IsQuiet() {
		c.binQuietSuccess()
		return
	}
	c.binRespond(protocol.StatusNoError, 0, nil, nil, nil)
}

// binStat streams one response per stat pair, terminated by an empty
// key/value response.
func (c *conn) binStat() {
	if len(c.binKey) == 0 {
		for _, pair := range c.serverStatPairs() {
			if !c.binStatEntry(pair.key, pair.value) {
				return
			}
		}
	}

	c.binRespond(protocol.StatusNoError, 0, nil, nil, nil)
}

func (c *conn) binStatEntry(key string, value string) bool {
	hdr, err := protocol.EncodeResponseHeader(
		protocol.OpStat,
		protocol.StatusNoError,
		c.binHeader.Opaque,
		0,
		len(key),
		len(value))
	if err != nil {
		c.state = stateClosing
		return false
	}
	c.out.add(hdr, nil)
	c.out.addString(key)
	c.out.addString(value)
	return true
}
