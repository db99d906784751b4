package server

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/dropbox/gomemcached/protocol"
	"github.com/dropbox/gomemcached/store"
)

// Longest command line accepted before the connection is dropped as
// hopeless.
const maxCommandLineLength = 2048

// parseTextCommand extracts one newline-delimited command from the
// read buffer.  Returns false when no complete line is buffered yet.
func (c *conn) parseTextCommand() bool {
	data := c.rbuf.remaining()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if len(data) > maxCommandLineLength {
			c.writeAndGo = stateClosing
			c.outClientError("bad command line format")
			return true
		}
		return false
	}

	line := data[:idx]
	c.rbuf.advance(idx + 1)
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}

	c.processTextLine(line)
	return true
}

func (c *conn) processTextLine(line []byte) {
	tokens := bytes.Fields(line)
	if len(tokens) == 0 {
		c.outString(protocol.TokenError)
		return
	}

	cmd := string(tokens[0])

	// get/gets carry an unbounded key list; everything else is capped.
	if cmd != "get" && cmd != "gets" && len(tokens) > maxCommandTokens {
		c.outString(protocol.TokenError)
		return
	}

	switch cmd {
	case "get":
		c.processGet(tokens[1:], false)
	case "gets":
		c.processGet(tokens[1:], true)
	case "set":
		c.processUpdate(store.CmdSet, tokens[1:])
	case "add":
		c.processUpdate(store.CmdAdd, tokens[1:])
	case "replace":
		c.processUpdate(store.CmdReplace, tokens[1:])
	case "append":
		c.processUpdate(store.CmdAppend, tokens[1:])
	case "prepend":
		c.processUpdate(store.CmdPrepend, tokens[1:])
	case "cas":
		c.processUpdate(store.CmdCas, tokens[1:])
	case "incr":
		c.processArith(true, tokens[1:])
	case "decr":
		c.processArith(false, tokens[1:])
	case "delete":
		c.processDelete(tokens[1:])
	case "stats":
		c.processStats(tokens[1:])
	case "flush_all":
		c.processFlushAll(tokens[1:])
	case "version":
		c.outString("VERSION " + Version + protocol.TokenCrlf)
	case "verbosity":
		c.processVerbosity(tokens[1:])
	case "quit":
		c.state = stateClosing
	case "slabs":
		c.outClientError("Slab reassignment not supported")
	default:
		c.outString(protocol.TokenError)
	}
}

func stripNoreply(tokens [][]byte) ([][]byte, bool) {
	if n := len(tokens); n > 0 && bytes.Equal(tokens[n-1], []byte("noreply")) {
		return tokens[:n-1], true
	}
	return tokens, false
}

//
// Retrieval
//

func (c *conn) processGet(keys [][]byte, withCas bool) {
	if len(keys) == 0 {
		c.outString(protocol.TokenError)
		return
	}

	for _, key := range keys {
		if len(key) > protocol.MaxKeyLength {
			c.outClientError("bad command line format")
			return
		}
	}

	for _, key := range keys {
		it := c.srv.store.Get(key)
		if it == nil {
			c.worker.stats.RecordGet(false, 0)
			continue
		}
		c.worker.stats.RecordGet(true, it.SlabClass())

		if withCas {
			c.out.addString(fmt.Sprintf(
				"VALUE %s %d %d %d\r\n",
				it.Key(), it.Flags(), len(it.Value()), it.CasId()))
		} else {
			c.out.addString(fmt.Sprintf(
				"VALUE %s %d %d\r\n",
				it.Key(), it.Flags(), len(it.Value())))
		}
		// The value fragment pins the item until the reply drains.
		c.out.add(it.Value(), it)
		c.out.addString(protocol.TokenCrlf)
	}

	c.out.addString(protocol.TokenEnd)
	c.state = stateDrain
}

//
// Storage
//

// processUpdate parses <key> <flags> <exptime> <bytes> [<casid>]
// [noreply] and arms the bulk-value read.  When the item cannot be
// allocated the payload (plus CRLF trailer) is swallowed so framing
// survives; a malformed command line is answered without consuming
// any payload.
func (c *conn) processUpdate(kind store.CommandKind, tokens [][]byte) {
	tokens, noreply := stripNoreply(tokens)
	c.noreply = noreply

	want := 4
	if kind == store.CmdCas {
		want = 5
	}
	if len(tokens) != want {
		c.outClientError("bad command line format")
		return
	}

	key := tokens[0]
	flags, errFlags := strconv.ParseUint(string(tokens[1]), 10, 32)
	exptime, errExp := strconv.ParseInt(string(tokens[2]), 10, 64)
	vlen, errLen := strconv.ParseInt(string(tokens[3]), 10, 32)

	if len(key) > protocol.MaxKeyLength ||
		errFlags != nil || errExp != nil || errLen != nil || vlen < 0 {
		c.outClientError("bad command line format")
		return
	}

	if kind == store.CmdCas {
		casId, err := strconv.ParseUint(string(tokens[4]), 10, 64)
		if err != nil {
			c.outClientError("bad command line format")
			return
		}
		c.storeCas = casId
	}

	it, err := c.srv.store.Alloc(
		key,
		uint32(flags),
		c.srv.clock.Realtime(exptime),
		int(vlen))
	if err != nil {
		// Swallow the payload after the error reply drains so the
		// next command parses cleanly.
		c.swallowBytes = int(vlen) + 2
		c.writeAndGo = stateSwallow
		if err == store.ErrTooLarge {
			c.outServerError("object too large for cache")
		} else {
			c.outServerError("out of memory storing object")
		}
		return
	}

	c.ritem = it
	c.rpos = 0
	c.wantTrailer = true
	c.trailerPos = 0
	c.storeKind = kind
	c.state = stateReadValue
}

// completeTextValue runs once the payload and CRLF trailer are in.
func (c *conn) completeTextValue() {
	it := c.ritem
	c.ritem = nil
	defer c.srv.store.Remove(it)

	if c.trailer[0] != '\r' || c.trailer[1] != '\n' {
		c.outClientError("bad data chunk")
		return
	}

	c.worker.stats.RecordSet(it.SlabClass())

	verdict, err := c.srv.store.Store(it, c.storeKind, c.storeCas)
	if err != nil {
		if err == store.ErrTooLarge {
			c.outServerError("object too large for cache")
		} else {
			c.outServerError("out of memory storing object")
		}
		return
	}

	switch verdict {
	case store.Stored:
		c.outString(protocol.TokenStored)
	case store.Exists:
		c.outString(protocol.TokenExists)
	case store.NotFound:
		c.outString(protocol.TokenNotFound)
	default:
		c.outString(protocol.TokenNotStored)
	}
}

//
// Arithmetic
//

func (c *conn) processArith(incr bool, tokens [][]byte) {
	tokens, noreply := stripNoreply(tokens)
	c.noreply = noreply

	if len(tokens) != 2 || len(tokens[0]) > protocol.MaxKeyLength {
		c.outClientError("bad command line format")
		return
	}

	delta, err := strconv.ParseUint(string(tokens[1]), 10, 64)
	if err != nil {
		c.outClientError("invalid numeric delta argument")
		return
	}

	value, slabClass, found, err := c.srv.store.AddDelta(tokens[0], incr, delta)
	if !found {
		if incr {
			c.worker.stats.RecordIncr(false, 0)
		} else {
			c.worker.stats.RecordDecr(false, 0)
		}
		c.outString(protocol.TokenNotFound)
		return
	}

	if incr {
		c.worker.stats.RecordIncr(true, slabClass)
	} else {
		c.worker.stats.RecordDecr(true, slabClass)
	}

	if err == store.ErrNonNumeric {
		c.outClientError("cannot increment or decrement non-numeric value")
		return
	}
	if err != nil {
		c.outServerError("out of memory in incr/decr")
		return
	}

	c.outString(strconv.FormatUint(value, 10) + protocol.TokenCrlf)
}

//
// Deletion
//

func (c *conn) processDelete(tokens [][]byte) {
	tokens, noreply := stripNoreply(tokens)
	c.noreply = noreply

	// A legacy "delete <key> 0" delay argument is tolerated.
	if len(tokens) == 2 && bytes.Equal(tokens[1], []byte("0")) {
		tokens = tokens[:1]
	}
	if len(tokens) != 1 || len(tokens[0]) > protocol.MaxKeyLength {
		c.outClientError("bad command line format")
		return
	}

	hit, slabClass := c.srv.store.Delete(tokens[0])
	c.worker.stats.RecordDelete(hit, slabClass)
	if hit {
		c.outString(protocol.TokenDeleted)
	} else {
		c.outString(protocol.TokenNotFound)
	}
}

//
// Flush
//

func (c *conn) processFlushAll(tokens [][]byte) {
	tokens, noreply := stripNoreply(tokens)
	c.noreply = noreply

	now := c.srv.clock.RefreshNow()

	oldest := now - 1
	if len(tokens) == 1 {
		delay, err := strconv.ParseInt(string(tokens[0]), 10, 64)
		if err != nil {
			c.outClientError("bad command line format")
			return
		}
		// A zero delay means "now"; Realtime(0) is the never-expires
		// sentinel and subtracting from it would wrap the mark far
		// into the future.
		if delay != 0 {
			oldest = c.srv.clock.Realtime(delay) - 1
		}
	} else if len(tokens) > 1 {
		c.outClientError("bad command line format")
		return
	}

	c.srv.store.SetOldestLive(oldest)
	c.srv.store.FlushExpired()
	c.outString(protocol.TokenOk)
}

//
// Verbosity
//

func (c *conn) processVerbosity(tokens [][]byte) {
	tokens, noreply := stripNoreply(tokens)
	c.noreply = noreply

	if len(tokens) != 1 {
		c.outClientError("bad command line format")
		return
	}
	level, err := strconv.ParseInt(string(tokens[0]), 10, 32)
	if err != nil {
		c.outClientError("bad command line format")
		return
	}

	c.srv.setVerbosity(int(level))
	c.outString(protocol.TokenOk)
}
