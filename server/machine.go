package server

import (
	"io"
	"net"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/dropbox/gomemcached/protocol"
)

// serve drives the connection state machine until the peer goes away
// or the protocol asks for a close.  Each connection is pinned to one
// worker; nothing here is touched from another goroutine.
func (c *conn) serve() {
	defer c.close()

	for {
		if c.srv.verbose(3) {
			log.Tracef("<%s state %s", c.name(), c.state)
		}

		switch c.state {
		case stateNewCommand:
			c.reset()
			c.rbuf.shrink()
			if c.rbuf.len() > 0 {
				c.state = stateParseCommand
			} else {
				c.state = stateWaiting
			}

		case stateWaiting:
			if !c.readMore() {
				return
			}
			c.reqsServed = 0
			c.state = stateParseCommand

		case stateParseCommand:
			// A busy pipeliner yields after its request budget so the
			// other connections on this worker keep making progress.
			if c.reqsServed >= c.srv.settings.ReqsPerEvent {
				c.reqsServed = 0
				runtime.Gosched()
			}
			if !c.parseCommand() {
				c.state = stateWaiting
			}

		case stateReadValue:
			if !c.readValue() {
				return
			}

		case stateSwallow:
			if !c.swallow() {
				return
			}

		case stateDrain:
			if !c.drain() {
				return
			}

		case stateClosing:
			return
		}
	}
}

// readMore blocks for transport input.  EOF and hard errors both end
// the connection; there is no soft-error path because reads only run
// when the machine genuinely needs bytes.
func (c *conn) readMore() bool {
	n, err := c.rbuf.fill(c.sock)
	if n > 0 {
		c.worker.stats.AddBytesRead(uint64(n))
	}
	if err != nil {
		if err != io.EOF && c.srv.verbose(1) {
			log.Infof("<%s read error: %v", c.name(), err)
		}
		return false
	}
	return n > 0
}

// parseCommand tries to extract one complete command header from the
// read buffer, latching the protocol off the first byte.  Returns
// false when more input is needed.  A single parse never emits more
// than one reply.
func (c *conn) parseCommand() bool {
	if c.rbuf.len() == 0 {
		return false
	}

	if c.proto == protoNegotiating {
		if c.rbuf.remaining()[0] == protocol.ReqMagicByte {
			c.proto = protoBinary
		} else {
			c.proto = protoText
		}
		if c.srv.verbose(2) {
			log.Debugf("<%s negotiated %s protocol", c.name(),
				map[protocolKind]string{
					protoText:   "ascii",
					protoBinary: "binary",
				}[c.proto])
		}
	}

	c.reqsServed++
	if c.proto == protoBinary {
		return c.parseBinaryCommand()
	}
	return c.parseTextCommand()
}

// readValue reads the pending bulk payload into the in-flight item,
// consuming buffered bytes first and then the transport directly.  The
// text protocol additionally collects the two-byte CRLF trailer.
func (c *conn) readValue() bool {
	it := c.ritem

	for c.rpos < len(it.Value()) {
		if c.rbuf.len() > 0 {
			n := copy(it.Value()[c.rpos:], c.rbuf.remaining())
			c.rbuf.advance(n)
			c.rpos += n
			continue
		}
		if !c.readMore() {
			return false
		}
	}

	for c.wantTrailer && c.trailerPos < 2 {
		if c.rbuf.len() > 0 {
			n := copy(c.trailer[c.trailerPos:], c.rbuf.remaining())
			c.rbuf.advance(n)
			c.trailerPos += n
			continue
		}
		if !c.readMore() {
			return false
		}
	}

	if c.proto == protoBinary {
		c.completeBinaryValue()
	} else {
		c.completeTextValue()
	}
	return true
}

// swallow discards the remainder of a payload whose item could not be
// kept, then resumes command parsing.
func (c *conn) swallow() bool {
	for c.swallowBytes > 0 {
		if n := c.rbuf.len(); n > 0 {
			skip := n
			if skip > c.swallowBytes {
				skip = c.swallowBytes
			}
			c.rbuf.advance(skip)
			c.swallowBytes -= skip
			continue
		}
		if !c.readMore() {
			return false
		}
	}

	c.state = stateNewCommand
	return true
}

// drain sends the assembled reply.  TCP uses one vectored send over
// the fragment list; UDP packs the fragments into framed datagrams.
// All item references held by the reply are released on every exit
// path.
func (c *conn) drain() bool {
	defer c.out.release(c.srv.store)

	if !c.out.empty() {
		var err error
		var sent int64
		if c.udp {
			sent, err = c.transmitUDP()
		} else {
			bufs := make(net.Buffers, 0, len(c.out.frags))
			for _, frag := range c.out.frags {
				bufs = append(bufs, frag.data)
			}
			sent, err = bufs.WriteTo(c.sock)
		}
		if sent > 0 {
			c.worker.stats.AddBytesWritten(uint64(sent))
		}
		if err != nil {
			if c.srv.verbose(1) {
				log.Infof("<%s write error: %v", c.name(), err)
			}
			return false
		}
	}

	c.state = c.writeAndGo
	c.writeAndGo = stateNewCommand
	return c.state != stateClosing
}

//
// Reply helpers
//

// outString queues a single-token text reply and transitions to the
// drain state.  Honors noreply.
func (c *conn) outString(s string) {
	if c.noreply {
		c.state = c.writeAndGo
		c.writeAndGo = stateNewCommand
		return
	}
	c.out.addString(s)
	c.state = stateDrain
}

// Error replies go through outString as well, so noreply suppresses
// them the same way the reference server does.
func (c *conn) outClientError(detail string) {
	c.outString(protocol.TokenClientError + detail + protocol.TokenCrlf)
}

func (c *conn) outServerError(detail string) {
	c.outString(protocol.TokenServerError + detail + protocol.TokenCrlf)
}
