package server

import (
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// Every UDP datagram starts with an 8-byte frame header:
// request id (2) | sequence (2) | datagram count (2) | reserved (2),
// big-endian.  The core supports single-packet requests only; replies
// may span several datagrams, numbered 0..n-1 under the request's id.

// runUDP services the shared UDP socket on this worker.  Each worker
// keeps one long-lived pseudo-connection; the kernel spreads datagrams
// across the readers.
func (w *worker) runUDP() {
	defer w.srv.wg.Done()

	c := w.srv.newConn(nil, w)
	c.udp = true
	defer c.close()

	buf := make([]byte, 65536)
	for {
		n, addr, err := w.srv.udpSock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-w.srv.quit:
			default:
				log.Errorf("udp read failed: %v", err)
			}
			return
		}
		w.stats.AddBytesRead(uint64(n))

		if n < udpHeaderSize {
			continue // runt datagram, nothing to answer
		}

		reqId := binary.BigEndian.Uint16(buf[0:2])
		seq := binary.BigEndian.Uint16(buf[2:4])
		total := binary.BigEndian.Uint16(buf[4:6])

		c.udpAddr = addr
		c.udpReqId = reqId

		if seq != 0 || total != 1 {
			c.rbuf.reset()
			c.out.addString(
				"SERVER_ERROR multi-packet request not supported\r\n")
			c.state = stateDrain
			c.driveUDP()
			continue
		}

		c.rbuf.reset()
		c.rbuf.data = append(c.rbuf.data, buf[udpHeaderSize:n]...)
		c.proto = protoNegotiating
		c.state = stateNewCommand
		c.driveUDP()
	}
}

// driveUDP runs the state machine over a single datagram.  There is no
// transport to wait on: a state that needs more input means a
// truncated request, which is dropped; closing just ends the request
// (the pseudo-connection lives on).
func (c *conn) driveUDP() {
	for {
		switch c.state {
		case stateNewCommand:
			c.reset()
			if c.rbuf.len() == 0 {
				return
			}
			c.state = stateParseCommand

		case stateParseCommand:
			if !c.parseCommand() {
				return
			}

		case stateReadValue:
			if !c.udpReadValue() {
				c.releaseInbound()
				return
			}

		case stateSwallow:
			if c.rbuf.len() < c.swallowBytes {
				return
			}
			c.rbuf.advance(c.swallowBytes)
			c.swallowBytes = 0
			c.state = stateNewCommand

		case stateDrain:
			if !c.drain() {
				return
			}

		case stateWaiting, stateClosing:
			c.state = stateNewCommand
			return
		}
	}
}

// udpReadValue is the buffered-only variant of readValue: the whole
// payload must already be in the datagram.
func (c *conn) udpReadValue() bool {
	it := c.ritem

	want := len(it.Value()) - c.rpos
	if c.wantTrailer {
		want += 2 - c.trailerPos
	}
	if c.rbuf.len() < want {
		return false
	}

	n := copy(it.Value()[c.rpos:], c.rbuf.remaining())
	c.rbuf.advance(n)
	c.rpos += n

	for c.wantTrailer && c.trailerPos < 2 {
		m := copy(c.trailer[c.trailerPos:], c.rbuf.remaining())
		c.rbuf.advance(m)
		c.trailerPos += m
	}

	if c.proto == protoBinary {
		c.completeBinaryValue()
	} else {
		c.completeTextValue()
	}
	return true
}

// transmitUDP flattens the reply and sends it as framed datagrams of
// at most udpMaxPayloadSize bytes each, sharing the request id.
func (c *conn) transmitUDP() (int64, error) {
	flat := new(bytes.Buffer)
	flat.Grow(c.out.bytes)
	for _, frag := range c.out.frags {
		flat.Write(frag.data)
	}

	const chunkSize = udpMaxPayloadSize - udpHeaderSize

	payload := flat.Bytes()
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	var sent int64
	datagram := make([]byte, 0, udpMaxPayloadSize)
	for seq := 0; seq < total; seq++ {
		chunk := payload
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		payload = payload[len(chunk):]

		datagram = datagram[:udpHeaderSize]
		binary.BigEndian.PutUint16(datagram[0:2], c.udpReqId)
		binary.BigEndian.PutUint16(datagram[2:4], uint16(seq))
		binary.BigEndian.PutUint16(datagram[4:6], uint16(total))
		binary.BigEndian.PutUint16(datagram[6:8], 0)
		datagram = append(datagram, chunk...)

		n, err := c.srv.udpSock.WriteToUDP(datagram, c.udpAddr)
		sent += int64(n)
		if err != nil {
			return sent, err
		}
	}

	return sent, nil
}
