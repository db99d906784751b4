package server

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dropbox/gomemcached/protocol"
	"github.com/dropbox/gomemcached/store"
)

//
// Connection states
//

type connState int

const (
	// Reset per-command state; continue parsing buffered input or wait
	// for more.
	stateNewCommand connState = iota

	// Blocking-read more bytes from the transport.
	stateWaiting

	// Try to extract one complete command from the read buffer.
	stateParseCommand

	// Read a bulk value payload directly into the pending item.
	stateReadValue

	// Read and discard a bulk payload whose item could not be
	// allocated.
	stateSwallow

	// Drain the assembled reply with a vectored send.
	stateDrain

	// Tear the connection down.
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateNewCommand:
		return "new_command"
	case stateWaiting:
		return "waiting"
	case stateParseCommand:
		return "parse_command"
	case stateReadValue:
		return "read_value"
	case stateSwallow:
		return "swallow"
	case stateDrain:
		return "drain"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

// The wire protocol a connection speaks.  Negotiated from the first
// byte received and latched for the connection's lifetime.
type protocolKind int

const (
	protoNegotiating protocolKind = iota
	protoText
	protoBinary
)

//
// Connection object
//

type conn struct {
	sock   net.Conn
	worker *worker
	srv    *Server

	proto protocolKind
	state connState

	// State entered once the current reply has drained.
	writeAndGo connState

	rbuf *readBuffer
	out  reply

	// In-flight bulk payload.  ritem's value is filled in place; the
	// text protocol additionally validates a two-byte CRLF trailer.
	ritem       *store.Item
	rpos        int
	trailer     [2]byte
	trailerPos  int
	wantTrailer bool

	swallowBytes int

	// Pending conditional-store parameters.
	storeKind store.CommandKind
	storeCas  uint64
	noreply   bool

	// Binary protocol request in flight.
	binHeader protocol.Header
	binKey    []byte
	binExtras []byte

	// Commands handled since the last transport read.
	reqsServed int

	// UDP request identity; replies echo it.
	udp      bool
	udpAddr  *net.UDPAddr
	udpReqId uint16
}

// reset clears per-command state between requests.  Buffered input and
// the negotiated protocol survive.
func (c *conn) reset() {
	c.releaseInbound()
	c.storeKind = store.CmdSet
	c.storeCas = 0
	c.noreply = false
	c.wantTrailer = false
	c.trailerPos = 0
	c.swallowBytes = 0
	c.binKey = nil
	c.binExtras = nil
}

// releaseInbound drops the reference on a partially-read inbound item.
func (c *conn) releaseInbound() {
	if c.ritem != nil {
		c.srv.store.Remove(c.ritem)
		c.ritem = nil
	}
	c.rpos = 0
}

// close releases every resource the connection holds: item references
// pinned by the reply, the partially-read inbound item, and the socket
// itself.  The struct goes back to the freelist unless its read buffer
// grew past the high-water mark.
func (c *conn) close() {
	if c.srv.verbose(2) {
		log.Debugf("<%s connection closed", c.name())
	}

	c.out.release(c.srv.store)
	c.releaseInbound()

	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.srv.global.ConnClosed()

	recycle := cap(c.rbuf.data) <= readBufferHighWat
	if recycle {
		c.rbuf.reset()
		c.srv.conns.release(c)
	}
}

func (c *conn) name() string {
	if c.udp {
		if c.udpAddr != nil {
			return c.udpAddr.String()
		}
		return "udp"
	}
	if c.sock != nil {
		return c.sock.RemoteAddr().String()
	}
	return "closed"
}

//
// Connection freelist
//

// Recycles connection structs so steady-state traffic does not churn
// buffer allocations.  Retention is capped; overflow is dropped for
// the collector.
type connPool struct {
	mutex sync.Mutex
	free  []*conn

	maxRetained int
}

func newConnPool(maxRetained int) *connPool {
	return &connPool{
		free:        make([]*conn, 0, maxRetained),
		maxRetained: maxRetained,
	}
}

func (p *connPool) acquire() *conn {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c
	}
	return nil
}

func (p *connPool) release(c *conn) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.free) >= p.maxRetained {
		return
	}
	p.free = append(p.free, c)
}

// newConn checks the freelist first; a fresh struct counts toward
// connection_structures.
func (s *Server) newConn(sock net.Conn, worker *worker) *conn {
	c := s.conns.acquire()
	if c == nil {
		c = &conn{rbuf: newReadBuffer(readBufferSize)}
		s.global.ConnStructAllocated()
	}

	c.sock = sock
	c.worker = worker
	c.srv = s
	c.proto = protoNegotiating
	c.state = stateNewCommand
	c.writeAndGo = stateNewCommand
	c.udp = false
	c.udpAddr = nil
	c.udpReqId = 0
	c.reqsServed = 0
	c.reset()

	s.global.ConnOpened()
	return c
}
