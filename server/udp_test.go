package server

import (
	"bytes"
	"encoding/binary"
	"net"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"

	"github.com/dropbox/gomemcached/store"
)

type UDPSuite struct {
	srv    *Server
	client *net.UDPConn
}

var _ = Suite(&UDPSuite{})

func (s *UDPSuite) SetUpTest(c *C) {
	settings := DefaultSettings()
	settings.NumWorkers = 1
	s.srv = New(settings)

	sock, err := net.ListenUDP("udp", &net.UDPAddr{
		IP: net.IPv4(127, 0, 0, 1),
	})
	c.Assert(err, IsNil)
	s.srv.udpSock = sock

	s.srv.wg.Add(1)
	go s.srv.workers[0].runUDP()

	client, err := net.DialUDP(
		"udp", nil, sock.LocalAddr().(*net.UDPAddr))
	c.Assert(err, IsNil)
	s.client = client
}

func (s *UDPSuite) TearDownTest(c *C) {
	_ = s.client.Close()
	s.srv.Shutdown()
}

func frame(reqId, seq, total uint16, payload string) []byte {
	datagram := make([]byte, udpHeaderSize+len(payload))
	binary.BigEndian.PutUint16(datagram[0:2], reqId)
	binary.BigEndian.PutUint16(datagram[2:4], seq)
	binary.BigEndian.PutUint16(datagram[4:6], total)
	copy(datagram[udpHeaderSize:], payload)
	return datagram
}

func (s *UDPSuite) read(c *C) (reqId, seq, total uint16, payload []byte) {
	buf := make([]byte, 65536)
	_ = s.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := s.client.Read(buf)
	c.Assert(err, IsNil)
	c.Assert(n >= udpHeaderSize, IsTrue)

	reqId = binary.BigEndian.Uint16(buf[0:2])
	seq = binary.BigEndian.Uint16(buf[2:4])
	total = binary.BigEndian.Uint16(buf[4:6])
	payload = append([]byte(nil), buf[udpHeaderSize:n]...)
	return
}

func (s *UDPSuite) TestSingleDatagramRequest(c *C) {
	_, err := s.client.Write(frame(0x1234, 0, 1, "version\r\n"))
	c.Assert(err, IsNil)

	reqId, seq, total, payload := s.read(c)
	c.Assert(reqId, Equals, uint16(0x1234))
	c.Assert(seq, Equals, uint16(0))
	c.Assert(total, Equals, uint16(1))
	c.Assert(string(payload), Equals, "VERSION "+Version+"\r\n")
}

func (s *UDPSuite) TestSetThenGet(c *C) {
	_, err := s.client.Write(frame(1, 0, 1, "set k 0 0 3\r\nabc\r\n"))
	c.Assert(err, IsNil)

	_, _, _, payload := s.read(c)
	c.Assert(string(payload), Equals, "STORED\r\n")

	_, err = s.client.Write(frame(2, 0, 1, "get k\r\n"))
	c.Assert(err, IsNil)

	reqId, _, _, payload := s.read(c)
	c.Assert(reqId, Equals, uint16(2))
	c.Assert(string(payload), Equals, "VALUE k 0 3\r\nabc\r\nEND\r\n")
}

func (s *UDPSuite) TestMultiPacketRequestRejected(c *C) {
	_, err := s.client.Write(frame(7, 0, 2, "get k\r\n"))
	c.Assert(err, IsNil)

	reqId, _, _, payload := s.read(c)
	c.Assert(reqId, Equals, uint16(7))
	c.Assert(string(payload), Equals,
		"SERVER_ERROR multi-packet request not supported\r\n")

	_, err = s.client.Write(frame(8, 1, 1, "get k\r\n"))
	c.Assert(err, IsNil)

	_, _, _, payload = s.read(c)
	c.Assert(string(payload), Equals,
		"SERVER_ERROR multi-packet request not supported\r\n")
}

func (s *UDPSuite) TestLargeReplySpansDatagrams(c *C) {
	value := bytes.Repeat([]byte("v"), 3000)
	it, err := s.srv.store.Alloc([]byte("big"), 0, 0, len(value))
	c.Assert(err, IsNil)
	copy(it.Value(), value)
	_, err = s.srv.store.Store(it, store.CmdSet, 0)
	c.Assert(err, IsNil)
	s.srv.store.Remove(it)

	_, err = s.client.Write(frame(9, 0, 1, "get big\r\n"))
	c.Assert(err, IsNil)

	var whole []byte
	_, seq, total, payload := s.read(c)
	c.Assert(seq, Equals, uint16(0))
	c.Assert(total > 1, IsTrue)
	whole = append(whole, payload...)

	for i := uint16(1); i < total; i++ {
		_, seq, t, payload := s.read(c)
		c.Assert(seq, Equals, i)
		c.Assert(t, Equals, total)
		c.Assert(len(payload) <= udpMaxPayloadSize-udpHeaderSize, IsTrue)
		whole = append(whole, payload...)
	}

	want := "VALUE big 0 3000\r\n" + string(value) + "\r\nEND\r\n"
	c.Assert(string(whole), Equals, want)
}

func (s *UDPSuite) TestRuntDatagramIgnored(c *C) {
	_, err := s.client.Write([]byte{0x01, 0x02, 0x03})
	c.Assert(err, IsNil)

	// The worker survives; a well-formed request still answers.
	_, err = s.client.Write(frame(3, 0, 1, "version\r\n"))
	c.Assert(err, IsNil)

	reqId, _, _, _ := s.read(c)
	c.Assert(reqId, Equals, uint16(3))
}
