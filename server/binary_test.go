package server

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dropbox/godropbox/memcache"
	. "gopkg.in/check.v1"

	. "github.com/dropbox/godropbox/gocheck2"

	"github.com/dropbox/gomemcached/protocol"
)

//
// Raw frame tests
//

type BinaryProtocolSuite struct {
	env *testEnv
}

var _ = Suite(&BinaryProtocolSuite{})

func (s *BinaryProtocolSuite) SetUpTest(c *C) {
	s.env = newTestEnv(nil)
}

func (s *BinaryProtocolSuite) TearDownTest(c *C) {
	s.env.close()
}

// request serializes a binary request frame.
func request(
	op protocol.OpCode,
	opaque uint32,
	casId uint64,
	extras []byte,
	key string,
	value string) string {

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, &protocol.Header{
		Magic:           protocol.ReqMagicByte,
		OpCode:          byte(op),
		KeyLength:       uint16(len(key)),
		ExtrasLength:    uint8(len(extras)),
		TotalBodyLength: uint32(len(extras) + len(key) + len(value)),
		Opaque:          opaque,
		DataVersionId:   casId,
	})
	buf.Write(extras)
	buf.WriteString(key)
	buf.WriteString(value)
	return buf.String()
}

func (s *BinaryProtocolSuite) readResponse(c *C) (protocol.Header, []byte) {
	hdr := protocol.Header{}
	err := binary.Read(s.env.cli, binary.BigEndian, &hdr)
	c.Assert(err, IsNil)
	c.Assert(hdr.Magic, Equals, protocol.RespMagicByte)

	body := make([]byte, hdr.TotalBodyLength)
	_, err = io.ReadFull(s.env.cli, body)
	c.Assert(err, IsNil)
	return hdr, body
}

func setExtras(flags uint32, expiration uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], flags)
	binary.BigEndian.PutUint32(extras[4:8], expiration)
	return extras
}

func (s *BinaryProtocolSuite) TestQuietGetMissIsSilent(c *C) {
	// A quiet miss produces no bytes at all; the following noop is the
	// only response on the wire.
	s.env.send(c,
		request(protocol.OpGetQ, 1, 0, nil, "absent", "")+
			request(protocol.OpNoOp, 2, 0, nil, "", ""))

	hdr, body := s.readResponse(c)
	c.Assert(hdr.OpCode, Equals, byte(protocol.OpNoOp))
	c.Assert(hdr.Opaque, Equals, uint32(2))
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusNoError)
	c.Assert(len(body), Equals, 0)
}

func (s *BinaryProtocolSuite) TestQuietSetIsSilent(c *C) {
	s.env.send(c,
		request(protocol.OpSetQ, 1, 0, setExtras(0, 0), "k", "v")+
			request(protocol.OpNoOp, 2, 0, nil, "", ""))

	hdr, _ := s.readResponse(c)
	c.Assert(hdr.OpCode, Equals, byte(protocol.OpNoOp))
}

func (s *BinaryProtocolSuite) TestGetKEchoesKey(c *C) {
	s.env.send(c, request(protocol.OpSet, 1, 0, setExtras(3, 0), "k", "val"))
	hdr, _ := s.readResponse(c)
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusNoError)

	s.env.send(c, request(protocol.OpGetK, 2, 0, nil, "k", ""))
	hdr, body := s.readResponse(c)
	c.Assert(hdr.ExtrasLength, Equals, uint8(4))
	c.Assert(hdr.KeyLength, Equals, uint16(1))
	c.Assert(binary.BigEndian.Uint32(body[0:4]), Equals, uint32(3))
	c.Assert(string(body[4:5]), Equals, "k")
	c.Assert(string(body[5:]), Equals, "val")
}

func (s *BinaryProtocolSuite) TestInvalidSchemaRepliesEinvalAndCloses(c *C) {
	// get must not carry extras.
	s.env.send(c, request(protocol.OpGet, 9, 0, setExtras(0, 0), "k", ""))

	hdr, _ := s.readResponse(c)
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusInvalidArguments)

	buf := make([]byte, 1)
	_, err := s.env.cli.Read(buf)
	c.Assert(err, Equals, io.EOF)
}

func (s *BinaryProtocolSuite) TestBadMagicCloses(c *C) {
	// Latch the binary protocol first with a well-formed noop.
	s.env.send(c, request(protocol.OpNoOp, 1, 0, nil, "", ""))
	s.readResponse(c)

	bad := request(protocol.OpNoOp, 2, 0, nil, "", "")
	s.env.send(c, "\x81"+bad[1:])

	buf := make([]byte, 1)
	_, err := s.env.cli.Read(buf)
	c.Assert(err, Equals, io.EOF)
}

func (s *BinaryProtocolSuite) TestUnknownOpcodeKeepsConnection(c *C) {
	raw := request(protocol.OpNoOp, 7, 0, nil, "", "")
	raw = raw[:1] + "\x7f" + raw[2:] // opcode 0x7f does not exist

	s.env.send(c, raw)
	hdr, _ := s.readResponse(c)
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusUnknownCommand)

	s.env.send(c, request(protocol.OpNoOp, 8, 0, nil, "", ""))
	hdr, _ = s.readResponse(c)
	c.Assert(hdr.Opaque, Equals, uint32(8))
}

func (s *BinaryProtocolSuite) TestDeleteQuietMissStillReplies(c *C) {
	// Quiet only suppresses success; a miss is an error and is sent.
	s.env.send(c, request(protocol.OpDeleteQ, 3, 0, nil, "absent", ""))
	hdr, _ := s.readResponse(c)
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusKeyNotFound)
}

func (s *BinaryProtocolSuite) TestIncrementNoCreateFlag(c *C) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], 1)                    // delta
	binary.BigEndian.PutUint64(extras[8:16], 10)                  // initial
	binary.BigEndian.PutUint32(extras[16:20], noAutoCreateExpiration)

	s.env.send(c, request(protocol.OpIncrement, 1, 0, extras, "ctr", ""))
	hdr, _ := s.readResponse(c)
	c.Assert(protocol.ResponseStatus(hdr.VBucketIdOrStatus),
		Equals, protocol.StatusKeyNotFound)
}

func (s *BinaryProtocolSuite) TestQuit(c *C) {
	s.env.send(c, request(protocol.OpQuit, 1, 0, nil, "", ""))
	hdr, _ := s.readResponse(c)
	c.Assert(hdr.OpCode, Equals, byte(protocol.OpQuit))

	buf := make([]byte, 1)
	_, err := s.env.cli.Read(buf)
	c.Assert(err, Equals, io.EOF)
}

//
// End-to-end tests through the godropbox memcache clients
//

type ClientEndToEndSuite struct {
	env *testEnv
}

var _ = Suite(&ClientEndToEndSuite{})

func (s *ClientEndToEndSuite) SetUpTest(c *C) {
	s.env = newTestEnv(nil)
}

func (s *ClientEndToEndSuite) TearDownTest(c *C) {
	s.env.close()
}

func (s *ClientEndToEndSuite) TestBinaryClient(c *C) {
	client := memcache.NewRawBinaryClient(0, s.env.cli)

	setResp := client.Set(&memcache.Item{
		Key:   "foo",
		Value: []byte("fooval"),
		Flags: 11,
	})
	c.Assert(setResp.Error(), IsNil)
	c.Assert(setResp.Status(), Equals, memcache.StatusNoError)
	c.Assert(setResp.DataVersionId() > 0, IsTrue)

	getResp := client.Get("foo")
	c.Assert(getResp.Error(), IsNil)
	c.Assert(getResp.Value(), DeepEquals, []byte("fooval"))
	c.Assert(getResp.Flags(), Equals, uint32(11))
	c.Assert(getResp.DataVersionId(), Equals, setResp.DataVersionId())

	missResp := client.Get("absent")
	c.Assert(missResp.Error(), IsNil)
	c.Assert(missResp.Status(), Equals, memcache.StatusKeyNotFound)

	countResp := client.Increment("ctr", 1, 40, 0)
	c.Assert(countResp.Error(), IsNil)
	c.Assert(countResp.Count(), Equals, uint64(40))

	countResp = client.Increment("ctr", 2, 0, 0)
	c.Assert(countResp.Error(), IsNil)
	c.Assert(countResp.Count(), Equals, uint64(42))

	delResp := client.Delete("foo")
	c.Assert(delResp.Error(), IsNil)
	c.Assert(delResp.Status(), Equals, memcache.StatusNoError)

	versionResp := client.Version()
	c.Assert(versionResp.Error(), IsNil)
	c.Assert(versionResp.Versions()[0], Equals, Version)

	statResp := client.Stat("")
	c.Assert(statResp.Error(), IsNil)
	entries := statResp.Entries()[0]
	c.Assert(entries["version"], Equals, Version)
	c.Assert(entries["curr_connections"], Equals, "1")

	flushResp := client.Flush(0)
	c.Assert(flushResp.Error(), IsNil)
	c.Assert(flushResp.Status(), Equals, memcache.StatusNoError)

	afterFlush := client.Get("ctr")
	c.Assert(afterFlush.Error(), IsNil)
	c.Assert(afterFlush.Status(), Equals, memcache.StatusKeyNotFound)
}

func (s *ClientEndToEndSuite) TestBinaryClientCas(c *C) {
	client := memcache.NewRawBinaryClient(0, s.env.cli)

	setResp := client.Set(&memcache.Item{Key: "a", Value: []byte("bar")})
	c.Assert(setResp.Error(), IsNil)
	casId := setResp.DataVersionId()

	staleResp := client.Set(&memcache.Item{
		Key:           "a",
		Value:         []byte("baz"),
		DataVersionId: casId + 1,
	})
	c.Assert(staleResp.Status(), Equals, memcache.StatusKeyExists)

	freshResp := client.Set(&memcache.Item{
		Key:           "a",
		Value:         []byte("baz"),
		DataVersionId: casId,
	})
	c.Assert(freshResp.Error(), IsNil)
	c.Assert(freshResp.Status(), Equals, memcache.StatusNoError)
}

func (s *ClientEndToEndSuite) TestAsciiClient(c *C) {
	client := memcache.NewRawAsciiClient(0, s.env.cli)

	setResp := client.Set(&memcache.Item{
		Key:   "foo",
		Value: []byte("fooval"),
		Flags: 7,
	})
	c.Assert(setResp.Error(), IsNil)
	c.Assert(setResp.Status(), Equals, memcache.StatusNoError)

	getResp := client.Get("foo")
	c.Assert(getResp.Error(), IsNil)
	c.Assert(getResp.Value(), DeepEquals, []byte("fooval"))
	c.Assert(getResp.Flags(), Equals, uint32(7))

	delResp := client.Delete("foo")
	c.Assert(delResp.Error(), IsNil)
	c.Assert(delResp.Status(), Equals, memcache.StatusNoError)

	missResp := client.Delete("foo")
	c.Assert(missResp.Status(), Equals, memcache.StatusKeyNotFound)
}
