package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/dropbox/godropbox/errors"
)

const (
	// Size of the fixed request/response header on the wire.
	HeaderLength = 24
)

// The fixed binary protocol header.  The wire layout is big-endian.
// VBucketIdOrStatus holds the vbucket id for requests and the response
// status for responses (memcache only supports data type 0x0).
type Header struct {
	Magic             uint8
	OpCode            uint8
	KeyLength         uint16
	ExtrasLength      uint8
	DataType          uint8
	VBucketIdOrStatus uint16
	TotalBodyLength   uint32
	Opaque            uint32
	DataVersionId     uint64 // aka CAS
}

// This decodes a request header from the first HeaderLength bytes of
// buf.  A header whose magic byte is not the request magic is rejected
// with an error, as is a nonzero data type or a body shorter than its
// key plus extras.
func DecodeRequestHeader(buf []byte) (Header, error) {
	hdr := Header{}
	if len(buf) < HeaderLength {
		return hdr, errors.Newf(
			"Truncated header: %d bytes available",
			len(buf))
	}

	err := binary.Read(bytes.NewReader(buf[:HeaderLength]), binary.BigEndian, &hdr)
	if err != nil {
		return hdr, errors.Wrap(err, "Failed to read header")
	}

	if hdr.Magic != ReqMagicByte {
		return hdr, errors.Newf("Invalid request magic byte: %d", hdr.Magic)
	}
	if hdr.DataType != 0 {
		return hdr, errors.Newf("Invalid data type: %d", hdr.DataType)
	}

	bodyLength := int(hdr.TotalBodyLength)
	bodyLength -= int(hdr.KeyLength) + int(hdr.ExtrasLength)
	if bodyLength < 0 {
		return hdr, errors.New("Invalid request header.  Wrong payload size.")
	}

	return hdr, nil
}

// ValueLength returns the number of body bytes that are neither key nor
// extras.  Only valid on a header that passed DecodeRequestHeader.
func (hdr *Header) ValueLength() int {
	return int(hdr.TotalBodyLength) - int(hdr.KeyLength) - int(hdr.ExtrasLength)
}

// This encodes a response header.  NOTE: extras must be fix-sized
// values; they are serialized big-endian immediately after the header,
// and their length is folded into ExtrasLength / TotalBodyLength.
func EncodeResponseHeader(
	code OpCode,
	status ResponseStatus,
	opaque uint32,
	dataVersionId uint64, // aka CAS
	keyLength int,
	valueLength int,
	extras ...interface{}) ([]byte, error) {

	extrasBuffer := new(bytes.Buffer)
	for _, extra := range extras {
		err := binary.Write(extrasBuffer, binary.BigEndian, extra)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to write extra")
		}
	}

	hdr := Header{
		Magic:             RespMagicByte,
		OpCode:            byte(code),
		KeyLength:         uint16(keyLength),
		ExtrasLength:      uint8(extrasBuffer.Len()),
		VBucketIdOrStatus: uint16(status),
		TotalBodyLength: uint32(
			keyLength + valueLength + extrasBuffer.Len()),
		Opaque:        opaque,
		DataVersionId: dataVersionId,
	}

	msgBuffer := new(bytes.Buffer)
	if err := binary.Write(msgBuffer, binary.BigEndian, hdr); err != nil {
		return nil, errors.Wrap(err, "Failed to write header")
	}
	if msgBuffer.Len() != HeaderLength { // sanity check
		return nil, errors.Newf("Incorrect header size: %d", msgBuffer.Len())
	}

	if _, err := extrasBuffer.WriteTo(msgBuffer); err != nil {
		return nil, errors.Wrap(err, "Failed to add extras to msg")
	}

	return msgBuffer.Bytes(), nil
}
