package memcache

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/dropbox/godropbox/errors"
)

const (
	headerLength = 24
	maxKeyLength = 250
	// NOTE: Storing values larger than 1MB requires recompiling memcached.
	maxValueLength = 1024 * 1024

	// Batches up to this many payload bytes are encoded into a single
	// contiguous buffer.  Larger batches switch to gathered writes which
	// reference key/value buffers instead of copying them.
	singleAllocationLimit = 1024 * 1024
)

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

func isValidKeyString(key string) bool {
	if len(key) > maxKeyLength {
		return false
	}

	for _, char := range []byte(key) {
		if !isValidKeyChar(char) {
			return false
		}
	}

	return true
}

func validateValue(value []byte) error {
	if value == nil {
		return errors.New("Invalid value: cannot be nil")
	}

	if len(value) > maxValueLength {
		return errors.Newf(
			"Invalid value: length %d longer than max length %d",
			len(value),
			maxValueLength)
	}

	return nil
}

// A fully parsed response frame.
type frame struct {
	code   opCode
	status ResponseStatus
	opaque uint32
	cas    uint64
	flags  uint32
	key    []byte
	value  []byte
}

func requestSize(r *request) int {
	return headerLength + len(r.extras) + len(r.key) + len(r.value)
}

// This writes the request's header and body into buf, which must hold at
// least requestSize(r) bytes, and returns the number of bytes written.
func encodeRequest(buf []byte, r *request) int {
	bodyLength := len(r.extras) + len(r.key) + len(r.value)

	buf[0] = reqMagicByte
	buf[1] = byte(r.code)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.key)))
	buf[4] = uint8(len(r.extras))
	// memcache only supports a single data type (0x0) and the vbucket id
	// is unused since vbucket related opcodes are unsupported.
	buf[5] = 0
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLength))
	binary.BigEndian.PutUint32(buf[12:16], r.opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.cas)

	offset := headerLength
	offset += copy(buf[offset:], r.extras)
	offset += copy(buf[offset:], r.key)
	offset += copy(buf[offset:], r.value)
	return offset
}

// This encodes a batch of requests for writing.  Small batches are packed
// into one contiguous allocation; large batches are emitted as a gathered
// write referencing the caller's key and value buffers.
func encodeRequests(reqs []*request) net.Buffers {
	total := 0
	for _, r := range reqs {
		total += requestSize(r)
	}

	if total <= singleAllocationLimit {
		buf := make([]byte, total)
		offset := 0
		for _, r := range reqs {
			offset += encodeRequest(buf[offset:], r)
		}
		return net.Buffers{buf}
	}

	bufs := make(net.Buffers, 0, 3*len(reqs))
	for _, r := range reqs {
		head := make([]byte, headerLength+len(r.extras))
		encodeHeaderAndExtras(head, r)
		bufs = append(bufs, head)
		if len(r.key) > 0 {
			bufs = append(bufs, r.key)
		}
		if len(r.value) > 0 {
			bufs = append(bufs, r.value)
		}
	}
	return bufs
}

func encodeHeaderAndExtras(buf []byte, r *request) {
	bodyLength := len(r.extras) + len(r.key) + len(r.value)

	buf[0] = reqMagicByte
	buf[1] = byte(r.code)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.key)))
	buf[4] = uint8(len(r.extras))
	buf[5] = 0
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLength))
	binary.BigEndian.PutUint32(buf[12:16], r.opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.cas)
	copy(buf[headerLength:], r.extras)
}

// The parser owns a connection's read side and turns the byte stream into
// response frames.  Reads block until a full frame is available; all parse
// state therefore lives on the stack between frames.
type parser struct {
	address string
	reader  io.Reader
	scratch [headerLength]byte
}

// This reads and validates the next response frame.  I/O failures are
// returned as-is so the caller can distinguish a clean shutdown from a
// protocol violation; malformed frames return a FramingError.
func (p *parser) next() (*frame, error) {
	hdr := p.scratch[:]
	if _, err := io.ReadFull(p.reader, hdr); err != nil {
		return nil, err
	}

	if hdr[0] != respMagicByte {
		return nil, NewFramingError(
			p.address,
			"invalid response magic byte")
	}
	if hdr[5] != 0 {
		return nil, NewFramingError(p.address, "invalid data type")
	}

	f := &frame{
		code:   opCode(hdr[1]),
		status: ResponseStatus(binary.BigEndian.Uint16(hdr[6:8])),
		opaque: binary.BigEndian.Uint32(hdr[12:16]),
		cas:    binary.BigEndian.Uint64(hdr[16:24]),
	}

	keyLength := int(binary.BigEndian.Uint16(hdr[2:4]))
	extrasLength := int(hdr[4])
	totalBodyLength := int(binary.BigEndian.Uint32(hdr[8:12]))

	valueLength := totalBodyLength - keyLength - extrasLength
	if valueLength < 0 {
		return nil, NewFramingError(
			p.address,
			"total body length smaller than key plus extras")
	}

	if extrasLength > 0 {
		extras := make([]byte, extrasLength)
		if _, err := io.ReadFull(p.reader, extras); err != nil {
			return nil, err
		}
		// Four byte extras on get-family responses carry the item flags.
		if extrasLength == 4 {
			f.flags = binary.BigEndian.Uint32(extras)
		}
	}

	if keyLength > 0 {
		f.key = make([]byte, keyLength)
		if _, err := io.ReadFull(p.reader, f.key); err != nil {
			return nil, err
		}
	}

	if valueLength > 0 {
		f.value = make([]byte, valueLength)
		if _, err := io.ReadFull(p.reader, f.value); err != nil {
			return nil, err
		}
	}

	return f, nil
}
