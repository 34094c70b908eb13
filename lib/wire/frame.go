// Package wire implements the listener's binary framing: a request
// carries { provider_id, opcode, auth_blob, operation_payload } and a
// response carries { status, result_payload }. Per-opcode payload
// encoding lives in payload.go.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

var byteOrder = binary.BigEndian

// maxPayloadSize bounds a single field's length prefix, guarding against a
// corrupt or hostile length blowing up an allocation.
const maxPayloadSize = 16 << 20 // 16 MiB

// ErrInvalidEncoding marks a malformed operation payload; callers map it to
// the wire-level InvalidEncoding status rather than a provider.Status
// derived from the error's trace kind.
var ErrInvalidEncoding = trace.BadParameter("malformed operation payload")

// Request is the decoded form of a single wire request.
type Request struct {
	ProviderID provider.ID
	Opcode     provider.Opcode
	AuthBlob   []byte
	Payload    []byte
}

// Response is the decoded form of a single wire response.
type Response struct {
	Status  provider.Status
	Payload []byte
}

// WriteRequest frames req onto w: 1-byte provider_id, 2-byte opcode,
// length-prefixed auth_blob, length-prefixed operation_payload.
func WriteRequest(w io.Writer, req Request) error {
	buf := make([]byte, 0, 3+4+len(req.AuthBlob)+4+len(req.Payload))
	buf = append(buf, byte(req.ProviderID))
	buf = appendUint16(buf, uint16(req.Opcode))
	buf = appendLenPrefixed(buf, req.AuthBlob)
	buf = appendLenPrefixed(buf, req.Payload)
	_, err := w.Write(buf)
	return trace.Wrap(err)
}

// ReadRequest parses a single request from r.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, trace.Wrap(err)
	}
	req := Request{
		ProviderID: provider.ID(hdr[0]),
		Opcode:     provider.Opcode(byteOrder.Uint16(hdr[1:3])),
	}
	authBlob, err := readLenPrefixed(r)
	if err != nil {
		return Request{}, trace.Wrap(err)
	}
	payload, err := readLenPrefixed(r)
	if err != nil {
		return Request{}, trace.Wrap(err)
	}
	req.AuthBlob = authBlob
	req.Payload = payload
	return req, nil
}

// WriteResponse frames resp onto w: 1-byte status, length-prefixed
// result_payload.
func WriteResponse(w io.Writer, resp Response) error {
	buf := make([]byte, 0, 1+4+len(resp.Payload))
	buf = append(buf, byte(resp.Status))
	buf = appendLenPrefixed(buf, resp.Payload)
	_, err := w.Write(buf)
	return trace.Wrap(err)
}

// ReadResponse parses a single response from r.
func ReadResponse(r io.Reader) (Response, error) {
	var statusByte [1]byte
	if _, err := io.ReadFull(r, statusByte[:]); err != nil {
		return Response{}, trace.Wrap(err)
	}
	payload, err := readLenPrefixed(r)
	if err != nil {
		return Response{}, trace.Wrap(err)
	}
	return Response{Status: provider.Status(statusByte[0]), Payload: payload}, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	byteOrder.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	byteOrder.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf, field []byte) []byte {
	buf = appendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	n := byteOrder.Uint32(lenBuf[:])
	if n > maxPayloadSize {
		return nil, trace.BadParameter("wire field length %d exceeds maximum %d", n, maxPayloadSize)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, trace.Wrap(err)
	}
	return field, nil
}
