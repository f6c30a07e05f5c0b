package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/tapeworks/shelf/pkg/xerr"
)

// Version is the wire protocol version, sent as the first byte of
// every frame.
const Version byte = 0x01

// MaxFrameSize bounds a frame payload; anything larger is malformed
const MaxFrameSize = 1 << 20

// Message is one decoded frame: a request or response envelope
type Message struct {
	ReqID uint32
	Kind  uint32

	// Body is one of the request/response structs of this package,
	// matching Kind.
	Body any
}

// wireEnvelope is the XDR layout of a frame payload. The body is
// nested as opaque bytes so the envelope can be decoded before the
// kind is known.
type wireEnvelope struct {
	ReqID   uint32
	Kind    uint32
	Payload []byte
}

// WriteMessage frames and writes one message
func WriteMessage(w io.Writer, msg *Message) error {
	var body bytes.Buffer
	if msg.Body != nil {
		if _, err := xdr.Marshal(&body, msg.Body); err != nil {
			return fmt.Errorf("failed to encode %s body: %w", KindName(msg.Kind), err)
		}
	}

	var payload bytes.Buffer
	env := wireEnvelope{ReqID: msg.ReqID, Kind: msg.Kind, Payload: body.Bytes()}
	if _, err := xdr.Marshal(&payload, &env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if payload.Len() > MaxFrameSize {
		return xerr.Wrapf(xerr.EINVAL, "frame of %d bytes exceeds limit", payload.Len())
	}

	header := make([]byte, 5)
	header[0] = Version
	binary.BigEndian.PutUint32(header[1:], uint32(payload.Len()))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

// readEnvelope reads one frame off the wire. A version mismatch
// returns EPROTONOSUPPORT, a malformed frame EINVAL; io.EOF passes
// through untouched so callers can tell a clean close from a protocol
// error.
func readEnvelope(r io.Reader) (*wireEnvelope, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, xerr.Wrap(xerr.EINVAL, fmt.Errorf("short frame header: %w", err))
	}
	if header[0] != Version {
		return nil, xerr.Wrapf(xerr.EPROTONOSUPPORT, "protocol version %#x not supported", header[0])
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxFrameSize {
		return nil, xerr.Wrapf(xerr.EINVAL, "frame of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, xerr.Wrap(xerr.EINVAL, fmt.Errorf("short frame payload: %w", err))
	}

	var env wireEnvelope
	if _, err := xdr.Unmarshal(bytes.NewReader(payload), &env); err != nil {
		return nil, xerr.Wrap(xerr.EINVAL, fmt.Errorf("failed to decode envelope: %w", err))
	}
	return &env, nil
}

func decode(env *wireEnvelope, body any) (*Message, error) {
	if len(env.Payload) > 0 {
		if _, err := xdr.Unmarshal(bytes.NewReader(env.Payload), body); err != nil {
			return nil, xerr.Wrap(xerr.EINVAL, fmt.Errorf("failed to decode %s body: %w", KindName(env.Kind), err))
		}
	}
	return &Message{ReqID: env.ReqID, Kind: env.Kind, Body: body}, nil
}

// ReadRequest reads one frame and decodes its body as a request.
// The daemon side of the connection uses this.
func ReadRequest(r io.Reader) (*Message, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPing:
		return decode(env, &PingRequest{})
	case KindReadAlloc:
		return decode(env, &ReadAllocRequest{})
	case KindWriteAlloc:
		return decode(env, &WriteAllocRequest{})
	case KindRelease:
		return decode(env, &ReleaseRequest{})
	case KindFormat:
		return decode(env, &FormatRequest{})
	case KindNotify:
		return decode(env, &NotifyRequest{})
	default:
		return nil, xerr.Wrapf(xerr.EINVAL, "unknown request kind %d", env.Kind)
	}
}

// ReadResponse reads one frame and decodes its body as a response.
// The client side of the connection uses this.
func ReadResponse(r io.Reader) (*Message, error) {
	env, err := readEnvelope(r)
	if err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindPing:
		return decode(env, &PingResponse{})
	case KindReadAlloc, KindWriteAlloc:
		return decode(env, &AllocResponse{})
	case KindRelease:
		return decode(env, &ReleaseResponse{})
	case KindFormat:
		return decode(env, &FormatResponse{})
	case KindNotify:
		return decode(env, &NotifyResponse{})
	case KindError:
		return decode(env, &ErrorResponse{})
	default:
		return nil, xerr.Wrapf(xerr.EINVAL, "unknown response kind %d", env.Kind)
	}
}
