package command

import (
	"encoding/binary"
	"errors"
)

// frameHeaderLen is [code:uint16][length:uint16]; both control sockets
// are message-oriented (SOCK_DGRAM and SOCK_SEQPACKET both preserve
// record boundaries), so a Frame maps 1:1 onto a single datagram and
// needs no stream-framing beyond this length check.
const frameHeaderLen = 4

// MaxFrameLen bounds a single frame's body; SHOW_* replies that would
// exceed it are paginated by the caller rather than sent as one frame.
const MaxFrameLen = 1 << 16

var ErrShortFrame = errors.New("command: frame shorter than its header declares")

// Frame is one message on either control socket.
type Frame struct {
	Code Code
	Body []byte
}

// Marshal encodes f into a self-contained byte slice.
func (f Frame) Marshal() []byte {
	buf := make([]byte, frameHeaderLen+len(f.Body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Code))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Body)))
	copy(buf[frameHeaderLen:], f.Body)
	return buf
}

// Unmarshal decodes a Frame out of a single received datagram.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < frameHeaderLen {
		return Frame{}, ErrShortFrame
	}
	code := Code(binary.BigEndian.Uint16(b[0:2]))
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if frameHeaderLen+n > len(b) {
		return Frame{}, ErrShortFrame
	}
	body := append([]byte(nil), b[frameHeaderLen:frameHeaderLen+n]...)
	return Frame{Code: code, Body: body}, nil
}

// Result is the body of every CodeResult reply.
type Result struct {
	OK      bool
	Message string
}

func (r Result) Marshal() []byte {
	buf := make([]byte, 1+len(r.Message))
	if r.OK {
		buf[0] = 1
	}
	copy(buf[1:], r.Message)
	return buf
}

func UnmarshalResult(b []byte) (Result, error) {
	if len(b) < 1 {
		return Result{}, ErrShortFrame
	}
	return Result{OK: b[0] != 0, Message: string(b[1:])}, nil
}

// Ok builds a successful result frame.
func Ok(message string) Frame {
	return Frame{Code: CodeResult, Body: Result{OK: true, Message: message}.Marshal()}
}

// Fail builds a failed result frame. PR-table semantic errors and
// cross-namespace RPC failures both surface this way: formatted text
// back to the caller, never logged as an error at the call site.
func Fail(err error) Frame {
	return Frame{Code: CodeResult, Body: Result{OK: false, Message: err.Error()}.Marshal()}
}
