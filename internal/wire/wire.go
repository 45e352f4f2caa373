// Package wire implements the binary framing for sync and presence
// messages. Every frame is varint length-prefixed and starts with a
// message-type tag, so a stream reader can always resynchronize on the next
// frame boundary. Malformed input produces a ProtocolError; the transport
// drops the message and keeps the connection alive.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType tags a frame.
type MessageType byte

const (
	MessageJoin       MessageType = 0x01
	MessageJoinAck    MessageType = 0x02
	MessageLeave      MessageType = 0x03
	MessageSync       MessageType = 0x04
	MessageAwareness  MessageType = 0x05
	MessageCursor     MessageType = 0x06
	MessageUserJoined MessageType = 0x07
	MessageUserLeft   MessageType = 0x08
	MessageError      MessageType = 0x09
)

func (t MessageType) String() string {
	switch t {
	case MessageJoin:
		return "join"
	case MessageJoinAck:
		return "join-ack"
	case MessageLeave:
		return "leave"
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageCursor:
		return "cursor"
	case MessageUserJoined:
		return "user-joined"
	case MessageUserLeft:
		return "user-left"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// SyncType tags the payload inside a sync frame.
type SyncType byte

const (
	// SyncStep1 advertises what the sender has (a state summary).
	SyncStep1 SyncType = 0x00
	// SyncStep2 answers a step-1 with exactly the missing changes.
	SyncStep2 SyncType = 0x01
	// SyncUpdate carries an incremental update from a synced session.
	SyncUpdate SyncType = 0x02
)

const (
	// maxFrameSize bounds a single decoded frame. A full document snapshot
	// travels inside sync frames, so this is generous but still finite.
	maxFrameSize = 16 << 20
	// maxStringSize bounds embedded strings (doc ids, user ids, errors).
	maxStringSize = 1 << 16
)

// ProtocolError reports malformed wire input.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Frame is one decoded wire message.
type Frame struct {
	Type  MessageType
	DocID string
	Body  []byte
}

// Encode serializes a frame: uvarint total length, type tag, doc id, body.
func Encode(f Frame) []byte {
	payload := make([]byte, 0, 2+len(f.DocID)+len(f.Body)+4)
	payload = append(payload, byte(f.Type))
	payload = appendString(payload, f.DocID)
	payload = append(payload, f.Body...)

	out := binary.AppendUvarint(make([]byte, 0, len(payload)+4), uint64(len(payload)))
	return append(out, payload...)
}

// Decode parses exactly one frame from b. Trailing bytes are an error; use
// DecodeNext for concatenated streams.
func Decode(b []byte) (Frame, error) {
	f, rest, err := DecodeNext(b)
	if err != nil {
		return Frame{}, err
	}
	if len(rest) != 0 {
		return Frame{}, protoErr("%d trailing bytes after frame", len(rest))
	}
	return f, nil
}

// DecodeNext parses the first frame from b and returns the remainder, so a
// reader that lost alignment can skip to the next length boundary.
func DecodeNext(b []byte) (Frame, []byte, error) {
	size, n := binary.Uvarint(b)
	if n <= 0 {
		return Frame{}, nil, protoErr("missing frame length")
	}
	if size > maxFrameSize {
		return Frame{}, nil, protoErr("frame of %d bytes exceeds limit", size)
	}
	b = b[n:]
	if uint64(len(b)) < size {
		return Frame{}, nil, protoErr("truncated frame: have %d of %d bytes", len(b), size)
	}
	payload, rest := b[:size], b[size:]

	if len(payload) == 0 {
		return Frame{}, nil, protoErr("empty frame payload")
	}
	f := Frame{Type: MessageType(payload[0])}
	docID, body, err := readString(payload[1:])
	if err != nil {
		return Frame{}, nil, err
	}
	f.DocID = docID
	f.Body = body
	return f, rest, nil
}

// EncodeJoin builds a join request for a document.
func EncodeJoin(docID string) []byte {
	return Encode(Frame{Type: MessageJoin, DocID: docID})
}

// JoinAck acknowledges a join request.
type JoinAck struct {
	Success bool
	Error   string
}

// EncodeJoinAck builds the acknowledgement for a join request.
func EncodeJoinAck(docID string, ack JoinAck) []byte {
	body := make([]byte, 0, 2+len(ack.Error))
	if ack.Success {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = appendString(body, ack.Error)
	return Encode(Frame{Type: MessageJoinAck, DocID: docID, Body: body})
}

// DecodeJoinAck parses a join-ack frame body.
func DecodeJoinAck(body []byte) (JoinAck, error) {
	if len(body) < 1 {
		return JoinAck{}, protoErr("join-ack too short")
	}
	msg, rest, err := readString(body[1:])
	if err != nil {
		return JoinAck{}, err
	}
	if len(rest) != 0 {
		return JoinAck{}, protoErr("trailing bytes in join-ack")
	}
	return JoinAck{Success: body[0] == 1, Error: msg}, nil
}

// EncodeLeave builds a leave notification for a document.
func EncodeLeave(docID string) []byte {
	return Encode(Frame{Type: MessageLeave, DocID: docID})
}

// EncodeSync wraps a sync payload with its sub-type tag.
func EncodeSync(docID string, st SyncType, payload []byte) []byte {
	body := make([]byte, 0, 1+len(payload))
	body = append(body, byte(st))
	body = append(body, payload...)
	return Encode(Frame{Type: MessageSync, DocID: docID, Body: body})
}

// DecodeSync splits a sync frame body into sub-type and payload.
func DecodeSync(body []byte) (SyncType, []byte, error) {
	if len(body) < 1 {
		return 0, nil, protoErr("sync body missing sub-type")
	}
	st := SyncType(body[0])
	switch st {
	case SyncStep1, SyncStep2, SyncUpdate:
		return st, body[1:], nil
	default:
		return 0, nil, protoErr("unknown sync sub-type 0x%02x", body[0])
	}
}

// AwarenessEntry is one session's presence record on the wire. A zero-length
// State means the entry was removed.
type AwarenessEntry struct {
	SessionID string
	Clock     uint64
	State     []byte
}

// EncodeAwareness builds an awareness frame carrying the given entries.
func EncodeAwareness(docID string, entries []AwarenessEntry) []byte {
	body := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		body = appendString(body, e.SessionID)
		body = binary.AppendUvarint(body, e.Clock)
		body = binary.AppendUvarint(body, uint64(len(e.State)))
		body = append(body, e.State...)
	}
	return Encode(Frame{Type: MessageAwareness, DocID: docID, Body: body})
}

// DecodeAwarenessBody parses the entries of an awareness frame body.
func DecodeAwarenessBody(body []byte) ([]AwarenessEntry, error) {
	count, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, protoErr("awareness body missing entry count")
	}
	if count > 4096 {
		return nil, protoErr("awareness entry count %d exceeds limit", count)
	}
	body = body[n:]
	entries := make([]AwarenessEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		sessionID, rest, err := readString(body)
		if err != nil {
			return nil, err
		}
		body = rest
		clock, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, protoErr("awareness entry %d missing clock", i)
		}
		body = body[n:]
		stateLen, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, protoErr("awareness entry %d missing state length", i)
		}
		body = body[n:]
		if stateLen > maxFrameSize || uint64(len(body)) < stateLen {
			return nil, protoErr("awareness entry %d state truncated", i)
		}
		state := make([]byte, stateLen)
		copy(state, body[:stateLen])
		if stateLen == 0 {
			state = nil
		}
		body = body[stateLen:]
		entries = append(entries, AwarenessEntry{SessionID: sessionID, Clock: clock, State: state})
	}
	if len(body) != 0 {
		return nil, protoErr("trailing bytes in awareness body")
	}
	return entries, nil
}

// Selection is an inclusive-start, exclusive-end range of cursor selection.
type Selection struct {
	Start int
	End   int
}

// Cursor is the lightweight cursor-only presence payload.
type Cursor struct {
	Position  int
	Selection *Selection
}

// EncodeCursor builds a cursor frame.
func EncodeCursor(docID string, c Cursor) []byte {
	body := make([]byte, 0, 16)
	if c.Selection != nil {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = binary.AppendUvarint(body, uint64(c.Position))
	if c.Selection != nil {
		body = binary.AppendUvarint(body, uint64(c.Selection.Start))
		body = binary.AppendUvarint(body, uint64(c.Selection.End))
	}
	return Encode(Frame{Type: MessageCursor, DocID: docID, Body: body})
}

// DecodeCursorBody parses a cursor frame body.
func DecodeCursorBody(body []byte) (Cursor, error) {
	if len(body) < 1 {
		return Cursor{}, protoErr("cursor body too short")
	}
	hasSelection := body[0] == 1
	body = body[1:]
	pos, n := binary.Uvarint(body)
	if n <= 0 {
		return Cursor{}, protoErr("cursor body missing position")
	}
	body = body[n:]
	c := Cursor{Position: int(pos)}
	if hasSelection {
		start, n := binary.Uvarint(body)
		if n <= 0 {
			return Cursor{}, protoErr("cursor selection missing start")
		}
		body = body[n:]
		end, n := binary.Uvarint(body)
		if n <= 0 {
			return Cursor{}, protoErr("cursor selection missing end")
		}
		body = body[n:]
		if end < start {
			return Cursor{}, protoErr("cursor selection end %d before start %d", end, start)
		}
		c.Selection = &Selection{Start: int(start), End: int(end)}
	}
	if len(body) != 0 {
		return Cursor{}, protoErr("trailing bytes in cursor body")
	}
	return c, nil
}

// Membership is the payload of user-joined and user-left notifications.
type Membership struct {
	UserID      string
	MemberCount int
}

// EncodeUserJoined builds a user-joined notification.
func EncodeUserJoined(docID string, m Membership) []byte {
	return Encode(Frame{Type: MessageUserJoined, DocID: docID, Body: membershipBody(m)})
}

// EncodeUserLeft builds a user-left notification.
func EncodeUserLeft(docID string, m Membership) []byte {
	return Encode(Frame{Type: MessageUserLeft, DocID: docID, Body: membershipBody(m)})
}

func membershipBody(m Membership) []byte {
	body := appendString(nil, m.UserID)
	return binary.AppendUvarint(body, uint64(m.MemberCount))
}

// DecodeMembershipBody parses a user-joined or user-left frame body.
func DecodeMembershipBody(body []byte) (Membership, error) {
	userID, rest, err := readString(body)
	if err != nil {
		return Membership{}, err
	}
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return Membership{}, protoErr("membership body missing count")
	}
	if len(rest[n:]) != 0 {
		return Membership{}, protoErr("trailing bytes in membership body")
	}
	return Membership{UserID: userID, MemberCount: int(count)}, nil
}

// EncodeError builds a non-fatal error frame. DocID may be empty when the
// error is not scoped to a document.
func EncodeError(docID, message string) []byte {
	return Encode(Frame{Type: MessageError, DocID: docID, Body: appendString(nil, message)})
}

// DecodeErrorBody parses an error frame body.
func DecodeErrorBody(body []byte) (string, error) {
	msg, rest, err := readString(body)
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", protoErr("trailing bytes in error body")
	}
	return msg, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	size, n := binary.Uvarint(b)
	if n <= 0 {
		return "", nil, protoErr("missing string length")
	}
	if size > maxStringSize {
		return "", nil, protoErr("string of %d bytes exceeds limit", size)
	}
	b = b[n:]
	if uint64(len(b)) < size {
		return "", nil, protoErr("truncated string: have %d of %d bytes", len(b), size)
	}
	return string(b[:size]), b[size:], nil
}
