package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode_Frame(t *testing.T) {
	t.Parallel()
	frame := Frame{Type: MessageSync, DocID: "note-42", Body: []byte{0x02, 0xaa, 0xbb}}

	got, err := Decode(Encode(frame))
	require.NoError(t, err)
	require.Equal(t, frame.Type, got.Type)
	require.Equal(t, frame.DocID, got.DocID)
	require.Equal(t, frame.Body, got.Body)
}

func TestDecodeNext_ResynchronizesConcatenatedFrames(t *testing.T) {
	t.Parallel()
	stream := append(EncodeJoin("a"), EncodeLeave("b")...)

	first, rest, err := DecodeNext(stream)
	require.NoError(t, err)
	require.Equal(t, MessageJoin, first.Type)
	require.Equal(t, "a", first.DocID)

	second, rest, err := DecodeNext(rest)
	require.NoError(t, err)
	require.Equal(t, MessageLeave, second.Type)
	require.Equal(t, "b", second.DocID)
	require.Empty(t, rest)
}

func TestDecode_MalformedInputs(t *testing.T) {
	t.Parallel()
	cases := map[string][]byte{
		"empty":              {},
		"zero length frame":  {0x00},
		"truncated frame":    Encode(Frame{Type: MessageJoin, DocID: "abc"})[:3],
		"oversized length":   {0xff, 0xff, 0xff, 0xff, 0x7f},
		"trailing bytes":     append(EncodeJoin("a"), 0xff),
		"docid len past end": {0x03, byte(MessageJoin), 0x10, 0x78},
	}
	for name, input := range cases {
		_, err := Decode(input)
		require.Error(t, err, "case %q", name)
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr), "case %q must yield ProtocolError, got %v", name, err)
	}
}

func TestJoinAck_Roundtrip(t *testing.T) {
	t.Parallel()
	frame, err := Decode(EncodeJoinAck("n1", JoinAck{Success: false, Error: "permission denied"}))
	require.NoError(t, err)
	require.Equal(t, MessageJoinAck, frame.Type)

	ack, err := DecodeJoinAck(frame.Body)
	require.NoError(t, err)
	require.False(t, ack.Success)
	require.Equal(t, "permission denied", ack.Error)
}

func TestSync_SubTypes(t *testing.T) {
	t.Parallel()
	payload := []byte{0xde, 0xad}
	for _, st := range []SyncType{SyncStep1, SyncStep2, SyncUpdate} {
		frame, err := Decode(EncodeSync("n1", st, payload))
		require.NoError(t, err)

		gotType, gotPayload, err := DecodeSync(frame.Body)
		require.NoError(t, err)
		require.Equal(t, st, gotType)
		require.Equal(t, payload, gotPayload)
	}

	_, _, err := DecodeSync([]byte{0x7f, 0x01})
	require.Error(t, err)
	_, _, err = DecodeSync(nil)
	require.Error(t, err)
}

func TestAwareness_RoundtripWithRemoval(t *testing.T) {
	t.Parallel()
	entries := []AwarenessEntry{
		{SessionID: "s1", Clock: 3, State: []byte(`{"userId":"u1"}`)},
		{SessionID: "s2", Clock: 9, State: nil}, // removal
	}
	frame, err := Decode(EncodeAwareness("n1", entries))
	require.NoError(t, err)

	got, err := DecodeAwarenessBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestCursor_Roundtrip(t *testing.T) {
	t.Parallel()
	withSel := Cursor{Position: 12, Selection: &Selection{Start: 4, End: 9}}
	frame, err := Decode(EncodeCursor("n1", withSel))
	require.NoError(t, err)
	got, err := DecodeCursorBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, withSel, got)

	bare := Cursor{Position: 0}
	frame, err = Decode(EncodeCursor("n1", bare))
	require.NoError(t, err)
	got, err = DecodeCursorBody(frame.Body)
	require.NoError(t, err)
	require.Nil(t, got.Selection)
}

func TestCursor_InvertedSelectionRejected(t *testing.T) {
	t.Parallel()
	frame, err := Decode(EncodeCursor("n1", Cursor{Position: 1, Selection: &Selection{Start: 9, End: 4}}))
	require.NoError(t, err)
	_, err = DecodeCursorBody(frame.Body)
	require.Error(t, err)
}

func TestMembership_Roundtrip(t *testing.T) {
	t.Parallel()
	frame, err := Decode(EncodeUserJoined("n1", Membership{UserID: "u7", MemberCount: 3}))
	require.NoError(t, err)
	require.Equal(t, MessageUserJoined, frame.Type)

	got, err := DecodeMembershipBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, "u7", got.UserID)
	require.Equal(t, 3, got.MemberCount)
}

func TestError_Roundtrip(t *testing.T) {
	t.Parallel()
	frame, err := Decode(EncodeError("", "rate limited"))
	require.NoError(t, err)
	require.Equal(t, MessageError, frame.Type)
	require.Empty(t, frame.DocID)

	msg, err := DecodeErrorBody(frame.Body)
	require.NoError(t, err)
	require.Equal(t, "rate limited", msg)
}

// Property: decoding any frame we encode yields the original, and decoding
// never panics on arbitrary prefixes of valid frames.
func testFrame_RoundtripAndTruncation(t *rapid.T) {
	frame := Frame{
		Type:  MessageType(rapid.IntRange(1, 9).Draw(t, "type")),
		DocID: rapid.StringMatching(`[a-zA-Z0-9\-]{0,40}`).Draw(t, "docID"),
		Body:  rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "body"),
	}
	encoded := Encode(frame)

	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("roundtrip decode failed: %v", err)
	}
	if got.Type != frame.Type || got.DocID != frame.DocID || string(got.Body) != string(frame.Body) {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, frame)
	}

	cut := rapid.IntRange(0, len(encoded)-1).Draw(t, "cut")
	if _, err := Decode(encoded[:cut]); err == nil {
		// A truncated frame may only decode cleanly if the cut removed
		// nothing meaningful, which cannot happen below full length.
		t.Fatalf("decoding %d of %d bytes unexpectedly succeeded", cut, len(encoded))
	}
}

func TestFrame_RoundtripAndTruncation(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testFrame_RoundtripAndTruncation)
}
