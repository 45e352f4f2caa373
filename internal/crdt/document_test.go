package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/inkroom/collab/internal/errs"
)

func mustBody(t *testing.T, d *Document) string {
	t.Helper()
	body, err := d.Body()
	require.NoError(t, err)
	return body
}

func TestNewSeeded_ContentVisible(t *testing.T) {
	t.Parallel()
	d, err := NewSeeded("groceries", "milk\neggs")
	require.NoError(t, err)

	title, err := d.Title()
	require.NoError(t, err)
	require.Equal(t, "groceries", title)
	require.Equal(t, "milk\neggs", mustBody(t, d))
}

func TestSnapshotAndLoad_Roundtrip(t *testing.T) {
	t.Parallel()
	d, err := NewSeeded("t", "hello")
	require.NoError(t, err)
	require.NoError(t, d.SpliceBody(5, 0, " world"))

	snap, err := d.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "hello world", snap.Body)

	restored, err := Load(snap.State)
	require.NoError(t, err)
	require.Equal(t, "hello world", mustBody(t, restored))
}

func TestLoad_MalformedStateIsProtocolError(t *testing.T) {
	t.Parallel()
	_, err := Load([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))
}

func TestApplyUpdate_MalformedIsProtocolError(t *testing.T) {
	t.Parallel()
	d, err := NewSeeded("N1", "base")
	require.NoError(t, err)

	for _, payload := range [][]byte{
		nil,
		{0x01, 0x02, 0x03},
		{0xde, 0xad, 0xbe, 0xef},
		{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
	} {
		err = d.ApplyUpdate(payload)
		require.Error(t, err, "payload %x", payload)
		require.True(t, errs.Is(err, errs.Protocol), "payload %x", payload)
	}

	// The replica is untouched by rejected input.
	require.Equal(t, "base", mustBody(t, d))
	require.False(t, d.Dirty())
}

// Concurrent inserts at the same position on two forks of a common root must
// converge to identical content once each side applies the other's update,
// regardless of arrival order.
func TestConvergence_ConcurrentInsertsAtSamePosition(t *testing.T) {
	t.Parallel()
	root, err := NewSeeded("N1", "")
	require.NoError(t, err)

	a, err := root.Fork()
	require.NoError(t, err)
	b, err := root.Fork()
	require.NoError(t, err)

	require.NoError(t, a.SpliceBody(0, 0, "hello"))
	require.NoError(t, b.SpliceBody(0, 0, "world"))

	updA := a.SaveIncremental()
	updB := b.SaveIncremental()
	require.NotEmpty(t, updA)
	require.NotEmpty(t, updB)

	// Opposite arrival orders on the two replicas.
	require.NoError(t, a.ApplyUpdate(updB))
	require.NoError(t, b.ApplyUpdate(updA))

	bodyA := mustBody(t, a)
	bodyB := mustBody(t, b)
	require.Equal(t, bodyA, bodyB)
	require.Len(t, bodyA, len("hello")+len("world"))
}

func TestIdempotence_DuplicateUpdateIsNoop(t *testing.T) {
	t.Parallel()
	root, err := NewSeeded("N1", "base")
	require.NoError(t, err)

	peer, err := root.Fork()
	require.NoError(t, err)
	require.NoError(t, peer.SpliceBody(4, 0, "!"))
	upd := peer.SaveIncremental()

	require.NoError(t, root.ApplyUpdate(upd))
	once := mustBody(t, root)

	require.NoError(t, root.ApplyUpdate(upd))
	require.Equal(t, once, mustBody(t, root))
}

// Property: any interleaving of edits on two forks converges after a full
// exchange, and both replicas agree byte for byte.
func testConvergence_RandomEditScripts(t *rapid.T) {
	root, err := NewSeeded("doc", "seed text")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	a, err := root.Fork()
	if err != nil {
		t.Fatalf("fork a: %v", err)
	}
	b, err := root.Fork()
	if err != nil {
		t.Fatalf("fork b: %v", err)
	}

	edit := func(d *Document, label string) {
		n := rapid.IntRange(0, 4).Draw(t, label+"Edits")
		for i := 0; i < n; i++ {
			body, err := d.Body()
			if err != nil {
				t.Fatalf("body: %v", err)
			}
			pos := rapid.IntRange(0, len([]rune(body))).Draw(t, label+"Pos")
			del := rapid.IntRange(0, len([]rune(body))-pos).Draw(t, label+"Del")
			ins := rapid.StringMatching(`[a-z ]{0,6}`).Draw(t, label+"Ins")
			if err := d.SpliceBody(pos, del, ins); err != nil {
				t.Fatalf("splice: %v", err)
			}
		}
	}
	edit(a, "a")
	edit(b, "b")

	updA := a.SaveIncremental()
	updB := b.SaveIncremental()
	if len(updB) > 0 {
		if err := a.ApplyUpdate(updB); err != nil {
			t.Fatalf("apply b->a: %v", err)
		}
	}
	if len(updA) > 0 {
		if err := b.ApplyUpdate(updA); err != nil {
			t.Fatalf("apply a->b: %v", err)
		}
	}

	bodyA, err := a.Body()
	if err != nil {
		t.Fatalf("body a: %v", err)
	}
	bodyB, err := b.Body()
	if err != nil {
		t.Fatalf("body b: %v", err)
	}
	if bodyA != bodyB {
		t.Fatalf("replicas diverged: %q vs %q", bodyA, bodyB)
	}
}

func TestConvergence_RandomEditScripts(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testConvergence_RandomEditScripts)
}

// The two-phase handshake brings a brand new replica to the full document
// state: step 1 advertises what each side has, step 2 ships what is missing.
func TestSyncPeer_HandshakeTransfersState(t *testing.T) {
	t.Parallel()
	server, err := NewSeeded("title", "server content")
	require.NoError(t, err)

	client, err := New()
	require.NoError(t, err)

	sp := server.NewSyncPeer()
	cp := client.NewSyncPeer()

	// Pump messages both ways until neither side owes anything.
	for i := 0; i < 20; i++ {
		moved := false
		for _, msg := range sp.Generate() {
			require.NoError(t, cp.Receive(msg))
			moved = true
		}
		for _, msg := range cp.Generate() {
			require.NoError(t, sp.Receive(msg))
			moved = true
		}
		if !moved {
			break
		}
	}

	require.Equal(t, "server content", mustBody(t, client))
}

func TestSnapshotIfDirty_TracksChanges(t *testing.T) {
	t.Parallel()
	d, err := NewSeeded("t", "x")
	require.NoError(t, err)

	// Freshly created documents have nothing to flush.
	_, ok, err := d.SnapshotIfDirty()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.SpliceBody(1, 0, "y"))
	snap, ok, err := d.SnapshotIfDirty()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xy", snap.Body)

	// Flag cleared by the successful snapshot.
	_, ok, err = d.SnapshotIfDirty()
	require.NoError(t, err)
	require.False(t, ok)
}
