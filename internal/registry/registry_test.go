package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingSink captures frames for assertions.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestJoinLeave_Counts(t *testing.T) {
	t.Parallel()
	r := New()

	require.Equal(t, 1, r.Join("d1", "s1"))
	require.Equal(t, 2, r.Join("d1", "s2"))
	require.Equal(t, 2, r.Join("d1", "s2"), "duplicate join is idempotent")
	require.Equal(t, 2, r.Count("d1"))
	require.ElementsMatch(t, []string{"s1", "s2"}, r.MembersOf("d1"))

	count, wasMember := r.Leave("d1", "s1")
	require.True(t, wasMember)
	require.Equal(t, 1, count)

	count, wasMember = r.Leave("d1", "s1")
	require.False(t, wasMember, "second leave is a no-op")
	require.Equal(t, 1, count)

	count, wasMember = r.Leave("d1", "s2")
	require.True(t, wasMember)
	require.Equal(t, 0, count)
	require.Empty(t, r.MembersOf("d1"))
}

func TestSessionCanJoinMultipleDocuments(t *testing.T) {
	t.Parallel()
	r := New()
	r.Join("d1", "s1")
	r.Join("d2", "s1")

	require.Equal(t, 1, r.Count("d1"))
	require.Equal(t, 1, r.Count("d2"))

	r.Leave("d1", "s1")
	require.Equal(t, 0, r.Count("d1"))
	require.Equal(t, 1, r.Count("d2"), "memberships are independent per document")
}

func TestBroadcast_ExcludesOriginator(t *testing.T) {
	t.Parallel()
	r := New()
	a, b, c := &recordingSink{}, &recordingSink{}, &recordingSink{}
	r.Register("sa", a)
	r.Register("sb", b)
	r.Register("sc", c)
	r.Join("d1", "sa")
	r.Join("d1", "sb")
	r.Join("d2", "sc")

	r.Broadcast("d1", "sa", []byte("update"))

	require.Equal(t, 0, a.count(), "originator must not receive its own frame")
	require.Equal(t, 1, b.count())
	require.Equal(t, 0, c.count(), "other documents must not receive the frame")
}

func TestBroadcast_EmptyExcludeReachesEveryone(t *testing.T) {
	t.Parallel()
	r := New()
	a, b := &recordingSink{}, &recordingSink{}
	r.Register("sa", a)
	r.Register("sb", b)
	r.Join("d1", "sa")
	r.Join("d1", "sb")

	r.Broadcast("d1", "", []byte("notice"))

	require.Equal(t, 1, a.count())
	require.Equal(t, 1, b.count())
}

func TestSendTo(t *testing.T) {
	t.Parallel()
	r := New()
	a := &recordingSink{}
	r.Register("sa", a)

	require.True(t, r.SendTo("sa", []byte("x")))
	require.False(t, r.SendTo("missing", []byte("x")))
	require.Equal(t, 1, a.count())

	r.Deregister("sa")
	require.False(t, r.SendTo("sa", []byte("x")))
}

func TestBroadcast_ConcurrentWithMembershipChanges(t *testing.T) {
	t.Parallel()
	r := New()
	sink := &recordingSink{}
	r.Register("stable", sink)
	r.Join("d1", "stable")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for j := 0; j < 50; j++ {
				r.Register(id, &recordingSink{})
				r.Join("d1", id)
				r.Broadcast("d1", id, []byte("u"))
				r.Leave("d1", id)
				r.Deregister(id)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, r.Count("d1"))
	require.Equal(t, 200, sink.count())
}
