package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	engine := webrtc.MediaEngine{}
	require.NoError(t, engine.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&engine))

	reg := NewRegistry(api, nil, zaptest.NewLogger(t))
	t.Cleanup(reg.CloseAll)
	return reg
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestUpsertIsIdempotentAndClosesOldLink(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Upsert("peer-1", true, nil)
	require.NoError(t, err)

	second, err := reg.Upsert("peer-1", false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Len(), "exactly one live link per remote id")
	assert.NotSame(t, first, second)
	assert.False(t, second.Initiator())

	require.Eventually(t, func() bool {
		return first.PC().ConnectionState() == webrtc.PeerConnectionStateClosed
	}, 2*time.Second, 10*time.Millisecond, "replaced connection must be fully closed")

	got, ok := reg.Get("peer-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRemoveUnknownIsSafe(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Remove("never-seen")
	assert.Equal(t, 0, reg.Len())
}

func TestOrphanCandidatesMoveOntoNewLink(t *testing.T) {
	reg := newTestRegistry(t)

	reg.QueueOrphan("peer-1", candidate("a"))
	reg.QueueOrphan("peer-1", candidate("b"))

	link, err := reg.Upsert("peer-1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, link.PendingCount())

	// Buffers do not leak into the registry once transferred.
	reg.Remove("peer-1")
	link2, err := reg.Upsert("peer-1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, link2.PendingCount())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	reg := newTestRegistry(t)

	offerer, err := reg.Upsert("offerer", true, nil)
	require.NoError(t, err)
	responder, err := reg.Upsert("responder", false, nil)
	require.NoError(t, err)

	// Candidates before the remote description must buffer, not apply.
	var applied []string
	responder.addCandidate = func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}

	require.NoError(t, responder.HandleCandidate(candidate("one")))
	require.NoError(t, responder.HandleCandidate(candidate("two")))
	require.NoError(t, responder.HandleCandidate(candidate("three")))
	assert.Empty(t, applied)
	assert.Equal(t, 3, responder.PendingCount())
	assert.False(t, responder.RemoteDescriptionSet())

	_, err = offerer.PC().CreateDataChannel("probe", nil)
	require.NoError(t, err)
	offer, err := offerer.PC().CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.PC().SetLocalDescription(offer))

	require.NoError(t, responder.SetRemoteDescription(offer))
	assert.Equal(t, []string{"one", "two", "three"}, applied, "drain preserves arrival order")
	assert.Equal(t, 0, responder.PendingCount())

	// Later candidates apply straight through.
	require.NoError(t, responder.HandleCandidate(candidate("four")))
	assert.Equal(t, []string{"one", "two", "three", "four"}, applied)
}

func TestHandleCandidateSurfacesApplyError(t *testing.T) {
	reg := newTestRegistry(t)

	offerer, err := reg.Upsert("offerer", true, nil)
	require.NoError(t, err)
	responder, err := reg.Upsert("responder", false, nil)
	require.NoError(t, err)

	_, err = offerer.PC().CreateDataChannel("probe", nil)
	require.NoError(t, err)
	offer, err := offerer.PC().CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.PC().SetLocalDescription(offer))
	require.NoError(t, responder.SetRemoteDescription(offer))

	boom := errors.New("boom")
	responder.addCandidate = func(webrtc.ICECandidateInit) error { return boom }
	assert.ErrorIs(t, responder.HandleCandidate(candidate("x")), boom)
}

func TestForEachVisitsEveryLink(t *testing.T) {
	reg := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Upsert(id, false, nil)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	reg.ForEach(func(l *Link) { seen[l.RemoteID()] = true })
	assert.Len(t, seen, 3)
}

func TestCloseAll(t *testing.T) {
	reg := newTestRegistry(t)

	link, err := reg.Upsert("a", false, nil)
	require.NoError(t, err)
	reg.QueueOrphan("b", candidate("x"))

	reg.CloseAll()
	assert.Equal(t, 0, reg.Len())
	require.Eventually(t, func() bool {
		return link.PC().ConnectionState() == webrtc.PeerConnectionStateClosed
	}, 2*time.Second, 10*time.Millisecond)

	// Orphans were discarded with everything else.
	fresh, err := reg.Upsert("b", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.PendingCount())
}

func TestGraceArming(t *testing.T) {
	reg := newTestRegistry(t)
	link, err := reg.Upsert("a", false, nil)
	require.NoError(t, err)

	assert.True(t, link.TryArmGrace())
	assert.False(t, link.TryArmGrace(), "second observer must not double-arm")
	link.DisarmGrace()
	assert.True(t, link.TryArmGrace())
}
