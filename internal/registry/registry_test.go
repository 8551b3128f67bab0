package registry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrelay/internal/testutil"
	"medrelay/pkg/types"
)

func TestAttachCreatesSession(t *testing.T) {
	r := New(zerolog.Nop())
	conn := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")

	prior := r.Attach(conn)
	assert.Nil(t, prior)
	assert.Equal(t, 1, r.Count("s1"))

	m, ok := r.Lookup("s1", "prov-1")
	require.True(t, ok)
	assert.True(t, m.Online)
	assert.Equal(t, conn.ClientID(), m.ClientID)
}

func TestAttachReplacesPriorConnection(t *testing.T) {
	r := New(zerolog.Nop())
	first := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	second := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")

	require.Nil(t, r.Attach(first))
	prior := r.Attach(second)
	require.NotNil(t, prior)
	assert.Equal(t, first.ConnectionID(), prior.ConnectionID())

	// Exactly one live connection for the participant afterward.
	assert.Equal(t, 1, r.Count("s1"))
	got, ok := r.Get("s1", "prov-1")
	require.True(t, ok)
	assert.Equal(t, second.ConnectionID(), got.ConnectionID())
}

func TestDetachGuardsByConnectionInstance(t *testing.T) {
	r := New(zerolog.Nop())
	first := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	second := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")

	r.Attach(first)
	r.Attach(second)

	// The replaced connection's cleanup must not unregister its successor.
	assert.False(t, r.Detach("s1", "prov-1", first.ConnectionID()))
	assert.Equal(t, 1, r.Count("s1"))

	assert.True(t, r.Detach("s1", "prov-1", second.ConnectionID()))
	assert.Equal(t, 0, r.Count("s1"))
}

func TestNoZombieSessions(t *testing.T) {
	r := New(zerolog.Nop())
	conn := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	r.Attach(conn)
	r.Detach("s1", "prov-1", conn.ConnectionID())

	// count(S) == 0 implies S is absent.
	assert.Equal(t, 0, r.Count("s1"))
	assert.Empty(t, r.Sessions())
	_, ok := r.Lookup("s1", "prov-1")
	assert.False(t, ok)
}

func TestSessionEndFiresExactlyOnce(t *testing.T) {
	r := New(zerolog.Nop())
	ends := 0
	r.OnSessionEnd(func(sessionID, reason string) {
		assert.Equal(t, "s1", sessionID)
		ends++
	})

	prov := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	pat := testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana")
	r.Attach(prov)
	r.Attach(pat)

	r.Detach("s1", "pat-1", pat.ConnectionID())
	assert.Zero(t, ends, "session still has an online member")

	r.Detach("s1", "prov-1", prov.ConnectionID())
	assert.Equal(t, 1, ends)

	// Repeated detach attempts never re-fire the notification.
	r.Detach("s1", "prov-1", prov.ConnectionID())
	assert.Equal(t, 1, ends)
}

func TestOfflineMemberRetainedWhileOthersOnline(t *testing.T) {
	r := New(zerolog.Nop())
	prov := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	pat := testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana")
	r.Attach(prov)
	r.Attach(pat)

	r.Detach("s1", "pat-1", pat.ConnectionID())

	list := r.List("s1")
	require.Len(t, list, 2)
	assert.Equal(t, "prov-1", list[0].ID)
	assert.True(t, list[0].Online)
	assert.Equal(t, "pat-1", list[1].ID)
	assert.False(t, list[1].Online)

	// The offline member is a queue target, not a live connection.
	_, ok := r.Get("s1", "pat-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count("s1"))

	snapshot := r.Snapshot("s1")
	require.Len(t, snapshot, 2)
	assert.Nil(t, snapshot[1].Conn)
}

func TestListPreservesInsertionOrder(t *testing.T) {
	r := New(zerolog.Nop())
	ids := []string{"prov-1", "pat-1", "adm-1"}
	roles := []string{types.RoleProvider, types.RolePatient, types.RoleAdmin}
	for i, id := range ids {
		r.Attach(testutil.NewMockConn("s1", id, roles[i], id))
	}

	list := r.List("s1")
	require.Len(t, list, 3)
	for i, id := range ids {
		assert.Equal(t, id, list[i].ID)
	}
}

func TestUnknownSessionQueries(t *testing.T) {
	r := New(zerolog.Nop())
	assert.Zero(t, r.Count("nope"))
	assert.Nil(t, r.List("nope"))
	assert.Nil(t, r.Snapshot("nope"))
	assert.Nil(t, r.RemoveSession("nope", "whatever"))
	assert.False(t, r.Detach("nope", "p", "c"))
}

func TestRemoveSessionReturnsLiveConnections(t *testing.T) {
	r := New(zerolog.Nop())
	ends := 0
	r.OnSessionEnd(func(string, string) { ends++ })

	prov := testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen")
	pat := testutil.NewMockConn("s1", "pat-1", types.RolePatient, "Ana")
	r.Attach(prov)
	r.Attach(pat)
	r.Detach("s1", "pat-1", pat.ConnectionID())

	conns := r.RemoveSession("s1", "admin close")
	assert.Len(t, conns, 1)
	assert.Equal(t, 1, ends)
	assert.Empty(t, r.Sessions())
}

func TestStats(t *testing.T) {
	r := New(zerolog.Nop())
	r.Attach(testutil.NewMockConn("s1", "prov-1", types.RoleProvider, "Dr. Chen"))
	r.Attach(testutil.NewMockConn("s2", "pat-1", types.RolePatient, "Ana"))

	stats := r.Stats()
	assert.Equal(t, 2, stats["active_sessions"])
	assert.Equal(t, 2, stats["total_connections"])
}
