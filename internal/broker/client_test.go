package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

func TestAdmitSubGlobalCap(t *testing.T) {
	cfg := testConfig()
	cfg.ClientsSubsTotal = 10
	b := New(cfg, zerolog.Nop())

	b.subsTotal.Store(9)
	assert.True(t, b.admitSub(0))

	b.subsTotal.Store(10)
	assert.False(t, b.admitSub(0), "global cap is absolute")
}

func TestAdmitSubFairnessDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.ClientsSubsTotal = 100
	cfg.ClientsSubsPressure = 0
	b := New(cfg, zerolog.Nop())

	b.subsTotal.Store(99)
	assert.True(t, b.admitSub(99), "no per-client limit without pressure")
}

func TestAdmitSubUnderPressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 10
	cfg.ClientsSubsTotal = 100
	cfg.ClientsSubsPressure = 80
	cfg.ClientsSubsMin = 2
	b := New(cfg, zerolog.Nop())

	// Below the pressure threshold (20% of the cap) everyone is
	// admitted.
	b.subsTotal.Store(19)
	assert.True(t, b.admitSub(1000))

	// At the threshold the per-client limit kicks in:
	// (100/10) * (20/(0.05*80) - 3) = 10 * 2 = 20.
	b.subsTotal.Store(20)
	assert.True(t, b.admitSub(19))
	assert.False(t, b.admitSub(20))
}

func TestAdmitSubMinimumGuarantee(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClients = 10
	cfg.ClientsSubsTotal = 100
	cfg.ClientsSubsPressure = 100 // limit formula yields 10 * (4-3) = 10
	cfg.ClientsSubsMin = 30
	b := New(cfg, zerolog.Nop())

	b.subsTotal.Store(50)
	assert.True(t, b.admitSub(29), "the floor overrides the formula")
	assert.False(t, b.admitSub(30))
}

func TestSubLifecycle(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/room", nil, nil, nil, false)
	require.NoError(t, err)
	c, _ := newTestClient(b)

	sub := ev.subGet("", true)

	require.Equal(t, subCreated, c.subAdd(sub))
	assert.Equal(t, int64(1), b.subsTotal.Load())

	// Pending entries are invisible to delivery.
	assert.False(t, c.subActive(sub))
	assert.Equal(t, 0, sub.subscribers.Len())

	require.Equal(t, subActive, c.subAccept(sub))
	assert.True(t, c.subActive(sub))
	assert.Equal(t, 1, sub.subscribers.Len())

	assert.True(t, c.subRemove(sub))
	assert.Equal(t, 0, sub.subscribers.Len())
	assert.Equal(t, int64(0), b.subsTotal.Load())
}

func TestSubRemoveWhilePendingTombstones(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/room", nil, nil, nil, false)
	require.NoError(t, err)
	c, _ := newTestClient(b)

	sub := ev.subGet("", true)
	require.Equal(t, subCreated, c.subAdd(sub))

	// Unsubscribe before acceptance: deferred, not removed.
	assert.False(t, c.subRemove(sub))

	// Acceptance finds the tombstone and cleans up instead of
	// activating.
	assert.Equal(t, subTombstoned, c.subAccept(sub))
	assert.Equal(t, 0, sub.subscribers.Len())
	assert.Equal(t, int64(0), b.subsTotal.Load())
	assert.Nil(t, ev.subGet("", false), "no holders left")
}

func TestSubAddDuplicateStates(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/room", nil, nil, nil, false)
	require.NoError(t, err)
	c, _ := newTestClient(b)

	sub := ev.subGet("", true)
	require.Equal(t, subCreated, c.subAdd(sub))
	assert.Equal(t, subPending, c.subAdd(sub))

	require.Equal(t, subActive, c.subAccept(sub))
	assert.Equal(t, subActive, c.subAdd(sub))
}

func TestSubRejectReleasesEntry(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/room", nil, nil, nil, false)
	require.NoError(t, err)
	c, _ := newTestClient(b)

	sub := ev.subGet("", true)
	require.Equal(t, subCreated, c.subAdd(sub))

	c.subReject(sub)
	assert.Equal(t, int64(0), b.subsTotal.Load())
	assert.Nil(t, ev.subGet("", false))
}

func TestSubGetSharesOneSubscription(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/room", nil, nil, nil, false)
	require.NoError(t, err)

	s1 := ev.subGet("", true)
	s2 := ev.subGet("", true)
	assert.Same(t, s1, s2)

	s1.Unref()
	assert.NotNil(t, ev.subGet("", false), "one holder remains")
	ev.subGet("", false).Unref() // drop the lookup ref just taken
	s2.Unref()
	assert.Nil(t, ev.subGet("", false))
}

func TestSubGetDistinctExtras(t *testing.T) {
	b := newTestBroker(t)
	ev, err := b.Register("/chat", nil, nil, nil, true)
	require.NoError(t, err)

	root := ev.subGet("", true)
	lobby := ev.subGet("/lobby", true)
	assert.NotSame(t, root, lobby)
	assert.Equal(t, "/lobby", lobby.Extra())

	root.Unref()
	lobby.Unref()
}
