/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCodeFormat(t *testing.T) {
	m := newTestManager(&stubProvider{})
	format := regexp.MustCompile(`^[A-Z]{4}$`)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		code, err := m.CreateGame(newTestClient(), "Host")
		require.NoError(t, err)
		assert.Regexp(t, format, code)
		assert.False(t, seen[code], "codes must be unique among live rooms")
		seen[code] = true
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	m := newTestManager(&stubProvider{})

	code, err := m.CreateGame(newTestClient(), "Host")
	require.NoError(t, err)

	_, exists := m.Lookup(code)
	assert.True(t, exists)

	lowered, exists := m.Lookup(strings.ToLower(code))
	assert.True(t, exists)
	assert.Equal(t, code, lowered.code)

	_, exists = m.Lookup("ZZZZZ")
	assert.False(t, exists)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(&stubProvider{})

	code, err := m.CreateGame(newTestClient(), "Host")
	require.NoError(t, err)

	m.Remove(code)
	m.Remove(code)

	_, exists := m.Lookup(code)
	assert.False(t, exists)
}

func TestDeliverDropsStaleCompletions(t *testing.T) {
	m := newTestManager(&stubProvider{})

	called := false
	m.deliver("GONE", func(*Room) {
		called = true
	})
	assert.False(t, called)

	code, err := m.CreateGame(newTestClient(), "Host")
	require.NoError(t, err)

	m.deliver(code, func(*Room) {
		called = true
	})
	assert.True(t, called)
}

func TestDisconnectTouchesOnlyMemberRooms(t *testing.T) {
	m := newTestManager(&stubProvider{})

	alice := newTestClient()
	codeA, err := m.CreateGame(alice, "Alice")
	require.NoError(t, err)

	bob := newTestClient()
	codeB, err := m.CreateGame(bob, "Bob")
	require.NoError(t, err)

	m.Disconnect(alice)

	_, exists := m.Lookup(codeA)
	assert.False(t, exists)

	snap, ok := stateOf(m, codeB)
	require.True(t, ok)
	assert.Len(t, snap.Players, 1)
	assert.Equal(t, bob.id, snap.Players[0].ID)

	// Disconnecting a client that is in no room is harmless.
	m.Disconnect(alice)
}

func TestIdleRoomDetection(t *testing.T) {
	m := newTestManager(&stubProvider{})

	code, err := m.CreateGame(newTestClient(), "Host")
	require.NoError(t, err)

	room, exists := m.Lookup(code)
	require.True(t, exists)

	assert.False(t, room.idle(time.Now().Add(-time.Minute)))

	room.mu.Lock()
	room.lastActive = time.Now().Add(-2 * time.Hour)
	room.mu.Unlock()

	assert.True(t, room.idle(time.Now().Add(-time.Hour)))
}
