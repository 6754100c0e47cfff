/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nextMessage pops one queued outbound message, failing the test if the
// buffer is empty.
func nextMessage(t *testing.T, c *client) any {
	t.Helper()

	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("no message queued")
		return nil
	}
}

func drainMessages(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestDispatchCreateGameAckPrecedesState(t *testing.T) {
	m := newTestManager(&stubProvider{})
	c := newTestClient()

	c.dispatch(m, clientMessage{Type: "createGame", PlayerName: "Alice"})

	created, ok := nextMessage(t, c).(createdMessage)
	require.True(t, ok, "first message must be the created ack")
	assert.Equal(t, "created", created.Type)
	assert.Len(t, created.RoomCode, codeLength)

	state, ok := nextMessage(t, c).(snapshot)
	require.True(t, ok, "second message must be the initial state")
	assert.Equal(t, created.RoomCode, state.RoomCode)
	assert.Len(t, state.Players, 1)
	assert.True(t, state.Players[0].IsHost)
}

func TestDispatchJoinGameAckPrecedesState(t *testing.T) {
	m := newTestManager(&stubProvider{})

	host := newTestClient()
	code, err := m.CreateGame(host, "Alice")
	require.NoError(t, err)

	c := newTestClient()
	c.dispatch(m, clientMessage{Type: "joinGame", PlayerName: "Bob", RoomCode: code})

	result, ok := nextMessage(t, c).(joinResultMessage)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.Empty(t, result.Error)

	state, ok := nextMessage(t, c).(snapshot)
	require.True(t, ok)
	assert.Len(t, state.Players, 2)
}

func TestDispatchJoinGameFailure(t *testing.T) {
	m := newTestManager(&stubProvider{})
	c := newTestClient()

	c.dispatch(m, clientMessage{Type: "joinGame", PlayerName: "Bob", RoomCode: "QQQQ"})

	result, ok := nextMessage(t, c).(joinResultMessage)
	require.True(t, ok)
	assert.False(t, result.Success)
	assert.Equal(t, ErrRoomNotFound.Error(), result.Error)

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected trailing message: %#v", msg)
	default:
	}
}

func TestDispatchStartGameReportsErrors(t *testing.T) {
	m := newTestManager(&stubProvider{})

	c := newTestClient()
	code, err := m.CreateGame(c, "Alice")
	require.NoError(t, err)
	drainMessages(c)

	c.dispatch(m, clientMessage{Type: "startGame", RoomCode: code})

	gameErr, ok := nextMessage(t, c).(gameErrorMessage)
	require.True(t, ok)
	assert.Equal(t, ErrThemeNotSet.Error(), gameErr.Message)
}

func TestDispatchSubmitSentenceValidation(t *testing.T) {
	m := newTestManager(&stubProvider{opening: "Opening."})

	alice := newTestClient()
	code, err := m.CreateGame(alice, "Alice")
	require.NoError(t, err)

	bob := newTestClient()
	require.NoError(t, m.JoinGame(bob, "Bob", code))

	m.SelectTheme(code, "mystery")
	require.NoError(t, m.StartGame(code))

	waitState(t, m, code, func(s snapshot) bool {
		return s.CurrentTurn.HeldBy(alice.id)
	})

	// Blank and oversized sentences never reach the room.
	alice.dispatch(m, clientMessage{Type: "submitSentence", RoomCode: code, Sentence: "   "})
	alice.dispatch(m, clientMessage{
		Type:     "submitSentence",
		RoomCode: code,
		Sentence: strings.Repeat("x", maxSentenceLength+1),
	})

	snap, _ := stateOf(m, code)
	assert.Len(t, snap.Sentences, 1)
	assert.True(t, snap.CurrentTurn.HeldBy(alice.id))

	// Surrounding whitespace is trimmed before the length check.
	alice.dispatch(m, clientMessage{Type: "submitSentence", RoomCode: code, Sentence: "  a fine line  "})

	snap, _ = stateOf(m, code)
	require.Len(t, snap.Sentences, 2)
	assert.Equal(t, "a fine line", snap.Sentences[1])
	assert.True(t, snap.CurrentTurn.HeldBy(bob.id))
}

func TestDispatchTypingAliases(t *testing.T) {
	m := newTestManager(&stubProvider{})

	alice := newTestClient()
	code, err := m.CreateGame(alice, "Alice")
	require.NoError(t, err)

	alice.dispatch(m, clientMessage{Type: "typing", RoomCode: code})
	snap, _ := stateOf(m, code)
	assert.Equal(t, alice.id, snap.TypingPlayer)

	// Both spellings of the stop signal clear the slot.
	alice.dispatch(m, clientMessage{Type: "typing:end", RoomCode: code})
	snap, _ = stateOf(m, code)
	assert.Empty(t, snap.TypingPlayer)

	alice.dispatch(m, clientMessage{Type: "typing", RoomCode: code})
	alice.dispatch(m, clientMessage{Type: "stopTyping", RoomCode: code})
	snap, _ = stateOf(m, code)
	assert.Empty(t, snap.TypingPlayer)
}

func TestDispatchUpdateGameFeatures(t *testing.T) {
	m := newTestManager(&stubProvider{})

	alice := newTestClient()
	code, err := m.CreateGame(alice, "Alice")
	require.NoError(t, err)

	alice.dispatch(m, clientMessage{
		Type:     "updateGameFeatures",
		RoomCode: code,
		Features: &Features{Narration: true, Illustration: true},
	})

	snap, _ := stateOf(m, code)
	assert.Equal(t, Features{Narration: true, Illustration: true}, snap.Features)

	// A missing payload changes nothing.
	alice.dispatch(m, clientMessage{Type: "updateGameFeatures", RoomCode: code})
	snap, _ = stateOf(m, code)
	assert.Equal(t, Features{Narration: true, Illustration: true}, snap.Features)
}

func TestDispatchIgnoresUnknownTypes(t *testing.T) {
	m := newTestManager(&stubProvider{})
	c := newTestClient()

	c.dispatch(m, clientMessage{Type: "nonsense"})

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message: %#v", msg)
	default:
	}
}

func TestReplyAfterRoomClosed(t *testing.T) {
	m := newTestManager(&stubProvider{})

	alice := newTestClient()
	code, err := m.CreateGame(alice, "Alice")
	require.NoError(t, err)

	room, exists := m.Lookup(code)
	require.True(t, exists)

	// Reap the room out from under the connection.
	m.Remove(code)
	room.closeAll()

	// The connection is still bound to the dead room, so the next
	// createGame is rejected; the ack must be dropped, not sent on the
	// closed channel.
	require.NotPanics(t, func() {
		alice.dispatch(m, clientMessage{Type: "createGame", PlayerName: "Alice"})
	})

	assert.False(t, alice.trySend(snapshot{}))

	require.NotPanics(t, func() {
		alice.closeSend()
		alice.closeSend()
	})
}

func TestSweepAudioDir(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.mp3")
	fresh := filepath.Join(dir, "fresh.mp3")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	old := time.Now().Add(-2 * audioMaxAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	sweepAudioDir(dir, time.Now().Add(-audioMaxAge))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(fresh)
	assert.NoError(t, err)

	// A missing directory is tolerated.
	sweepAudioDir(filepath.Join(dir, "missing"), time.Now())
}

func TestWebSocketSession(t *testing.T) {
	m := newTestManager(&stubProvider{})

	router := httprouter.New()
	router.GET("/ws", serveWS(m))

	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "createGame", PlayerName: "Alice"}))

	var created createdMessage
	require.NoError(t, conn.ReadJSON(&created))
	assert.Equal(t, "created", created.Type)
	assert.Len(t, created.RoomCode, codeLength)

	var state map[string]any
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "gameState", state["type"])
	assert.Equal(t, created.RoomCode, state["roomCode"])
}
