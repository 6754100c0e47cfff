/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	codeLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeLength  = 4
)

// RoomManager is the process-wide registry of live rooms, constructed at
// startup and passed explicitly to the command handlers. Room codes are
// stored uppercase; lookups are case-insensitive.
//
// Mutation and broadcast happen atomically under each room's own lock.
// Asynchronous completions (generation results, banner timers) never hold
// a room reference across their wait: they re-resolve the room by code
// and drop the result silently when the room is gone.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	generator       *Orchestrator
	transitionDelay time.Duration
}

func newRoomManager(generator *Orchestrator, transitionDelay time.Duration) *RoomManager {
	return &RoomManager{
		rooms:           make(map[string]*Room),
		generator:       generator,
		transitionDelay: transitionDelay,
	}
}

// newRoomCode generates a crypto-random room code that does not collide
// with any live room. Callers must hold m.mu.
func (m *RoomManager) newRoomCodeLocked() string {
	for {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeLetters[int(buf[i])%len(codeLetters)]
		}
		code := string(out)

		if _, exists := m.rooms[code]; !exists {
			return code
		}
	}
}

func (m *RoomManager) Lookup(code string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, exists := m.rooms[strings.ToUpper(code)]
	return room, exists
}

// Remove deletes the room from the registry. Idempotent.
func (m *RoomManager) Remove(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, strings.ToUpper(code))
}

// deliver routes an asynchronous completion to the room if it still
// exists, and discards it otherwise.
func (m *RoomManager) deliver(code string, fn func(*Room)) {
	if room, exists := m.Lookup(code); exists {
		fn(room)
	}
}

// CreateGame makes a fresh room with the caller as host and binds the
// caller's connection to it.
func (m *RoomManager) CreateGame(c *client, playerName string) (string, error) {
	if c.currentRoom() != nil {
		return "", ErrAlreadyInRoom
	}

	m.mu.Lock()
	code := m.newRoomCodeLocked()
	room := newRoom(code, playerName, c)
	m.rooms[code] = room
	m.mu.Unlock()

	c.setRoom(room)

	log.Info().Str("room", code).Str("player", playerName).Msg("Created game")

	return code, nil
}

// BroadcastState pushes the room's current snapshot to all subscribers.
func (m *RoomManager) BroadcastState(code string) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	room.broadcastLocked()
	room.mu.Unlock()
}

// JoinGame appends the caller to the room's roster, in join order.
func (m *RoomManager) JoinGame(c *client, playerName, code string) error {
	if c.currentRoom() != nil {
		return ErrAlreadyInRoom
	}

	room, exists := m.Lookup(code)
	if !exists {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	// A room emptied by its last leaver may linger briefly before its
	// registry entry is removed; treat it as gone.
	if len(room.players) == 0 {
		return ErrRoomNotFound
	}
	if len(room.players) >= maxPlayers {
		return ErrRoomFull
	}

	room.players = append(room.players, &Player{
		ID:              c.id,
		Name:            playerName,
		SentenceIndices: []int{},
	})
	room.subscribeLocked(c)
	c.setRoom(room)
	room.touchLocked()

	room.log.Info().Str("player", playerName).Msg("Player joined")

	return nil
}

// SelectTheme records the story theme. The theme is opaque here; it is
// only forwarded to the generator. Only allowed before the game starts.
func (m *RoomManager) SelectTheme(code, theme string) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.round != 0 {
		return
	}

	room.theme = theme
	room.touchLocked()
	room.broadcastLocked()
}

// ToggleFeature flips a single generation feature. Last write wins.
func (m *RoomManager) ToggleFeature(code, feature string, enabled bool) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	switch feature {
	case "narration":
		room.features.Narration = enabled
	case "illustration":
		room.features.Illustration = enabled
	default:
		return
	}

	room.touchLocked()
	room.broadcastLocked()
}

// UpdateFeatures replaces the whole feature set at once.
func (m *RoomManager) UpdateFeatures(code string, features Features) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.features = features
	room.touchLocked()
	room.broadcastLocked()
}

// StartGame begins round 1: the round banner goes up, the opening line is
// requested, and play resumes once both the banner delay has elapsed and
// the opening line has landed.
func (m *RoomManager) StartGame(code string) error {
	room, exists := m.Lookup(code)
	if !exists {
		return ErrRoomNotFound
	}

	room.mu.Lock()

	switch {
	case room.round != 0:
		room.mu.Unlock()
		return ErrGameInProgress
	case room.theme == "":
		room.mu.Unlock()
		return ErrThemeNotSet
	case len(room.players) < minPlayers:
		room.mu.Unlock()
		return ErrNotEnoughPlayers
	case len(room.players) > maxPlayers:
		room.mu.Unlock()
		return ErrTooManyPlayers
	}

	room.round = 1
	room.showRoundTransition = true
	room.currentTurn = AITurn()
	room.pending = pendingOpening
	room.bannerDone = false
	room.openingDone = false
	room.touchLocked()
	room.broadcastLocked()

	theme := room.theme
	room.mu.Unlock()

	room.log.Info().Str("theme", theme).Msg("Game started")

	// Banner and opening generation run concurrently; whichever finishes
	// second lets play begin.
	go func() {
		text := m.generator.Opening(context.Background(), theme)
		m.deliver(code, func(r *Room) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.pending != pendingOpening {
				return
			}
			r.openingText = text
			r.openingDone = true
			if r.bannerDone {
				r.beginPlayLocked()
			}
		})
	}()
	m.scheduleBanner(code)

	return nil
}

func (m *RoomManager) scheduleBanner(code string) {
	time.AfterFunc(m.transitionDelay, func() {
		m.deliver(code, m.bannerElapsed)
	})
}

// bannerElapsed fires when the round transition banner has been up for
// its fixed duration.
func (m *RoomManager) bannerElapsed(r *Room) {
	r.mu.Lock()

	switch r.pending {
	case pendingOpening:
		r.bannerDone = true
		if r.openingDone {
			r.beginPlayLocked()
		}
		r.mu.Unlock()

	case pendingContinuation:
		r.showRoundTransition = false
		r.currentTurn = AITurn()
		r.typingPlayer = ""
		r.broadcastLocked()

		history := append([]string{}, r.sentences...)
		code := r.code
		r.mu.Unlock()

		go func() {
			text := m.generator.Continuation(context.Background(), history)
			m.deliver(code, func(r *Room) {
				r.mu.Lock()
				defer r.mu.Unlock()
				if r.pending != pendingContinuation || len(r.players) == 0 {
					return
				}
				r.pending = pendingNone
				r.aiSentenceIndices = append(r.aiSentenceIndices, len(r.sentences))
				r.sentences = append(r.sentences, text)
				r.currentTurn = PlayerTurn(r.players[0].ID)
				r.typingPlayer = ""
				r.touchLocked()
				r.broadcastLocked()
			})
		}()

	default:
		r.mu.Unlock()
	}
}

// beginPlayLocked installs the opening line and hands the turn to the
// roster head. Callers must hold r.mu.
func (r *Room) beginPlayLocked() {
	if len(r.players) == 0 {
		return
	}
	r.pending = pendingNone
	r.showRoundTransition = false
	r.sentences = []string{r.openingText}
	r.aiSentenceIndices = []int{0}
	r.currentTurn = PlayerTurn(r.players[0].ID)
	r.touchLocked()
	r.broadcastLocked()
}

// SubmitSentence appends the caller's sentence and advances the turn.
// Submissions out of turn, or while a generation request is in flight,
// change nothing and broadcast nothing.
func (m *RoomManager) SubmitSentence(code, connectionID, sentence string) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()

	if !room.currentTurn.HeldBy(connectionID) || room.pending != pendingNone {
		room.mu.Unlock()
		return
	}

	i := room.playerIndexLocked(connectionID)
	if i == -1 {
		room.mu.Unlock()
		return
	}

	room.typingPlayer = ""
	player := room.players[i]
	player.SentenceIndices = append(player.SentenceIndices, len(room.sentences))
	room.sentences = append(room.sentences, sentence)
	room.touchLocked()

	// Mid-round: pass the turn along the roster.
	if i < len(room.players)-1 {
		room.currentTurn = PlayerTurn(room.players[i+1].ID)
		room.broadcastLocked()
		room.mu.Unlock()
		return
	}

	// The roster tail just submitted: either a new round with an AI
	// interleave, or the end-of-game pipeline.
	if room.round < roundsPerGame {
		room.round++
		room.showRoundTransition = true
		room.pending = pendingContinuation
		room.broadcastLocked()
		room.mu.Unlock()

		m.scheduleBanner(code)
		return
	}

	room.isProcessing = true
	room.pending = pendingFinal
	room.broadcastLocked()

	history := append([]string{}, room.sentences...)
	features := room.features
	room.mu.Unlock()

	go m.finishGame(code, history, features)
}

// finishGame runs the end-of-game pipeline: final story, then
// illustration and narration concurrently. The orchestrator converts
// every failure into a fallback, so the room always reaches a terminal
// displayable state.
func (m *RoomManager) finishGame(code string, history []string, features Features) {
	ctx := context.Background()

	story := m.generator.FinalStory(ctx, history)
	image, audio := m.generator.Media(ctx, story, features)

	m.deliver(code, func(r *Room) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.pending != pendingFinal {
			return
		}
		r.pending = pendingNone
		r.finalStory = story
		r.storyImage = image
		r.storyAudio = audio
		r.isProcessing = false
		r.showFinalStory = true
		r.currentTurn = NoTurn()
		r.typingPlayer = ""
		r.touchLocked()
		r.broadcastLocked()

		r.log.Info().Int("sentences", len(history)).Msg("Story complete")
	})
}

// Typing marks the caller as composing input. StopTyping clears the slot
// only when the caller still owns it, so a stale clear cannot overwrite a
// newer typing signal.
func (m *RoomManager) Typing(code, connectionID string) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	room.typingPlayer = connectionID
	room.touchLocked()
	room.broadcastLocked()
}

func (m *RoomManager) StopTyping(code, connectionID string) {
	room, exists := m.Lookup(code)
	if !exists {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.typingPlayer != connectionID {
		return
	}

	room.typingPlayer = ""
	room.touchLocked()
	room.broadcastLocked()
}

// Disconnect removes the connection from every room that references it:
// roster membership, turn pointer, and typing slot. The typing slot is
// cleared unconditionally across all rooms, independent of membership.
func (m *RoomManager) Disconnect(c *client) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.Unlock()

	for _, room := range rooms {
		room.mu.Lock()

		room.unsubscribeLocked(c)

		removed, empty := room.removePlayerLocked(c.id)
		cleared := room.typingPlayer == c.id
		if cleared {
			room.typingPlayer = ""
		}

		if removed && empty {
			room.mu.Unlock()
			m.Remove(room.code)
			room.closeAll()
			room.log.Info().Msg("Removing room")
			continue
		}

		if removed || cleared {
			room.touchLocked()
			room.broadcastLocked()
		}
		room.mu.Unlock()

		if removed {
			room.log.Info().Str("player", c.id).Msg("Player left")
		}
	}

	c.setRoom(nil)
	c.closeSend()
}

// reaperLoop periodically ends rooms that have been idle longer than the
// configured timeout.
func (m *RoomManager) reaperLoop(timeout time.Duration) {
	ticker := time.NewTicker(timeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-timeout)

		m.mu.Lock()
		var stale []*Room
		for code, room := range m.rooms {
			if room.idle(cutoff) {
				delete(m.rooms, code)
				stale = append(stale, room)
			}
		}
		m.mu.Unlock()

		for _, room := range stale {
			room.log.Info().Msg("Reaping idle room")
			go room.closeAll()
		}
	}
}
