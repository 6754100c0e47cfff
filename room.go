/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	roundsPerGame = 4
	minPlayers    = 2
	maxPlayers    = 8
)

// Features holds room-level generation toggles, adjustable pre-start by
// any player (last write wins).
type Features struct {
	Narration    bool `json:"narration"`
	Illustration bool `json:"illustration"`
}

type Player struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsHost          bool   `json:"isHost"`
	SentenceIndices []int  `json:"sentenceIndices"`
}

// pendingKind tracks the single generation request a room may have in
// flight; completions for anything else are stale and get dropped.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingOpening
	pendingContinuation
	pendingFinal
)

// Room is one isolated game session. All state is guarded by mu; every
// handler mutates and broadcasts under the same critical section, so
// subscribers observe snapshots in mutation order.
type Room struct {
	code string

	mu          sync.RWMutex
	subscribers map[*client]bool
	players     []*Player

	theme               string
	sentences           []string
	aiSentenceIndices   []int
	round               int
	currentTurn         Turn
	typingPlayer        string
	isProcessing        bool
	showRoundTransition bool
	finalStory          string
	storyImage          string
	storyAudio          string
	showFinalStory      bool
	features            Features

	pending     pendingKind
	bannerDone  bool
	openingText string
	openingDone bool

	createdAt  time.Time
	lastActive time.Time

	log zerolog.Logger
}

func newRoom(code, hostName string, host *client) *Room {
	now := time.Now()

	r := &Room{
		code:        code,
		subscribers: make(map[*client]bool),
		players: []*Player{{
			ID:              host.id,
			Name:            hostName,
			IsHost:          true,
			SentenceIndices: []int{},
		}},
		sentences:         []string{},
		aiSentenceIndices: []int{0},
		createdAt:         now,
		lastActive:        now,
		log:               log.With().Str("room", code).Logger(),
	}
	r.subscribers[host] = true

	return r
}

// snapshot is the full room state broadcast after every mutation. Field
// names match what the original clients consume.
type snapshot struct {
	Type                string   `json:"type"`
	RoomCode            string   `json:"roomCode"`
	Players             []Player `json:"players"`
	CurrentTurn         Turn     `json:"currentTurn"`
	Sentences           []string `json:"sentences"`
	AISentenceIndices   []int    `json:"aiSentenceIndices"`
	Round               int      `json:"round"`
	Theme               string   `json:"theme,omitempty"`
	TypingPlayer        string   `json:"typingPlayer,omitempty"`
	IsProcessing        bool     `json:"isProcessing"`
	ShowRoundTransition bool     `json:"showRoundTransition"`
	FinalStory          string   `json:"finalStory"`
	ShowFinalStory      bool     `json:"showFinalStory"`
	StoryImage          string   `json:"storyImage,omitempty"`
	StoryAudio          string   `json:"storyAudio,omitempty"`
	Features            Features `json:"features"`
}

func (r *Room) snapshotLocked() snapshot {
	players := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, *p)
	}

	return snapshot{
		Type:                "gameState",
		RoomCode:            r.code,
		Players:             players,
		CurrentTurn:         r.currentTurn,
		Sentences:           append([]string{}, r.sentences...),
		AISentenceIndices:   append([]int{}, r.aiSentenceIndices...),
		Round:               r.round,
		Theme:               r.theme,
		TypingPlayer:        r.typingPlayer,
		IsProcessing:        r.isProcessing,
		ShowRoundTransition: r.showRoundTransition,
		FinalStory:          r.finalStory,
		ShowFinalStory:      r.showFinalStory,
		StoryImage:          r.storyImage,
		StoryAudio:          r.storyAudio,
		Features:            r.features,
	}
}

// broadcastLocked sends the current snapshot to every subscriber.
// Subscribers that cannot keep up are dropped, same as any other dead
// connection.
func (r *Room) broadcastLocked() {
	snap := r.snapshotLocked()

	for c := range r.subscribers {
		if !c.trySend(snap) {
			delete(r.subscribers, c)
			c.closeSend()
		}
	}
}

func (r *Room) touchLocked() {
	r.lastActive = time.Now()
}

func (r *Room) playerIndexLocked(connectionID string) int {
	for i, p := range r.players {
		if p.ID == connectionID {
			return i
		}
	}
	return -1
}

// removePlayerLocked takes the player out of the roster and repairs the
// turn pointer and typing slot. Reports whether a player was removed and
// whether the room is now empty.
func (r *Room) removePlayerLocked(connectionID string) (removed, empty bool) {
	i := r.playerIndexLocked(connectionID)
	if i == -1 {
		return false, len(r.players) == 0
	}

	r.players = append(r.players[:i], r.players[i+1:]...)

	if len(r.players) == 0 {
		return true, true
	}

	// Deterministic fallback to the roster head, never a possibly-stale
	// "next" index.
	if r.currentTurn.HeldBy(connectionID) {
		r.currentTurn = PlayerTurn(r.players[0].ID)
	}
	if r.typingPlayer == connectionID {
		r.typingPlayer = ""
	}

	return true, false
}

func (r *Room) subscribeLocked(c *client) {
	r.subscribers[c] = true
}

func (r *Room) unsubscribeLocked(c *client) {
	if r.subscribers[c] {
		delete(r.subscribers, c)
		c.closeSend()
	}
}

// closeAll disconnects every subscriber of this room (used by the reaper).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.subscribers {
		delete(r.subscribers, c)
		c.closeSend()
	}
}

func (r *Room) idle(cutoff time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActive.Before(cutoff)
}
