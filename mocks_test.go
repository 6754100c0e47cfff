/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// stubProvider is a controllable Provider for exercising the game state
// machine and the orchestrator's fallback paths without a live API.
type stubProvider struct {
	mu    sync.Mutex
	calls map[string]int

	opening         string
	openingErr      error
	continuation    string
	continuationErr error
	finalStory      string
	finalErr        error
	failFirstFinal  bool
	sanitized       []string
	sanitizeErr     error
	image           string
	imageErr        error
	audio           string
	audioErr        error
}

func (s *stubProvider) record(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name]++
	return s.calls[name]
}

func (s *stubProvider) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubProvider) Opening(context.Context, string) (string, error) {
	s.record("opening")
	return s.opening, s.openingErr
}

func (s *stubProvider) Continuation(context.Context, []string) (string, error) {
	s.record("continuation")
	return s.continuation, s.continuationErr
}

func (s *stubProvider) FinalStory(context.Context, []string) (string, error) {
	n := s.record("final")
	if s.failFirstFinal && n > 1 {
		return s.finalStory, nil
	}
	return s.finalStory, s.finalErr
}

func (s *stubProvider) Sanitize(context.Context, []string) ([]string, error) {
	s.record("sanitize")
	return s.sanitized, s.sanitizeErr
}

func (s *stubProvider) Illustration(context.Context, string) (string, error) {
	s.record("illustration")
	return s.image, s.imageErr
}

func (s *stubProvider) Narration(context.Context, string) (string, error) {
	s.record("narration")
	return s.audio, s.audioErr
}

// newTestManager wires a RoomManager to a stub provider with no banner
// delay, so round transitions resolve as fast as the scheduler allows.
func newTestManager(provider Provider) *RoomManager {
	return newRoomManager(NewOrchestrator(provider), 0)
}

// newTestClient builds a client with no underlying connection; the pumps
// are never started, so broadcasts just pile up in the send buffer.
func newTestClient() *client {
	return &client{
		id:      uuid.NewString(),
		send:    make(chan any, 1024),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// stateOf reads the room's current snapshot, or false if the room is
// gone.
func stateOf(m *RoomManager, code string) (snapshot, bool) {
	room, exists := m.Lookup(code)
	if !exists {
		return snapshot{}, false
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	return room.snapshotLocked(), true
}
