/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "encoding/json"

type turnKind int

const (
	turnUnset turnKind = iota
	turnHuman
	turnAI
)

// Turn identifies who may submit the next sentence. It is either unset
// (game not started or already over), the AI storyteller, or a specific
// player's connection id.
type Turn struct {
	kind   turnKind
	player string
}

func NoTurn() Turn {
	return Turn{}
}

func AITurn() Turn {
	return Turn{kind: turnAI}
}

func PlayerTurn(connectionID string) Turn {
	return Turn{kind: turnHuman, player: connectionID}
}

func (t Turn) IsUnset() bool {
	return t.kind == turnUnset
}

func (t Turn) IsAI() bool {
	return t.kind == turnAI
}

// HeldBy reports whether the turn belongs to the given connection id.
func (t Turn) HeldBy(connectionID string) bool {
	return t.kind == turnHuman && t.player == connectionID
}

func (t Turn) Player() (string, bool) {
	return t.player, t.kind == turnHuman
}

// MarshalJSON keeps the wire shape clients expect: an empty string when
// unset, the literal "ai" for the AI storyteller, otherwise the
// connection id.
func (t Turn) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case turnAI:
		return json.Marshal("ai")
	case turnHuman:
		return json.Marshal(t.player)
	default:
		return json.Marshal("")
	}
}
