/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import "errors"

var (
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrGameInProgress   = errors.New("game already in progress")
	ErrNotEnoughPlayers = errors.New("at least 2 players required")
	ErrRoomFull         = errors.New("game is full")
	ErrRoomNotFound     = errors.New("game not found")
	ErrThemeNotSet      = errors.New("theme not selected")
	ErrTooManyPlayers   = errors.New("maximum 8 players allowed")
)
