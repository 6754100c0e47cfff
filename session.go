/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

const (
	maxSentenceLength = 150

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Messages coming from clients
type clientMessage struct {
	Type       string    `json:"type"`                 // "createGame", "joinGame", "selectTheme", "startGame", "submitSentence", "toggleFeature", "updateGameFeatures", "typing", "stopTyping", "typing:end"
	PlayerName string    `json:"playerName,omitempty"` // createGame / joinGame
	RoomCode   string    `json:"roomCode,omitempty"`
	Theme      string    `json:"theme,omitempty"`    // selectTheme
	Sentence   string    `json:"sentence,omitempty"` // submitSentence
	Feature    string    `json:"feature,omitempty"`  // toggleFeature
	Enabled    bool      `json:"enabled,omitempty"`  // toggleFeature
	Features   *Features `json:"features,omitempty"` // updateGameFeatures
}

// createdMessage acknowledges createGame with the fresh room code.
type createdMessage struct {
	Type     string `json:"type"` // "created"
	RoomCode string `json:"roomCode"`
}

// joinResultMessage acknowledges joinGame.
type joinResultMessage struct {
	Type    string `json:"type"` // "joinResult"
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// gameErrorMessage reports a rejected command, e.g. startGame without a
// theme.
type gameErrorMessage struct {
	Type    string `json:"type"` // "gameError"
	Message string `json:"message"`
}

// client is one live connection. Its uuid doubles as the player's
// connection id; a reconnect gets a new uuid and so counts as a brand-new
// player.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan any
	limiter *rate.Limiter

	mu     sync.Mutex
	room   *Room
	closed bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan any, 32),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (c *client) currentRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *client) setRoom(room *Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = room
}

// closeSend closes the outbound channel exactly once. Send and close are
// serialized through c.mu, since broadcasts, the reaper, and the client's
// own dispatch path all race on the same channel.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// trySend queues a message unless the client is already closed or backed
// up. Reports whether the message was queued.
func (c *client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// reply queues a message for this client only, dropping it if the
// connection is gone or cannot keep up.
func (c *client) reply(msg any) {
	c.trySend(msg)
}

func (c *client) readPump(m *RoomManager) {
	defer func() {
		m.Disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		if !c.limiter.Allow() {
			continue
		}

		c.dispatch(m, msg)
	}
}

func (c *client) dispatch(m *RoomManager, msg clientMessage) {
	switch msg.Type {
	case "createGame":
		code, err := m.CreateGame(c, msg.PlayerName)
		if err != nil {
			c.reply(gameErrorMessage{Type: "gameError", Message: err.Error()})
			return
		}
		c.reply(createdMessage{Type: "created", RoomCode: code})
		m.BroadcastState(code)

	case "joinGame":
		if err := m.JoinGame(c, msg.PlayerName, msg.RoomCode); err != nil {
			c.reply(joinResultMessage{Type: "joinResult", Error: err.Error()})
			return
		}
		c.reply(joinResultMessage{Type: "joinResult", Success: true})
		m.BroadcastState(msg.RoomCode)

	case "selectTheme":
		m.SelectTheme(msg.RoomCode, msg.Theme)

	case "startGame":
		if err := m.StartGame(msg.RoomCode); err != nil {
			c.reply(gameErrorMessage{Type: "gameError", Message: err.Error()})
		}

	case "submitSentence":
		sentence := strings.TrimSpace(msg.Sentence)
		if sentence == "" || utf8.RuneCountInString(sentence) > maxSentenceLength {
			return
		}
		m.SubmitSentence(msg.RoomCode, c.id, sentence)

	case "toggleFeature":
		m.ToggleFeature(msg.RoomCode, msg.Feature, msg.Enabled)

	case "updateGameFeatures":
		if msg.Features != nil {
			m.UpdateFeatures(msg.RoomCode, *msg.Features)
		}

	case "typing":
		m.Typing(msg.RoomCode, c.id)

	case "stopTyping", "typing:end":
		m.StopTyping(msg.RoomCode, c.id)

	default:
		// ignore unknown types
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Str("ip", realIP(r)).Msg("WebSocket upgrade failed")
			return
		}

		c := newClient(conn)

		go c.writePump()
		c.readPump(m)
	}
}

// qrHandler serves a PNG QR code pointing at the join URL for an
// existing room.
func qrHandler(cfg *Config, m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		if _, exists := m.Lookup(code); !exists {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/story/" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerStoryGame sets up the game routes:
//   - /ws               → per-connection command channel
//   - /story/:code/qr   → PNG QR code for sharing a room
//   - /audio/*filepath  → generated narration files
func registerStoryGame(cfg *Config, mux *httprouter.Router) error {
	m := newRoomManager(newGenerator(cfg), cfg.transitionDelay)
	if cfg.roomTimeout > 0 {
		go m.reaperLoop(cfg.roomTimeout)
	}

	mux.GET(cfg.prefix+"/ws", serveWS(m))
	mux.GET(cfg.prefix+"/story/:code/qr", qrHandler(cfg, m))

	audioDir := cfg.resolvedAudioDir()
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return err
	}
	mux.ServeFiles(cfg.prefix+"/audio/*filepath", http.Dir(audioDir))
	go audioReaperLoop(audioDir)

	return nil
}

const audioMaxAge = time.Hour

// audioReaperLoop periodically prunes generated narration files, which
// are only ever played right after their game ends.
func audioReaperLoop(dir string) {
	ticker := time.NewTicker(audioMaxAge)
	for range ticker.C {
		sweepAudioDir(dir, time.Now().Add(-audioMaxAge))
	}
}

func sweepAudioDir(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Audio cleanup failed")
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				log.Error().Err(err).Str("file", entry.Name()).Msg("Audio cleanup failed")
			}
		}
	}
}

func (c *Config) resolvedAudioDir() string {
	if c.audioDir != "" {
		return c.audioDir
	}
	return filepath.Join(os.TempDir(), "storybox-audio")
}
