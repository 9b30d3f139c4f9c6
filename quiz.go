// Mindmeld Quiz
//
// Two players join a shared room code and answer the same question each round,
// trying to give matching answers. Answers are compared with a normalized
// string-similarity score; close enough counts as a point. Ten rounds, then a
// closing verdict on how in-sync the pair is.
//
// Features:
// - WebSockets per room code: /path/:roomcode and /path/:roomcode/ws
// - Rooms are created on first join and hold at most two players
// - Server-driven 20-second countdown per round, broadcast every second
// - Round reveals early once both players have answered
// - Sørensen–Dice similarity scoring with a 0.8 match threshold
// - Reveal shows both answers, then auto-advances after 5 seconds
// - Tiered closing message after round 10, then the room is torn down
// - Rooms auto-reaped after a configurable idle timeout
// - Optional answer history written to MySQL via --db-dsn
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	totalRounds         = 10
	answerSeconds       = 20
	advanceDelay        = 5 * time.Second
	similarityThreshold = 0.8
	maxPlayers          = 2

	noAnswerSentinel = "(No answer)"
	gameOverMarker   = "Game Over!"
)

// Player holds the data we store server-side for one seat in a room.
type Player struct {
	ID       string
	Name     string
	Answer   string
	Answered bool
}

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`                // "join", "submit_answer"
	Name     string `json:"name,omitempty"`      // join
	RoomCode string `json:"room_code,omitempty"` // join
	Answer   string `json:"answer,omitempty"`    // submit_answer
}

// GameStateMessage is the per-round snapshot broadcast to every room member.
type GameStateMessage struct {
	Type            string            `json:"type"` // "game_state"
	CurrentQuestion string            `json:"currentQuestion"`
	TimeRemaining   int               `json:"timeRemaining"`
	Round           int               `json:"round"`
	Score           int               `json:"score"`
	PlayerAnswers   map[string]string `json:"playerAnswers"`
	IsRevealed      bool              `json:"isRevealed"`
}

// TextMessage carries informational text: waiting-for-partner,
// partner-disconnected, match/no-match, and the closing verdict.
type TextMessage struct {
	Type string `json:"type"` // "message"
	Text string `json:"text"`
}

// ErrorMessage is sent only to the rejected connection on a full-room join.
type ErrorMessage struct {
	Type string `json:"type"` // "game_error"
	Text string `json:"text"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string

	// room is the code this connection joined, set once by the read
	// goroutine and only ever read from it.
	room string
}

// Room is a two-player session. All fields behind mu.
type Room struct {
	code    string
	mgr     *RoomManager
	clients map[*Client]bool
	players []*Player

	mu sync.Mutex

	round     int
	score     int
	started   bool
	revealed  bool
	question  string
	remaining int

	// timerGen invalidates countdown and advance callbacks: each round
	// start and each reveal bumps it, and a callback carrying a stale
	// generation is a no-op. At most one countdown is live per room.
	timerGen int
	advance  *time.Timer
	closed   bool

	createdAt  time.Time
	lastActive time.Time
}

// RoomManager owns the only authoritative code→Room mapping. Rooms are
// created on first join and removed on emptiness, completion, or idle
// timeout. Lock order is always Room.mu before RoomManager.mu.
type RoomManager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	cfg       *Config
	questions *QuestionSource
	history   *historyStore

	// tickEvery is the countdown cadence, one second in production.
	// Tests set it far in the future and drive tick directly.
	tickEvery    time.Duration
	advanceAfter time.Duration
	idleTimeout  time.Duration
}

func newRoomManager(cfg *Config, questions *QuestionSource, history *historyStore, idleTimeout time.Duration) *RoomManager {
	m := &RoomManager{
		rooms:        make(map[string]*Room),
		cfg:          cfg,
		questions:    questions,
		history:      history,
		tickEvery:    time.Second,
		advanceAfter: advanceDelay,
		idleTimeout:  idleTimeout,
	}
	if idleTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

// getOrCreate returns the room for code, creating it if absent.
func (m *RoomManager) getOrCreate(code string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[code]; ok {
		return room
	}

	now := time.Now()
	room := &Room{
		code:       code,
		mgr:        m,
		clients:    make(map[*Client]bool),
		round:      1,
		createdAt:  now,
		lastActive: now,
	}
	m.rooms[code] = room
	return room
}

func (m *RoomManager) get(code string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[code]
	return room, ok
}

func (m *RoomManager) remove(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms, code)
}

// handleJoin processes "join" messages. Joins missing a name or room code,
// or arriving from a connection already seated, are dropped.
func (m *RoomManager) handleJoin(c *Client, msg ClientMessage) {
	if msg.Name == "" || msg.RoomCode == "" || c.room != "" {
		return
	}

	room := m.getOrCreate(msg.RoomCode)
	if room.join(m.cfg, c, msg.Name) {
		c.room = msg.RoomCode
	}
}

// handleAnswer resolves the connection to its room and records the answer.
// Stale submissions (no room, or room already torn down) are dropped.
func (m *RoomManager) handleAnswer(c *Client, msg ClientMessage) {
	if c.room == "" {
		return
	}

	room, ok := m.get(c.room)
	if !ok {
		return
	}

	room.submitAnswer(c, msg.Answer)
}

// handleDisconnect removes the departing player from their room, tearing the
// room down if it becomes empty.
func (m *RoomManager) handleDisconnect(c *Client) {
	if c.room == "" {
		return
	}

	room, ok := m.get(c.room)
	if !ok {
		return
	}

	room.leave(m.cfg, c)
}

// join admits a connection into the room. Returns false if the room was full
// or already torn down; a full room sends a targeted error and is otherwise
// untouched. The second admission starts the first round.
func (r *Room) join(cfg *Config, c *Client, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	r.lastActive = time.Now()

	if len(r.players) >= maxPlayers {
		trySend(c, ErrorMessage{
			Type: "game_error",
			Text: "Room is full!",
		})
		return false
	}

	r.clients[c] = true
	r.players = append(r.players, &Player{
		ID:   c.id,
		Name: name,
	})
	logf(cfg, "GAMES: Player %q joined %s", name, r.code)

	if len(r.players) == maxPlayers {
		r.started = true
		r.startRoundLocked()
	} else {
		trySend(c, TextMessage{
			Type: "message",
			Text: "Waiting for your partner to join...",
		})
	}

	return true
}

// submitAnswer records the answer verbatim; last write wins until reveal.
// An empty string still counts as answered. Once every current player has
// answered, the round reveals immediately, ahead of the countdown.
func (r *Room) submitAnswer(c *Client, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	var player *Player
	for _, p := range r.players {
		if p.ID == c.id {
			player = p
			break
		}
	}
	if player == nil {
		return
	}

	r.lastActive = time.Now()

	player.Answer = text
	player.Answered = true

	if r.started && !r.revealed && r.allAnsweredLocked() {
		r.revealLocked()
	}
}

// leave removes the departing player. An empty room is torn down on the
// spot; otherwise the remaining player is told and the running countdown
// continues untouched.
func (r *Room) leave(cfg *Config, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}

	dst := r.players[:0]
	removed := ""
	for _, p := range r.players {
		if p.ID == c.id {
			removed = p.Name
			continue
		}
		dst = append(dst, p)
	}
	r.players = dst

	if removed == "" {
		return
	}

	logf(cfg, "GAMES: Player %q left %s", removed, r.code)

	if len(r.players) == 0 {
		r.closeLocked()
		r.mgr.remove(r.code)
		return
	}

	r.broadcastLocked(TextMessage{
		Type: "message",
		Text: "Your partner has disconnected.",
	})
}

// startRoundLocked begins the round named by r.round, or ends the game once
// the counter passes the limit. Every round draws a fresh question; repeats
// across rounds are allowed.
func (r *Room) startRoundLocked() {
	if r.round > totalRounds {
		r.endGameLocked()
		return
	}

	for _, p := range r.players {
		p.Answer = ""
		p.Answered = false
	}

	r.question = r.mgr.questions.Draw()
	r.remaining = answerSeconds
	r.revealed = false

	r.broadcastLocked(r.snapshotLocked())

	r.timerGen++
	go r.runCountdown(r.timerGen)
}

// runCountdown drives the per-round countdown, one tick per interval, until
// the round is revealed or the room goes away.
func (r *Room) runCountdown(gen int) {
	ticker := time.NewTicker(r.mgr.tickEvery)
	defer ticker.Stop()

	for range ticker.C {
		if !r.tick(gen) {
			return
		}
	}
}

// tick handles one countdown second: decrement, broadcast the new remaining
// time, and reveal once the clock hits zero. Returns false when the
// countdown is over or superseded.
func (r *Room) tick(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || gen != r.timerGen {
		return false
	}

	r.remaining--
	if r.remaining >= 0 {
		r.broadcastLocked(r.snapshotLocked())
	}

	if r.remaining <= 0 {
		r.revealLocked()
		return false
	}

	return true
}

// revealLocked ends the round: shows both answers (with a sentinel for a
// player who never answered), scores if and only if every current player
// answered, and schedules the advance to the next round. The revealed flag
// is the single gate, the countdown-expiry and all-answered paths can both
// land here but only the first one acts.
func (r *Room) revealLocked() {
	if r.revealed {
		return
	}
	r.revealed = true
	r.timerGen++

	r.lastActive = time.Now()

	answers := make(map[string]string, len(r.players))
	answered := 0
	for _, p := range r.players {
		if p.Answered {
			answers[p.Name] = p.Answer
			answered++
		} else {
			answers[p.Name] = noAnswerSentinel
		}
	}

	matched := false
	if answered == maxPlayers {
		score := similarity(r.players[0].Answer, r.players[1].Answer)
		if score >= similarityThreshold {
			r.score++
			matched = true
			r.broadcastLocked(TextMessage{
				Type: "message",
				Text: "Match! You earned a point! 🎉",
			})
		} else {
			r.broadcastLocked(TextMessage{
				Type: "message",
				Text: "No match. Try to think more alike! 💭",
			})
		}
		logf(r.mgr.cfg, "GAMES: Round %d of %s revealed, similarity %.2f", r.round, r.code, score)
	}

	snapshot := r.snapshotLocked()
	snapshot.TimeRemaining = 0
	snapshot.PlayerAnswers = answers
	snapshot.IsRevealed = true
	r.broadcastLocked(snapshot)

	r.mgr.history.recordReveal(r.mgr.cfg, revealRecord{
		roomCode: r.code,
		round:    r.round,
		question: r.question,
		answers:  answers,
		matched:  matched,
	})

	gen := r.timerGen
	r.advance = time.AfterFunc(r.mgr.advanceAfter, func() {
		r.advanceRound(gen)
	})
}

// advanceRound moves a revealed round forward. Stale callbacks (room torn
// down, or superseded by teardown bumping the generation) are no-ops.
func (r *Room) advanceRound(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || gen != r.timerGen {
		return
	}

	r.round++
	r.startRoundLocked()
}

// endGameLocked broadcasts the final snapshot and the closing verdict, then
// removes the room. Late events referencing this code find no room and are
// dropped.
func (r *Room) endGameLocked() {
	r.broadcastLocked(GameStateMessage{
		Type:            "game_state",
		CurrentQuestion: gameOverMarker,
		TimeRemaining:   0,
		Round:           totalRounds,
		Score:           r.score,
		PlayerAnswers:   map[string]string{},
		IsRevealed:      true,
	})

	r.broadcastLocked(TextMessage{
		Type: "message",
		Text: closingMessage(r.score),
	})

	logf(r.mgr.cfg, "GAMES: Game over in %s, final score %d/%d", r.code, r.score, totalRounds)

	r.closeLocked()
	r.mgr.remove(r.code)
}

// closingMessage maps the final score onto one of four verdict tiers.
func closingMessage(score int) string {
	percentage := float64(score) / totalRounds * 100

	switch {
	case percentage >= 80:
		return "Perfect match! You're incredibly in sync! 💑"
	case percentage >= 60:
		return "Great connection! Keep growing together! 💕"
	case percentage >= 40:
		return "You're getting there! Keep learning about each other! 💫"
	default:
		return "Room for growth! Every couple's journey is unique! 🌱"
	}
}

// closeLocked cancels any pending timers and marks the room dead. A timer
// callback firing afterwards finds a stale generation and does nothing.
func (r *Room) closeLocked() {
	r.closed = true
	r.timerGen++
	if r.advance != nil {
		r.advance.Stop()
	}
}

func (r *Room) allAnsweredLocked() bool {
	if len(r.players) == 0 {
		return false
	}
	for _, p := range r.players {
		if !p.Answered {
			return false
		}
	}
	return true
}

// snapshotLocked freezes the current round into a broadcastable state.
// Countdown snapshots carry no answers; reveal fills them in.
func (r *Room) snapshotLocked() GameStateMessage {
	return GameStateMessage{
		Type:            "game_state",
		CurrentQuestion: r.question,
		TimeRemaining:   r.remaining,
		Round:           r.round,
		Score:           r.score,
		PlayerAnswers:   map[string]string{},
		IsRevealed:      false,
	}
}

// broadcastLocked fans a message out to every connected member, dropping
// clients whose send buffer is full.
func (r *Room) broadcastLocked(msg any) {
	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			delete(r.clients, client)
			close(client.send)
		}
	}
}

// trySend delivers to a single connection without blocking.
func trySend(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

// closeAll disconnects all clients of this room (used by the reaper).
func (r *Room) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	for c := range r.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(r.clients, c)
	}
	r.players = nil
}

// reaperLoop periodically removes rooms that have been idle longer than
// idleTimeout, typically a lone player who never got a partner. The room
// list is copied out first so the manager lock is never held across a room
// lock.
func (m *RoomManager) reaperLoop() {
	ticker := time.NewTicker(m.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-m.idleTimeout)

		m.mu.Lock()
		rooms := make([]*Room, 0, len(m.rooms))
		for _, room := range m.rooms {
			rooms = append(rooms, room)
		}
		m.mu.Unlock()

		for _, room := range rooms {
			room.mu.Lock()
			stale := !room.closed && room.lastActive.Before(cutoff)
			room.mu.Unlock()

			if stale {
				logf(m.cfg, "GAMES: Reaping idle room %s", room.code)
				room.closeAll()
				m.remove(room.code)
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

// randomRoomCode generates a short uppercase room code suggestion.
func randomRoomCode(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}

	return string(out)
}

// newRoomCode picks a random code that doesn't collide with a live room.
func (m *RoomManager) newRoomCode() string {
	for {
		code := randomRoomCode(4)

		m.mu.Lock()
		_, exists := m.rooms[code]
		m.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// WebSocket handler; each connection gets a fresh opaque identity token.
func serveWSForManager(cfg *Config, m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if ps.ByName("roomcode") == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		go client.writePump()
		client.readPump(m)
	}
}

func (c *Client) readPump(m *RoomManager) {
	defer func() {
		m.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			m.handleJoin(c, msg)
		case "submit_answer":
			m.handleAnswer(c, msg)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("roomcode") == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
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

	// We are at /.../:roomcode/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed quiz/index.html
var indexHTML []byte

//go:embed quiz/app.css
var quizCSS []byte

//go:embed quiz/app.js
var quizJS []byte

func getIndexHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(quizJS)
	}
}

// redirectNewRoom handles GET /path by picking a fresh room code and
// redirecting to /path/:roomcode.
func redirectNewRoom(cfg *Config, path string, m *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		code := m.newRoomCode()
		logf(cfg, "GAMES: Suggested room %s%s/%s", cfg.prefix, path, code)
		http.Redirect(w, r, cfg.prefix+path+"/"+code, http.StatusTemporaryRedirect)
	}
}

// registerQuizGame sets up routes so that:
//   - $path                  → redirects to a fresh random room code
//   - $path/:roomcode        → HTML client
//   - $path/:roomcode/ws     → WebSocket for that room
//   - $path/:roomcode/qr     → PNG QR code for that room URL
func registerQuizGame(cfg *Config, path string, mux *httprouter.Router, history *historyStore) {
	m := newRoomManager(cfg, defaultQuestions(), history, cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, m))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomcode", getIndexHandler(cfg))

	// Shared assets (no roomcode in route)
	mux.GET(cfg.prefix+"/assets/quiz/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/quiz/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomcode/ws", serveWSForManager(cfg, m))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomcode/qr", qrHandler)
}
