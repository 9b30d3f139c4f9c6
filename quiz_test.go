package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestManager returns a manager whose countdown and advance timers are
// parked far in the future, so tests drive tick and advanceRound directly.
func newTestManager(prompts ...string) *RoomManager {
	if len(prompts) == 0 {
		prompts = []string{"What's your partner's favorite food?"}
	}

	m := newRoomManager(&Config{}, newQuestionSource(prompts), nil, 0)
	m.tickEvery = time.Hour
	m.advanceAfter = time.Hour

	return m
}

// newTestClient is a connection-less client; broadcasts land in its send
// channel, the same sink the write pump would consume.
func newTestClient() *Client {
	return &Client{
		send: make(chan any, 64),
		id:   uuid.NewString(),
	}
}

func drain(c *Client) []any {
	var msgs []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func textsOf(msgs []any) []string {
	var texts []string
	for _, msg := range msgs {
		if m, ok := msg.(TextMessage); ok {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

func statesOf(msgs []any) []GameStateMessage {
	var states []GameStateMessage
	for _, msg := range msgs {
		if m, ok := msg.(GameStateMessage); ok {
			states = append(states, m)
		}
	}
	return states
}

func join(m *RoomManager, c *Client, name, code string) {
	m.handleJoin(c, ClientMessage{Type: "join", Name: name, RoomCode: code})
}

func answer(m *RoomManager, c *Client, text string) {
	m.handleAnswer(c, ClientMessage{Type: "submit_answer", Answer: text})
}

func currentGen(r *Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timerGen
}

func TestGetOrCreate(t *testing.T) {
	m := newTestManager()

	room := m.getOrCreate("ABCD")
	require.Equal(t, 1, room.round)
	require.Equal(t, 0, room.score)
	require.False(t, room.started)
	require.Empty(t, room.players)

	again := m.getOrCreate("ABCD")
	require.Same(t, room, again)

	got, ok := m.get("ABCD")
	require.True(t, ok)
	require.Same(t, room, got)

	m.remove("ABCD")
	_, ok = m.get("ABCD")
	require.False(t, ok)
}

func TestSoloJoinWaits(t *testing.T) {
	m := newTestManager()
	alex := newTestClient()

	join(m, alex, "Alex", "WXYZ")

	msgs := drain(alex)
	require.Equal(t, []string{"Waiting for your partner to join..."}, textsOf(msgs))
	require.Empty(t, statesOf(msgs))

	room, ok := m.get("WXYZ")
	require.True(t, ok)
	require.False(t, room.started)
}

func TestJoinMissingFieldsIgnored(t *testing.T) {
	m := newTestManager()
	c := newTestClient()

	m.handleJoin(c, ClientMessage{Type: "join", Name: "Alex"})
	m.handleJoin(c, ClientMessage{Type: "join", RoomCode: "ABCD"})

	require.Empty(t, drain(c))
	_, ok := m.get("ABCD")
	require.False(t, ok)
}

func TestDuplicateJoinIgnored(t *testing.T) {
	m := newTestManager()
	alex := newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, alex, "Alex", "EFGH")

	require.Equal(t, "ABCD", alex.room)
	_, ok := m.get("EFGH")
	require.False(t, ok)

	room, _ := m.get("ABCD")
	require.Len(t, room.players, 1)
}

func TestSecondJoinStartsRound(t *testing.T) {
	m := newTestManager("pinned prompt")
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	drain(alex)
	join(m, sam, "Sam", "ABCD")

	room, _ := m.get("ABCD")
	require.True(t, room.started)

	for _, c := range []*Client{alex, sam} {
		states := statesOf(drain(c))
		require.Len(t, states, 1)
		require.Equal(t, "pinned prompt", states[0].CurrentQuestion)
		require.Equal(t, answerSeconds, states[0].TimeRemaining)
		require.Equal(t, 1, states[0].Round)
		require.Equal(t, 0, states[0].Score)
		require.False(t, states[0].IsRevealed)
		require.Empty(t, states[0].PlayerAnswers)
	}

	for _, p := range room.players {
		require.False(t, p.Answered)
	}
}

func TestRoomCapacity(t *testing.T) {
	m := newTestManager()
	alex, sam, kim := newTestClient(), newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	drain(alex)
	drain(sam)

	join(m, kim, "Kim", "ABCD")

	msgs := drain(kim)
	require.Len(t, msgs, 1)
	require.Equal(t, ErrorMessage{Type: "game_error", Text: "Room is full!"}, msgs[0])
	require.Empty(t, kim.room)

	room, _ := m.get("ABCD")
	require.Len(t, room.players, 2)
	require.Empty(t, drain(alex))
	require.Empty(t, drain(sam))
}

func TestEarlyRevealOnMatchingAnswers(t *testing.T) {
	m := newTestManager("pinned prompt")
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")
	gen := currentGen(room)
	drain(alex)
	drain(sam)

	answer(m, alex, "pizza")
	require.Empty(t, drain(alex))

	answer(m, sam, "Pizza")

	msgs := drain(alex)
	require.Equal(t, []string{"Match! You earned a point! 🎉"}, textsOf(msgs))

	states := statesOf(msgs)
	require.Len(t, states, 1)
	require.True(t, states[0].IsRevealed)
	require.Equal(t, 1, states[0].Score)
	require.Equal(t, 0, states[0].TimeRemaining)
	require.Equal(t, "pinned prompt", states[0].CurrentQuestion)
	require.Equal(t, map[string]string{"Alex": "pizza", "Sam": "Pizza"}, states[0].PlayerAnswers)

	// The countdown for this round is superseded; a stale tick is a no-op.
	require.False(t, room.tick(gen))
	require.Empty(t, drain(alex))
}

func TestNoMatch(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	drain(alex)
	drain(sam)

	answer(m, alex, "pizza")
	answer(m, sam, "sushi")

	msgs := drain(sam)
	require.Equal(t, []string{"No match. Try to think more alike! 💭"}, textsOf(msgs))

	states := statesOf(msgs)
	require.Len(t, states, 1)
	require.True(t, states[0].IsRevealed)
	require.Equal(t, 0, states[0].Score)
}

func TestLastWriteWinsBeforeReveal(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	drain(alex)
	drain(sam)

	answer(m, alex, "sushi")
	answer(m, alex, "pizza")
	answer(m, sam, "pizza")

	states := statesOf(drain(alex))
	require.Len(t, states, 1)
	require.Equal(t, "pizza", states[0].PlayerAnswers["Alex"])
	require.Equal(t, 1, states[0].Score)
}

func TestCountdownExpiryWithOneAnswer(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")
	gen := currentGen(room)
	drain(alex)
	drain(sam)

	answer(m, alex, "pizza")

	for i := 0; i < answerSeconds-1; i++ {
		require.True(t, room.tick(gen))
	}
	require.False(t, room.tick(gen))

	msgs := drain(alex)
	require.Empty(t, textsOf(msgs), "scoring is skipped when only one player answered")

	states := statesOf(msgs)
	// One countdown snapshot per second, then the reveal snapshot.
	require.Len(t, states, answerSeconds+1)
	require.Equal(t, answerSeconds-1, states[0].TimeRemaining)
	require.Equal(t, 0, states[answerSeconds-1].TimeRemaining)

	final := states[answerSeconds]
	require.True(t, final.IsRevealed)
	require.Equal(t, 0, final.Score)
	require.Equal(t, map[string]string{"Alex": "pizza", "Sam": noAnswerSentinel}, final.PlayerAnswers)

	// Countdown is done; further stale ticks do nothing.
	require.False(t, room.tick(gen))
	require.Empty(t, drain(alex))
}

func TestAdvanceStartsNextRound(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")

	answer(m, alex, "pizza")
	answer(m, sam, "pizza")
	drain(alex)
	drain(sam)

	room.advanceRound(currentGen(room))

	states := statesOf(drain(alex))
	require.Len(t, states, 1)
	require.Equal(t, 2, states[0].Round)
	require.Equal(t, answerSeconds, states[0].TimeRemaining)
	require.Equal(t, 1, states[0].Score)
	require.False(t, states[0].IsRevealed)

	room.mu.Lock()
	defer room.mu.Unlock()
	for _, p := range room.players {
		require.False(t, p.Answered)
		require.Empty(t, p.Answer)
	}
}

func TestStaleAdvanceIsNoOp(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")
	stale := currentGen(room) - 1
	drain(alex)

	room.advanceRound(stale)

	room.mu.Lock()
	round := room.round
	room.mu.Unlock()
	require.Equal(t, 1, round)
	require.Empty(t, drain(alex))
}

func TestEndGameTopTier(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")
	drain(alex)
	drain(sam)

	room.mu.Lock()
	room.score = 8
	room.round = totalRounds
	gen := room.timerGen
	room.mu.Unlock()

	room.advanceRound(gen)

	msgs := drain(alex)
	require.Equal(t, []string{"Perfect match! You're incredibly in sync! 💑"}, textsOf(msgs))

	states := statesOf(msgs)
	require.Len(t, states, 1)
	require.Equal(t, gameOverMarker, states[0].CurrentQuestion)
	require.Equal(t, totalRounds, states[0].Round)
	require.Equal(t, 8, states[0].Score)
	require.True(t, states[0].IsRevealed)
	require.Empty(t, states[0].PlayerAnswers)

	// Room is gone; late events under this code are dropped.
	_, ok := m.get("ABCD")
	require.False(t, ok)

	answer(m, alex, "pizza")
	require.False(t, room.tick(gen))
	require.Empty(t, drain(alex))
}

func TestClosingMessageTiers(t *testing.T) {
	require.Equal(t, "Perfect match! You're incredibly in sync! 💑", closingMessage(10))
	require.Equal(t, "Perfect match! You're incredibly in sync! 💑", closingMessage(8))
	require.Equal(t, "Great connection! Keep growing together! 💕", closingMessage(7))
	require.Equal(t, "Great connection! Keep growing together! 💕", closingMessage(6))
	require.Equal(t, "You're getting there! Keep learning about each other! 💫", closingMessage(5))
	require.Equal(t, "You're getting there! Keep learning about each other! 💫", closingMessage(4))
	require.Equal(t, "Room for growth! Every couple's journey is unique! 🌱", closingMessage(3))
	require.Equal(t, "Room for growth! Every couple's journey is unique! 🌱", closingMessage(0))
}

func TestLeaveNotifiesPartner(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")
	gen := currentGen(room)
	drain(alex)
	drain(sam)

	m.handleDisconnect(alex)

	require.Equal(t, []string{"Your partner has disconnected."}, textsOf(drain(sam)))
	require.Len(t, room.players, 1)
	require.Equal(t, "Sam", room.players[0].Name)

	// The countdown keeps running and times out against the lone player.
	for i := 0; i < answerSeconds-1; i++ {
		require.True(t, room.tick(gen))
	}
	require.False(t, room.tick(gen))

	msgs := drain(sam)
	require.Empty(t, textsOf(msgs), "one unanswered player means no scoring")

	states := statesOf(msgs)
	final := states[len(states)-1]
	require.True(t, final.IsRevealed)
	require.Equal(t, map[string]string{"Sam": noAnswerSentinel}, final.PlayerAnswers)
}

func TestLastLeaveRemovesRoom(t *testing.T) {
	m := newTestManager()
	alex, sam := newTestClient(), newTestClient()

	join(m, alex, "Alex", "ABCD")
	join(m, sam, "Sam", "ABCD")
	room, _ := m.get("ABCD")

	m.handleDisconnect(alex)
	m.handleDisconnect(sam)

	_, ok := m.get("ABCD")
	require.False(t, ok)

	room.mu.Lock()
	defer room.mu.Unlock()
	require.True(t, room.closed)
	require.Empty(t, room.players)
}

func TestDisconnectWithoutRoom(t *testing.T) {
	m := newTestManager()
	c := newTestClient()

	m.handleDisconnect(c)

	c.room = "GONE"
	m.handleDisconnect(c)
}

func TestSubmitBeforeStartDoesNotReveal(t *testing.T) {
	m := newTestManager()
	alex := newTestClient()

	join(m, alex, "Alex", "ABCD")
	drain(alex)

	answer(m, alex, "pizza")

	room, _ := m.get("ABCD")
	room.mu.Lock()
	revealed := room.revealed
	room.mu.Unlock()

	require.False(t, revealed)
	require.Empty(t, statesOf(drain(alex)))
}

func TestRandomRoomCode(t *testing.T) {
	code := randomRoomCode(4)
	require.Len(t, code, 4)
	for _, r := range code {
		require.True(t, r >= 'A' && r <= 'Z')
	}
}
