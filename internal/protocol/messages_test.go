// internal/protocol/messages_test.go
package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingside/gambit/internal/clock"
	"github.com/kingside/gambit/internal/models"
)

func TestDecodeClientKnownTypes(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"find_match","wager":100}`))
	require.NoError(t, err)
	assert.Equal(t, TypeFindMatch, msg.Type)
	assert.Equal(t, int64(100), msg.Wager)

	msg, err = DecodeClient([]byte(`{"type":"move","uci":"e2e4"}`))
	require.NoError(t, err)
	assert.Equal(t, "e2e4", msg.UCI)

	sessID := uuid.New()
	msg, err = DecodeClient([]byte(`{"type":"sync_game","sessionId":"` + sessID.String() + `"}`))
	require.NoError(t, err)
	assert.Equal(t, sessID, msg.SessionID)

	for _, typ := range []string{TypeCancelSearch, TypeResign, TypeLeaveGame, TypeSpectateGame, TypeLeaveSpectate, TypePing} {
		_, err := DecodeClient([]byte(`{"type":"` + typ + `"}`))
		assert.NoError(t, err, typ)
	}
}

func TestDecodeClientUnknownType(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"launch_missiles"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	// The envelope still decodes so the caller can report the tag.
	assert.Equal(t, "launch_missiles", msg.Type)
}

func TestDecodeClientMalformed(t *testing.T) {
	_, err := DecodeClient([]byte(`{"type":`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestServerMessagesCarryTypeTags(t *testing.T) {
	id := uuid.New()

	cases := []struct {
		ev   interface{}
		want string
	}{
		{NewWelcome(id), TypeWelcome},
		{NewSearching(50), TypeSearching},
		{NewGameEnded(id, models.EndCheckmate, &id), TypeGameEnded},
		{NewOpponentLeft("disconnected", 30_000), TypeOpponentLeft},
		{NewError(CodeIllegalMove, "nope"), TypeError},
		{NewPong(), TypePong},
	}
	for _, c := range cases {
		data, err := json.Marshal(c.ev)
		require.NoError(t, err)
		var envelope struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &envelope))
		assert.Equal(t, c.want, envelope.Type)
	}
}

func TestNewGameSyncSnapshotsSession(t *testing.T) {
	winner := uuid.New()
	s := &models.GameSession{
		ID:          uuid.New(),
		WhiteID:     uuid.New(),
		BlackID:     uuid.New(),
		BoardState:  "8/8/8/8/8/8/8/8 w - - 0 1",
		Status:      models.SessionFinished,
		Winner:      &winner,
		WagerAmount: 250,
	}
	clocks := clock.TimerSnapshot{WhiteMs: 1000, BlackMs: 2000, Turn: models.White, ServerNowMs: 42}

	sync := NewGameSync(s, clocks)
	assert.Equal(t, TypeGameSync, sync.Type)
	assert.Equal(t, s.ID, sync.SessionID)
	assert.Equal(t, s.BoardState, sync.BoardState)
	assert.Equal(t, models.SessionFinished, sync.Status)
	assert.Equal(t, &winner, sync.Winner)
	assert.Equal(t, int64(250), sync.Wager)
	assert.Equal(t, int64(42), sync.ServerNowMs)
}
