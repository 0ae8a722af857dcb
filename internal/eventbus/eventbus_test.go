package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrips(t *testing.T) {
	env := Envelope{
		CorrelationID: "11111111-1111-1111-1111-111111111111",
		Trace:         "000777",
		MTI:           "0200",
		Payload:       json.RawMessage(`{"3":"000000","4":"000000010000"}`),
		PublishedAt:   time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, env.Trace, decoded.Trace)
	assert.Equal(t, env.MTI, decoded.MTI)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	assert.True(t, env.PublishedAt.Equal(decoded.PublishedAt))
}

func TestDecodeReplyInvokesHandler(t *testing.T) {
	env := Envelope{
		CorrelationID: "22222222-2222-2222-2222-222222222222",
		Trace:         "000888",
		MTI:           "0210",
		Payload:       json.RawMessage(`{"39":"00"}`),
		PublishedAt:   time.Now(),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	calls := 0
	err = decodeReply(data, func(e Envelope) {
		calls++
		got = e
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, env.Trace, got.Trace)
	assert.Equal(t, env.MTI, got.MTI)
}

func TestDecodeReplyDropsUndecodableMessage(t *testing.T) {
	calls := 0
	err := decodeReply([]byte("not json"), func(Envelope) {
		calls++
	})

	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}
