package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/agentrunner/pkg/models"
)

func TestMarshalPayload(t *testing.T) {
	t.Run("nil becomes empty object", func(t *testing.T) {
		data, err := marshalPayload(nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(data))
	})

	t.Run("raw message passes through", func(t *testing.T) {
		data, err := marshalPayload(json.RawMessage(`{"text":"hi"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"hi"}`, string(data))
	})

	t.Run("struct is marshaled", func(t *testing.T) {
		data, err := marshalPayload(DirectivePayload{Text: "focus on tests"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"text":"focus on tests"}`, string(data))
	})
}

func TestBuildNotifyPayload(t *testing.T) {
	t.Run("small event passes through complete", func(t *testing.T) {
		evt := &models.Event{
			ID:        7,
			RunID:     3,
			Type:      TypeStepCompleted,
			Payload:   json.RawMessage(`{"name":"plan","duration_ms":120}`),
			CreatedAt: time.Now(),
		}
		payload, err := buildNotifyPayload(evt)
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(payload), &env))
		assert.False(t, env.Truncated)
		assert.Equal(t, int64(7), env.ID)
		assert.Equal(t, int64(3), env.RunID)
		assert.Equal(t, TypeStepCompleted, env.Type)
		assert.JSONEq(t, `{"name":"plan","duration_ms":120}`, string(env.Payload))
	})

	t.Run("oversized payload is replaced by truncation envelope", func(t *testing.T) {
		big, _ := json.Marshal(map[string]string{"output": strings.Repeat("a", 9000)})
		evt := &models.Event{
			ID:      8,
			RunID:   3,
			Type:    TypeStepCompleted,
			Payload: big,
		}
		payload, err := buildNotifyPayload(evt)
		require.NoError(t, err)
		assert.Less(t, len(payload), 8000)

		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(payload), &env))
		assert.True(t, env.Truncated)
		assert.Equal(t, int64(8), env.ID)
		assert.Equal(t, int64(3), env.RunID)
		assert.Empty(t, env.Payload, "truncation envelope drops the payload")
	})
}
