package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidEventType(t *testing.T) {
	for _, valid := range AllEventTypes() {
		assert.True(t, IsValidEventType(valid), valid)
	}
	for _, invalid := range []string{"", "trace", "trace.deleted", "ping", "hello", "stats"} {
		assert.False(t, IsValidEventType(invalid), invalid)
	}
}

func TestAllEventTypes_ReturnsFreshSlice(t *testing.T) {
	first := AllEventTypes()
	require.Len(t, first, 5)
	first[0] = "mutated"
	assert.Equal(t, EventTypeTraceCreated, AllEventTypes()[0])
}

func TestClientMessage_Decode(t *testing.T) {
	var msg ClientMessage
	require.NoError(t, json.Unmarshal(
		[]byte(`{"op":"subscribe","events":["trace.created","trace.completed"]}`), &msg))
	assert.Equal(t, OpSubscribe, msg.Op)
	assert.Equal(t, []string{"trace.created", "trace.completed"}, msg.Events)

	// events omitted — empty set, the handler treats it as "all".
	msg = ClientMessage{}
	require.NoError(t, json.Unmarshal([]byte(`{"op":"unsubscribe"}`), &msg))
	assert.Equal(t, OpUnsubscribe, msg.Op)
	assert.Empty(t, msg.Events)
}
