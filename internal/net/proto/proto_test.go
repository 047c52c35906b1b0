package proto

import (
	"bytes"
	stdjson "encoding/json"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMessageRoundTrip(t *testing.T) {
	msg := StateMessage{
		Entity: "pet-1",
		Class:  "pet",
		Sender: "alice",
		Epoch:  3,
		Seq:    42,
		SentAt: 1700000000000,
		Fields: map[string]stdjson.RawMessage{
			"position": stdjson.RawMessage(`[1,2,3]`),
			"mood":     stdjson.RawMessage(`"happy"`),
		},
	}
	payload, err := Encode(msg)
	require.NoError(t, err)

	frame, err := NewFrame(msg.Channel(), msg.Entity, payload)
	require.NoError(t, err)
	assert.Empty(t, frame.Packed)

	wire, err := EncodeFrame(frame)
	require.NoError(t, err)
	decoded, err := DecodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, ChannelDelta, decoded.Channel)
	assert.Equal(t, EntityID("pet-1"), decoded.Entity)

	body, err := decoded.Body()
	require.NoError(t, err)
	got, err := Decode[StateMessage](body)
	require.NoError(t, err)
	assert.Equal(t, msg.Epoch, got.Epoch)
	assert.Equal(t, msg.Seq, got.Seq)
	assert.JSONEq(t, `[1,2,3]`, string(got.Fields["position"]))
	assert.JSONEq(t, `"happy"`, string(got.Fields["mood"]))
}

func TestLargePayloadIsCompressed(t *testing.T) {
	fields := make(map[string]stdjson.RawMessage)
	blob := `"` + strings.Repeat("abcdefgh", 400) + `"`
	fields["blob"] = stdjson.RawMessage(blob)
	msg := StateMessage{Entity: "big", Sender: ServerID, Full: true, Fields: fields}

	payload, err := Encode(msg)
	require.NoError(t, err)
	require.Greater(t, len(payload), CompressThreshold)

	frame, err := NewFrame(msg.Channel(), msg.Entity, payload)
	require.NoError(t, err)
	assert.Empty(t, frame.Payload)
	assert.NotEmpty(t, frame.Packed)
	assert.Less(t, len(frame.Packed), len(payload))

	wire, err := EncodeFrame(frame)
	require.NoError(t, err)
	decoded, err := DecodeFrame(wire)
	require.NoError(t, err)
	body, err := decoded.Body()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, body))
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := DecodeFrame(nil)
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`{"p":{}}`))
	assert.Error(t, err)
	_, err = DecodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, err := Decode[OwnershipRequest](nil)
	assert.Error(t, err)
}

func TestStateMessageChannel(t *testing.T) {
	assert.Equal(t, ChannelDelta, StateMessage{}.Channel())
	assert.Equal(t, ChannelFull, StateMessage{Full: true}.Channel())
}

func compileSchema(t *testing.T, channel Channel) *jsonschema.Schema {
	t.Helper()
	reflected, err := Schema(channel)
	require.NoError(t, err)
	raw, err := stdjson.Marshal(reflected)
	require.NoError(t, err)

	url := "mem://" + string(channel) + ".json"
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource(url, bytes.NewReader(raw)))
	compiled, err := compiler.Compile(url)
	require.NoError(t, err)
	return compiled
}

func validateJSON(t *testing.T, schema *jsonschema.Schema, doc string) error {
	t.Helper()
	var v any
	require.NoError(t, stdjson.Unmarshal([]byte(doc), &v))
	return schema.Validate(v)
}

func TestSchemasAcceptEncodedMessages(t *testing.T) {
	samples := []Message{
		OwnershipRequest{Entity: "pet-1"},
		OwnershipRelease{Entity: "pet-1"},
		OwnershipChanged{Entity: "pet-1", Old: "alice", New: "bob", Epoch: 4, Reason: "request", GrantedAt: 10},
		OwnershipDenied{Entity: "pet-1", Owner: "alice", Epoch: 3},
		ResyncRequest{Entity: "pet-1"},
		EntityRemoved{Entity: "pet-1"},
		StateMessage{Entity: "pet-1", Sender: "alice", Epoch: 1, Seq: 1, Fields: map[string]stdjson.RawMessage{}},
	}
	for _, msg := range samples {
		schema := compileSchema(t, msg.Channel())
		payload, err := Encode(msg)
		require.NoError(t, err)
		assert.NoError(t, validateJSON(t, schema, string(payload)), "channel %s", msg.Channel())
	}
}

func TestSchemasRejectMalformedMessages(t *testing.T) {
	denied := compileSchema(t, ChannelOwnershipDenied)
	assert.Error(t, validateJSON(t, denied, `{"owner":"alice","epoch":1}`))
	assert.Error(t, validateJSON(t, denied, `{"entity":"e","owner":"alice","epoch":"one"}`))

	_, err := Schema("nope")
	assert.Error(t, err)
}
