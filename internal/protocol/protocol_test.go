package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_IgnoresIDAndKeyOrder(t *testing.T) {
	a := Message{Type: "echo", ID: "0", Data: json.RawMessage(`{"v":"x","n":1}`)}
	b := Message{Type: "echo", ID: "17", Data: json.RawMessage(`{ "n": 1, "v": "x" }`)}

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Equal(t, `{"type":"echo","data":{"n":1,"v":"x"}}`, fa)
}

func TestFingerprint_DistinguishesTypeAndData(t *testing.T) {
	tests := []struct {
		name string
		a, b Message
	}{
		{
			name: "different type",
			a:    Message{Type: "echo", Data: json.RawMessage(`{"v":"x"}`)},
			b:    Message{Type: "ping", Data: json.RawMessage(`{"v":"x"}`)},
		},
		{
			name: "different data",
			a:    Message{Type: "echo", Data: json.RawMessage(`{"v":"x"}`)},
			b:    Message{Type: "echo", Data: json.RawMessage(`{"v":"y"}`)},
		},
		{
			name: "number precision",
			a:    Message{Type: "echo", Data: json.RawMessage(`{"n":1}`)},
			b:    Message{Type: "echo", Data: json.RawMessage(`{"n":1.0}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, err := Fingerprint(tt.a)
			require.NoError(t, err)
			fb, err := Fingerprint(tt.b)
			require.NoError(t, err)
			assert.NotEqual(t, fa, fb)
		})
	}
}

func TestFingerprint_NoDataEqualsNull(t *testing.T) {
	fa, err := Fingerprint(Message{Type: "ping"})
	require.NoError(t, err)
	fb, err := Fingerprint(Message{Type: "ping", Data: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprint_BadData(t *testing.T) {
	_, err := Fingerprint(Message{Type: "echo", Data: json.RawMessage(`{broken`)})
	assert.Error(t, err)
}

func TestSplitCompositeID(t *testing.T) {
	tests := []struct {
		id      string
		channel string
		local   string
		ok      bool
	}{
		{id: "3:12", channel: "3", local: "12", ok: true},
		{id: "3:a:b", channel: "3", local: "a:b", ok: true},
		{id: "12", channel: "", local: "12", ok: false},
		{id: ":5", channel: "", local: ":5", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			channel, local, ok := SplitCompositeID(tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.channel, channel)
			assert.Equal(t, tt.local, local)
		})
	}

	channel, local, ok := SplitCompositeID(CompositeID("7", "0"))
	assert.True(t, ok)
	assert.Equal(t, "7", channel)
	assert.Equal(t, "0", local)
}

func TestDecode_ResponseWithTTL(t *testing.T) {
	msg, err := Decode([]byte(`{"status":"ok","id":"1:0","data":"x","ttl":5}`))
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	assert.False(t, msg.IsEvent())
	assert.True(t, msg.Cacheable())
	assert.Equal(t, 5.0, *msg.TTL)
	assert.JSONEq(t, `"x"`, string(msg.Data))
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	// a non-numeric ttl makes the frame unusable rather than silently uncached
	_, err = Decode([]byte(`{"status":"ok","id":"1:0","ttl":"5"}`))
	assert.Error(t, err)
}

func TestNewEvent(t *testing.T) {
	msg, err := NewEvent(EventReconnect, nil)
	require.NoError(t, err)
	assert.True(t, msg.IsEvent())
	assert.Nil(t, msg.Data)

	msg, err = NewEvent(EventToast, Toast{Type: "error", Summary: "Connection lost"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","summary":"Connection lost"}`, string(msg.Data))
}

func TestTimeoutError_IsProtocolError(t *testing.T) {
	var err error = NewTimeoutError()

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Timeout", pe.Message)
	assert.True(t, IsTimeout(err))

	assert.False(t, IsTimeout(&ProtocolError{Message: "nope"}))
}
