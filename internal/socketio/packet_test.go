package socketio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEngine(t *testing.T) {
	typ, payload, err := ParseEngine(`0{"sid":"abc"}`)
	require.NoError(t, err)
	assert.Equal(t, EngineOpen, typ)
	assert.Equal(t, `{"sid":"abc"}`, payload)

	typ, payload, err = ParseEngine("2")
	require.NoError(t, err)
	assert.Equal(t, EnginePing, typ)
	assert.Empty(t, payload)

	_, _, err = ParseEngine("")
	assert.ErrorIs(t, err, ErrBadPacket)
	_, _, err = ParseEngine("9")
	assert.ErrorIs(t, err, ErrBadPacket)
}

func TestParseOpen(t *testing.T) {
	info, err := ParseOpen(`{"sid":"lv_VI97HAXpY6yYWAAAC","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	require.NoError(t, err)
	assert.Equal(t, "lv_VI97HAXpY6yYWAAAC", info.SID)
	assert.Equal(t, 25000, info.PingInterval)
	assert.Equal(t, 20000, info.PingTimeout)
	assert.Equal(t, 1000000, info.MaxPayload)

	_, err = ParseOpen("nope")
	assert.ErrorIs(t, err, ErrBadPacket)
}

func TestParsePacket(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  PacketType
		ns   string
		id   int
		data string
	}{
		{"connect", "0", PacketConnect, "/", -1, ""},
		{"connect ack", `0{"sid":"x"}`, PacketConnect, "/", -1, `{"sid":"x"}`},
		{"disconnect", "1", PacketDisconnect, "/", -1, ""},
		{"event", `2["PlayAudioEvent",{"audio":"AA=="}]`, PacketEvent, "/", -1, `["PlayAudioEvent",{"audio":"AA=="}]`},
		{"event with ack id", `212["ping"]`, PacketEvent, "/", 12, `["ping"]`},
		{"namespaced event", `2/admin,["x",1]`, PacketEvent, "/admin", -1, `["x",1]`},
		{"namespaced with id", `2/admin,7["x"]`, PacketEvent, "/admin", 7, `["x"]`},
		{"namespace only", `0/admin`, PacketConnect, "/admin", -1, ""},
		{"connect error", `4{"message":"Not authorized"}`, PacketConnectError, "/", -1, `{"message":"Not authorized"}`},
		{"binary event", `51-["file",{"_placeholder":true,"num":0}]`, PacketBinaryEvent, "/", -1, `["file",{"_placeholder":true,"num":0}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePacket(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.ns, p.Namespace)
			assert.Equal(t, tt.id, p.ID)
			assert.Equal(t, tt.data, string(p.Data))
		})
	}
}

func TestParsePacket_Malformed(t *testing.T) {
	for _, in := range []string{"", "9", `2["unterminated`, "5[]"} {
		_, err := ParsePacket(in)
		assert.ErrorIs(t, err, ErrBadPacket, in)
	}
}

func TestPacketEvent(t *testing.T) {
	p, err := ParsePacket(`2["PlayAudioEvent","private-audio.Lobby",{"audio":{"0":"AA=="}}]`)
	require.NoError(t, err)

	name, args, err := p.Event()
	require.NoError(t, err)
	assert.Equal(t, "PlayAudioEvent", name)
	require.Len(t, args, 2)
	assert.Equal(t, "private-audio.Lobby", args[0])
	assert.IsType(t, map[string]any{}, args[1])

	for _, in := range []string{`2[]`, `2[1,2]`, `2{"a":1}`} {
		p, err := ParsePacket(in)
		require.NoError(t, err)
		_, _, err = p.Event()
		assert.ErrorIs(t, err, ErrBadPacket, in)
	}
}

func TestEncodeEvent(t *testing.T) {
	frame, err := EncodeEvent("/", "subscribe", map[string]any{"channel": "private-audio.Lobby"})
	require.NoError(t, err)
	assert.Equal(t, `42["subscribe",{"channel":"private-audio.Lobby"}]`, frame)

	frame, err = EncodeEvent("/admin", "client:ping")
	require.NoError(t, err)
	assert.Equal(t, `42/admin,["client:ping"]`, frame)

	_, err = EncodeEvent("/", "bad", make(chan int))
	assert.Error(t, err)
}

func TestEncodeConnect(t *testing.T) {
	frame, err := EncodeConnect("/", nil)
	require.NoError(t, err)
	assert.Equal(t, "40", frame)

	frame, err = EncodeConnect("/admin", map[string]string{"token": "t"})
	require.NoError(t, err)
	assert.Equal(t, `40/admin,{"token":"t"}`, frame)
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("https://tta-ad", "/socket.io/")
	require.NoError(t, err)
	assert.Equal(t, "wss://tta-ad/socket.io/?EIO=4&transport=websocket", u)

	u, err = EndpointURL("http://localhost:6001/app/", "/socket.io")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:6001/app/socket.io?EIO=4&transport=websocket", u)

	_, err = EndpointURL("ftp://tta-ad", "/socket.io/")
	assert.Error(t, err)
	_, err = EndpointURL("https://", "/socket.io/")
	assert.Error(t, err)
}

func TestAlternatePath(t *testing.T) {
	assert.Equal(t, "/socket.io", alternatePath("/socket.io/"))
	assert.Equal(t, "/socket.io/", alternatePath("/socket.io"))
}

func TestJitter(t *testing.T) {
	for range 100 {
		d := jitter(time.Second, 5*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, 2*time.Second, jitter(2*time.Second, 2*time.Second))
}
