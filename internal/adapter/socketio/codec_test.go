package socketio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantType  PacketType
		wantNsp   string
		wantID    int
		wantData  string
		wantError error
	}{
		{name: "connect default namespace", in: "0", wantType: PacketConnect, wantNsp: "/", wantID: -1},
		{name: "connect with namespace and sid", in: `0/v1/websocket,{"sid":"abc"}`, wantType: PacketConnect, wantNsp: "/v1/websocket", wantID: -1, wantData: `{"sid":"abc"}`},
		{name: "disconnect namespace only", in: "1/v1/websocket,", wantType: PacketDisconnect, wantNsp: "/v1/websocket", wantID: -1},
		{name: "event", in: `2["hello",1]`, wantType: PacketEvent, wantNsp: "/", wantID: -1, wantData: `["hello",1]`},
		{name: "event with ack id", in: `2/chat,13["hello"]`, wantType: PacketEvent, wantNsp: "/chat", wantID: 13, wantData: `["hello"]`},
		{name: "connect error", in: `4{"message":"not authorized"}`, wantType: PacketConnectError, wantNsp: "/", wantID: -1, wantData: `{"message":"not authorized"}`},
		{name: "empty", in: "", wantError: ErrMalformedPacket},
		{name: "bad type", in: "9", wantError: ErrMalformedPacket},
		{name: "binary", in: `51-["file",{"_placeholder":true,"num":0}]`, wantError: ErrBinaryUnsupported},
		{name: "bad json", in: `2["hello"`, wantError: ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePacket(tt.in)
			if tt.wantError != nil {
				require.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, tt.wantNsp, p.Namespace)
			if tt.wantID < 0 {
				assert.Nil(t, p.ID)
			} else {
				require.NotNil(t, p.ID)
				assert.Equal(t, tt.wantID, *p.ID)
			}
			assert.Equal(t, tt.wantData, string(p.Data))
		})
	}
}

func TestPacketEncode(t *testing.T) {
	id := 7
	tests := []struct {
		p    Packet
		want string
	}{
		{Packet{Type: PacketConnect, Namespace: "/v1/websocket", Data: json.RawMessage(`{"apiKey":"k"}`)}, `0/v1/websocket,{"apiKey":"k"}`},
		{Packet{Type: PacketConnect, Namespace: "/"}, "0"},
		{Packet{Type: PacketDisconnect, Namespace: "/v1/websocket"}, "1/v1/websocket,"},
		{Packet{Type: PacketEvent, ID: &id, Data: json.RawMessage(`["ping"]`)}, `27["ping"]`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.p.Encode())
	}
}

func TestEventRoundTrip(t *testing.T) {
	data, err := EncodeEvent("subscription", "msg-1", "ADDRESS_ACTIVITY", `{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `["subscription","msg-1","ADDRESS_ACTIVITY","{\"a\":1}"]`, string(data))

	name, args, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "subscription", name)
	require.Len(t, args, 3)
	assert.JSONEq(t, `"msg-1"`, string(args[0]))

	_, _, err = DecodeEvent(json.RawMessage(`[]`))
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, _, err = DecodeEvent(json.RawMessage(`[42]`))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDialRequestEndpoint(t *testing.T) {
	req := DialRequest{
		URL:   "https://web3.nodit.io/v1/websocket",
		Path:  "/v1/websocket/",
		Query: map[string][]string{"protocol": {"ethereum"}, "network": {"mainnet"}},
	}

	endpoint, nsp, err := req.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "/v1/websocket", nsp)
	assert.Equal(t, "wss://web3.nodit.io/v1/websocket/?EIO=4&network=mainnet&protocol=ethereum&transport=websocket", endpoint)

	_, nsp, err = DialRequest{URL: "ws://localhost:3000"}.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "/", nsp)

	_, _, err = DialRequest{URL: "ftp://example.org"}.endpoint()
	assert.Error(t, err)
}
