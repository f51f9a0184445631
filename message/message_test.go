package message

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/crypto"
	"github.com/opd-ai/peercore/limits"
	"github.com/opd-ai/peercore/peer"
)

func testAddress(port int) peer.Address {
	return peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(net.IPv4(127, 0, 0, 1), port))
}

func TestTypePredicates(t *testing.T) {
	tests := []struct {
		typ       Type
		request   bool
		ff        bool
		ok        bool
		notOk     bool
		errorType bool
	}{
		{Request1, true, false, false, false, false},
		{Request4, true, false, false, false, false},
		{RequestFF1, true, true, false, false, false},
		{RequestFF2, true, true, false, false, false},
		{OK, false, false, true, false, false},
		{PartiallyOK, false, false, true, false, false},
		{NotFound, false, false, false, true, false},
		{Denied, false, false, false, true, false},
		{UnknownID, false, false, false, false, true},
		{Exception, false, false, false, false, true},
		{User1, false, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			assert.Equal(t, tt.request, tt.typ.IsRequest())
			assert.Equal(t, tt.ff, tt.typ.IsFireAndForget())
			assert.Equal(t, tt.ok, tt.typ.IsOk())
			assert.Equal(t, tt.notOk, tt.typ.IsNotOk())
			assert.Equal(t, tt.errorType, tt.typ.IsError())
		})
	}
}

func TestResponseCorrelatesWithRequest(t *testing.T) {
	sender, recipient := testAddress(4000), testAddress(5000)
	req := New(DirectData, Request1, sender, recipient)
	req.KeepAlive = true
	req.Remote = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1234}

	resp := req.Response(OK, recipient)
	assert.Equal(t, req.MessageID(), resp.MessageID())
	assert.True(t, resp.Recipient.Equal(sender))
	assert.True(t, resp.Sender.Equal(recipient))
	assert.True(t, resp.KeepAlive)
	assert.Equal(t, req.Remote, resp.ReplyTo)

	other := New(DirectData, Request1, sender, recipient)
	other.ID = req.ID + 1
	assert.NotEqual(t, req.MessageID(), other.MessageID())
	other.ID = req.ID
	other.Command = Ping
	assert.NotEqual(t, req.MessageID(), other.MessageID())
}

func TestCodecRoundTrip(t *testing.T) {
	relay := peer.NewSocketAddress(net.ParseIP("2001:db8::1"), 4100)
	sender := testAddress(4000).WithRelayed(true).WithRelays([]peer.SocketAddress{relay})
	m := New(Rcon, Request1, sender, testAddress(5000))
	m.KeepAlive = true
	m.Streaming = true
	m.IntValues = []int32{-7, 42}
	m.PeerSocketAddresses = []peer.SocketAddress{relay}
	m.Payload = []byte("hello")

	var codec Codec
	data, err := codec.Encode(m)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m.MessageID(), got.MessageID())
	assert.Equal(t, m.Type, got.Type)
	assert.True(t, got.Sender.Equal(m.Sender))
	assert.True(t, got.Recipient.Equal(m.Recipient))
	assert.True(t, got.KeepAlive)
	assert.False(t, got.Done())
	assert.Equal(t, m.IntValues, got.IntValues)
	assert.Equal(t, m.Payload, got.Payload)
	assert.Len(t, got.PeerSocketAddresses, 1)
	assert.False(t, got.Signed)
}

func TestCodecSignedMessages(t *testing.T) {
	signer, err := crypto.NewSigner()
	require.NoError(t, err)
	signing := Codec{Signer: signer}

	m := New(Ping, Request1, testAddress(1), testAddress(2))
	m.Payload = []byte{1, 2, 3}
	data, err := signing.Encode(m)
	require.NoError(t, err)

	// verification does not need a local signer
	got, err := Codec{}.Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Signed)
	assert.Equal(t, signer.PublicKey(), got.PublicKey)

	data[headerSize] ^= 0x01
	_, err = Codec{}.Decode(data)
	assert.ErrorIs(t, err, crypto.ErrInvalidSignature)
}

func TestCodecRejectsBrokenFrames(t *testing.T) {
	m := New(Ping, Request1, testAddress(1), testAddress(2))
	data, err := Codec{}.Encode(m)
	require.NoError(t, err)

	_, err = Codec{}.Decode(data[:len(data)-3])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Codec{}.Decode(append(data, 0))
	assert.ErrorIs(t, err, ErrMalformed)

	bad := append([]byte(nil), data...)
	bad[9] = 0xee
	_, err = Codec{}.Decode(bad)
	assert.ErrorIs(t, err, ErrMalformed)

	huge := New(DirectData, Request1, testAddress(1), testAddress(2))
	huge.Payload = make([]byte, limits.MaxFrameSize+1)
	_, err = Codec{}.Encode(huge)
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestAllowedOverRelayUDP(t *testing.T) {
	assert.True(t, Ping.AllowedOverRelayUDP())
	assert.True(t, Neighbor.AllowedOverRelayUDP())
	assert.False(t, DirectData.AllowedOverRelayUDP())
	assert.False(t, Rcon.AllowedOverRelayUDP())
}
