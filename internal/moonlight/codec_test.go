package moonlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePulse() Pulse {
	return Pulse{
		PulseType: PulseTypeDatapoint,
		PulseID:   42,
		Name:      "temp",
		Payload:   []byte(`{"c":21.5}`),
	}
}

func allSampleFrames() []Frame {
	return []Frame{
		CloseConnection{ServerInitiated: false},
		CloseConnection{ServerInitiated: true},
		Connect{KeepAlive: true, ProtocolVersion: 1, SerializationFormat: serializationFormatJSON,
			FleetID: "fleet123", DeviceID: "device1234", DeviceSecret: "FOS-" + mustRepeat("a1", 16)},
		Connected{KeepAlive: false, MailAvailable: false},
		Connected{KeepAlive: false, MailAvailable: true},
		Connected{KeepAlive: true, MailAvailable: false},
		Connected{KeepAlive: true, MailAvailable: true},
		Unauthorized{Reason: UnauthorizedDeviceDisabled},
		ConnectFailedFrame{Reason: ConnectFailedServiceDegraded},
		Heartbeat{},
		HeartbeatAck{Successful: true},
		HeartbeatAck{Successful: false},
		samplePulse(),
		PulseResp{Successful: true, PulseID: 42},
		PulseResp{Successful: false, PulseID: 42, ErrorReason: PulseErrorDeserializationFailed},
		NewMailEvent{MailboxSize: 3, PulseID: 500},
		MailboxNext{HeaderOnly: true, TxnID: 7},
		MailboxNext{HeaderOnly: false, TxnID: 7},
		MailboxNextResp{Successful: true, TxnID: 7, MailboxSize: 0},
		MailboxNextResp{Successful: true, TxnID: 7, MailboxSize: 3, HasMail: true,
			PulseID: 500, Name: "hello", Payload: []byte(`{"world":true}`)},
		MailboxNextResp{Successful: true, HeaderOnly: true, TxnID: 7, MailboxSize: 3, HasMail: true,
			PulseID: 500, Name: "hello"},
		AckMail{PulseID: 500, AckType: MailAckAck},
		AckMailResp{Successful: true, MailboxSize: 2, PulseID: 500, AckType: MailAckAck},
		AckMailResp{Successful: false, MailboxSize: 0, PulseID: 500, AckType: MailAckReject},
	}
}

func mustRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, f := range allSampleFrames() {
		encoded, err := Encode(f)
		require.NoError(t, err)

		decoded, n, err := decodeOne(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, f, decoded)
	}
}

func TestStreamingDecoderSplitAtAnyOffset(t *testing.T) {
	frames := allSampleFrames()
	var all []byte
	for _, f := range frames {
		enc, err := Encode(f)
		require.NoError(t, err)
		all = append(all, enc...)
	}

	for split := 1; split < 7; split++ {
		c := NewCodec()
		var got []Frame
		for i := 0; i < len(all); i += split {
			end := i + split
			if end > len(all) {
				end = len(all)
			}
			c.Feed(all[i:end])
			frames, err := c.Drain()
			require.NoError(t, err)
			got = append(got, frames...)
		}
		require.Equal(t, len(frames), len(got), "split size %d", split)
		for i := range frames {
			assert.Equal(t, frames[i], got[i], "split size %d frame %d", split, i)
		}
		assert.Equal(t, 0, c.Pending())
	}
}

func TestPartialFrameYieldsNothing(t *testing.T) {
	enc, err := Encode(samplePulse())
	require.NoError(t, err)

	c := NewCodec()
	c.Feed(enc[:len(enc)-1])
	frames, err := c.Drain()
	require.NoError(t, err)
	assert.Empty(t, frames)

	c.Feed(enc[len(enc)-1:])
	frames, err = c.Drain()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, samplePulse(), frames[0])
}

func TestDecodeFailureOnUnknownTag(t *testing.T) {
	c := NewCodec()
	c.Feed([]byte{200, 0, 0, 0})
	_, err := c.Drain()
	require.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecodeFailureRejectsOversizedPayload(t *testing.T) {
	buf := []byte{byte(TagPulse), 0, byte(PulseTypeMsg)}
	buf = appendU64(buf, 1)
	buf = append(buf, 0) // name_len
	buf = appendU32(buf, maxDecodePayloadLen+1)

	c := NewCodec()
	c.Feed(buf)
	_, err := c.Drain()
	require.Error(t, err)
}

func TestLiteralEndToEndScenarios(t *testing.T) {
	enc, _ := Encode(CloseConnection{ServerInitiated: false})
	assert.Equal(t, []byte{1, 0}, enc)
	enc, _ = Encode(CloseConnection{ServerInitiated: true})
	assert.Equal(t, []byte{1, 1}, enc)

	enc, _ = Encode(Heartbeat{})
	assert.Equal(t, []byte{8, 0}, enc)
	enc, _ = Encode(HeartbeatAck{Successful: true})
	assert.Equal(t, []byte{9, 1}, enc)

	enc, _ = Encode(Connected{MailAvailable: false, KeepAlive: false})
	assert.Equal(t, []byte{3, 0}, enc)
	enc, _ = Encode(Connected{MailAvailable: false, KeepAlive: true})
	assert.Equal(t, []byte{3, 1}, enc)
	enc, _ = Encode(Connected{MailAvailable: true, KeepAlive: false})
	assert.Equal(t, []byte{3, 2}, enc)
	enc, _ = Encode(Connected{MailAvailable: true, KeepAlive: true})
	assert.Equal(t, []byte{3, 3}, enc)

	enc, _ = Encode(Unauthorized{Reason: UnauthorizedDeviceDisabled})
	assert.Equal(t, []byte{4, 0, 5}, enc)
}

func TestMailboxNextEmptyAndWithPayload(t *testing.T) {
	empty := MailboxNextResp{Successful: true, TxnID: 1, MailboxSize: 0}
	enc, err := Encode(empty)
	require.NoError(t, err)
	decoded, _, err := decodeOne(enc)
	require.NoError(t, err)
	resp := decoded.(MailboxNextResp)
	assert.False(t, resp.HasMail)

	withMail := MailboxNextResp{
		Successful: true, TxnID: 1, MailboxSize: 3, HasMail: true,
		PulseID: 500, Name: "hello", Payload: []byte(`{"world":true}`),
	}
	enc, err = Encode(withMail)
	require.NoError(t, err)
	decoded, _, err = decodeOne(enc)
	require.NoError(t, err)
	resp = decoded.(MailboxNextResp)
	assert.True(t, resp.HasMail)
	assert.Equal(t, "hello", resp.Name)
	assert.Equal(t, uint16(3), resp.MailboxSize)
	assert.JSONEq(t, `{"world":true}`, string(resp.Payload))
}

func TestEncodeRejectsOverlongName(t *testing.T) {
	_, err := Encode(Pulse{Name: mustRepeat("x", 256)})
	assert.Error(t, err)
}
