package moonlight

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errIncomplete signals that the buffer does not yet hold a full frame.
// It never escapes Codec.Drain; only DecodeError and nil do.
var errIncomplete = errors.New("moonlight: incomplete frame")

// DecodeError is returned by Drain when the buffer contains bytes that can
// never form a valid frame (unknown tag, a length field past the sanity
// cap, or similar). It is fatal to the session: a framed byte stream
// cannot be safely re-synchronized after a parse failure.
type DecodeError struct {
	msg string
}

func (e *DecodeError) Error() string { return e.msg }

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{msg: fmt.Sprintf("moonlight decode: "+format, args...)}
}

// Encode serializes a frame to its wire representation. It only fails on
// an internal invariant violation (an over-length name or malformed
// credential field) — never on anything a well-formed caller can't avoid.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case CloseConnection:
		flags := byte(0)
		if v.ServerInitiated {
			flags |= flagBit0
		}
		return []byte{byte(TagCloseConnection), flags}, nil

	case Connect:
		if len(v.FleetID) != fleetIDWireLen {
			return nil, fmt.Errorf("encode: fleet_id must be exactly %d bytes", fleetIDWireLen)
		}
		if len(v.DeviceID) != deviceIDWireLen {
			return nil, fmt.Errorf("encode: device_id must be exactly %d bytes", deviceIDWireLen)
		}
		if len(v.DeviceSecret) != deviceSecretWireLen {
			return nil, fmt.Errorf("encode: device_secret must be exactly %d bytes", deviceSecretWireLen)
		}
		flags := byte(0)
		if v.KeepAlive {
			flags |= flagBit0
		}
		buf := make([]byte, 0, 2+1+1+fleetIDWireLen+deviceIDWireLen+deviceSecretWireLen)
		buf = append(buf, byte(TagConnect), flags, v.ProtocolVersion, v.SerializationFormat)
		buf = append(buf, v.FleetID...)
		buf = append(buf, v.DeviceID...)
		buf = append(buf, v.DeviceSecret...)
		return buf, nil

	case Connected:
		flags := byte(0)
		if v.KeepAlive {
			flags |= flagBit0
		}
		if v.MailAvailable {
			flags |= flagBit1
		}
		return []byte{byte(TagConnected), flags}, nil

	case Unauthorized:
		return []byte{byte(TagUnauthorized), 0, byte(v.Reason)}, nil

	case ConnectFailedFrame:
		return []byte{byte(TagConnectFailed), 0, byte(v.Reason)}, nil

	case Heartbeat:
		return []byte{byte(TagHeartbeat), 0}, nil

	case HeartbeatAck:
		flags := byte(0)
		if v.Successful {
			flags |= flagBit0
		}
		return []byte{byte(TagHeartbeatAck), flags}, nil

	case Pulse:
		if len(v.Name) > maxNameLen {
			return nil, fmt.Errorf("encode: pulse name exceeds %d bytes", maxNameLen)
		}
		buf := make([]byte, 0, 2+1+8+1+len(v.Name)+4+len(v.Payload))
		buf = append(buf, byte(TagPulse), 0, byte(v.PulseType))
		buf = appendU64(buf, v.PulseID)
		buf = append(buf, byte(len(v.Name)))
		buf = append(buf, v.Name...)
		buf = appendU32(buf, uint32(len(v.Payload)))
		buf = append(buf, v.Payload...)
		return buf, nil

	case PulseResp:
		flags := byte(0)
		if v.Successful {
			flags |= flagBit0
		}
		buf := make([]byte, 0, 11)
		buf = append(buf, byte(TagPulseResp), flags)
		buf = appendU64(buf, v.PulseID)
		if !v.Successful {
			buf = append(buf, byte(v.ErrorReason))
		}
		return buf, nil

	case NewMailEvent:
		buf := make([]byte, 0, 12)
		buf = append(buf, byte(TagNewMailEvent), 0)
		buf = appendU16(buf, v.MailboxSize)
		buf = appendU64(buf, v.PulseID)
		return buf, nil

	case MailboxNext:
		flags := byte(0)
		if v.HeaderOnly {
			flags |= flagBit0
		}
		buf := make([]byte, 0, 10)
		buf = append(buf, byte(TagMailboxNext), flags)
		buf = appendU64(buf, v.TxnID)
		return buf, nil

	case MailboxNextResp:
		if len(v.Name) > maxNameLen {
			return nil, fmt.Errorf("encode: mail name exceeds %d bytes", maxNameLen)
		}
		flags := byte(0)
		if v.Successful {
			flags |= flagBit0
		}
		if v.HeaderOnly {
			flags |= flagBit1
		}
		buf := make([]byte, 0, 32+len(v.Name)+len(v.Payload))
		buf = append(buf, byte(TagMailboxNextResp), flags)
		buf = appendU64(buf, v.TxnID)
		buf = appendU16(buf, v.MailboxSize)
		if v.Successful && v.MailboxSize > 0 {
			buf = appendU64(buf, v.PulseID)
			buf = append(buf, byte(len(v.Name)))
			buf = append(buf, v.Name...)
			if !v.HeaderOnly {
				buf = appendU32(buf, uint32(len(v.Payload)))
				buf = append(buf, v.Payload...)
			}
		}
		return buf, nil

	case AckMail:
		buf := make([]byte, 0, 11)
		buf = append(buf, byte(TagAckMail), 0)
		buf = appendU64(buf, v.PulseID)
		buf = append(buf, byte(v.AckType))
		return buf, nil

	case AckMailResp:
		flags := byte(0)
		if v.Successful {
			flags |= flagBit0
		}
		buf := make([]byte, 0, 13)
		buf = append(buf, byte(TagAckMailResp), flags)
		buf = appendU16(buf, v.MailboxSize)
		buf = appendU64(buf, v.PulseID)
		buf = append(buf, byte(v.AckType))
		return buf, nil

	default:
		return nil, fmt.Errorf("encode: unknown frame type %T", f)
	}
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// decodeOne attempts to decode a single frame from the head of buf. It
// returns (frame, consumed, nil) on success, (nil, 0, errIncomplete) if buf
// does not yet hold a complete frame, or (nil, 0, *DecodeError) if buf can
// never be a valid frame.
func decodeOne(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, errIncomplete
	}
	tag := Tag(buf[0])
	flags := buf[1]

	switch tag {
	case TagCloseConnection:
		return CloseConnection{ServerInitiated: flags&flagBit0 != 0}, 2, nil

	case TagConnect:
		need := 2 + 1 + 1 + fleetIDWireLen + deviceIDWireLen + deviceSecretWireLen
		if len(buf) < need {
			return nil, 0, errIncomplete
		}
		off := 2
		pv := buf[off]
		off++
		sf := buf[off]
		off++
		fleetID := string(buf[off : off+fleetIDWireLen])
		off += fleetIDWireLen
		deviceID := string(buf[off : off+deviceIDWireLen])
		off += deviceIDWireLen
		secret := string(buf[off : off+deviceSecretWireLen])
		off += deviceSecretWireLen
		return Connect{
			KeepAlive:           flags&flagBit0 != 0,
			ProtocolVersion:     pv,
			SerializationFormat: sf,
			FleetID:             fleetID,
			DeviceID:            deviceID,
			DeviceSecret:        secret,
		}, off, nil

	case TagConnected:
		return Connected{
			KeepAlive:     flags&flagBit0 != 0,
			MailAvailable: flags&flagBit1 != 0,
		}, 2, nil

	case TagUnauthorized:
		if len(buf) < 3 {
			return nil, 0, errIncomplete
		}
		return Unauthorized{Reason: UnauthorizedReason(buf[2])}, 3, nil

	case TagConnectFailed:
		if len(buf) < 3 {
			return nil, 0, errIncomplete
		}
		return ConnectFailedFrame{Reason: ConnectFailedReason(buf[2])}, 3, nil

	case TagHeartbeat:
		return Heartbeat{}, 2, nil

	case TagHeartbeatAck:
		return HeartbeatAck{Successful: flags&flagBit0 != 0}, 2, nil

	case TagPulse:
		if len(buf) < 12 {
			return nil, 0, errIncomplete
		}
		off := 2
		pulseType := PulseType(buf[off])
		off++
		pulseID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		nameLen := int(buf[off])
		off++
		if len(buf) < off+nameLen+4 {
			return nil, 0, errIncomplete
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		payloadLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if payloadLen > maxDecodePayloadLen {
			return nil, 0, decodeErrorf("pulse payload_len %d exceeds cap %d", payloadLen, maxDecodePayloadLen)
		}
		if len(buf) < off+payloadLen {
			return nil, 0, errIncomplete
		}
		payload := append([]byte(nil), buf[off:off+payloadLen]...)
		off += payloadLen
		return Pulse{PulseType: pulseType, PulseID: pulseID, Name: name, Payload: payload}, off, nil

	case TagPulseResp:
		if len(buf) < 10 {
			return nil, 0, errIncomplete
		}
		successful := flags&flagBit0 != 0
		pulseID := binary.BigEndian.Uint64(buf[2:10])
		off := 10
		var reason PulseErrorReason
		if !successful {
			if len(buf) < off+1 {
				return nil, 0, errIncomplete
			}
			reason = PulseErrorReason(buf[off])
			off++
		}
		return PulseResp{Successful: successful, PulseID: pulseID, ErrorReason: reason}, off, nil

	case TagNewMailEvent:
		if len(buf) < 12 {
			return nil, 0, errIncomplete
		}
		off := 2
		mailboxSize := binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
		pulseID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		return NewMailEvent{MailboxSize: mailboxSize, PulseID: pulseID}, off, nil

	case TagMailboxNext:
		if len(buf) < 10 {
			return nil, 0, errIncomplete
		}
		txnID := binary.BigEndian.Uint64(buf[2:10])
		return MailboxNext{HeaderOnly: flags&flagBit0 != 0, TxnID: txnID}, 10, nil

	case TagMailboxNextResp:
		if len(buf) < 12 {
			return nil, 0, errIncomplete
		}
		successful := flags&flagBit0 != 0
		headerOnly := flags&flagBit1 != 0
		off := 2
		txnID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		mailboxSize := binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
		resp := MailboxNextResp{
			Successful: successful,
			HeaderOnly: headerOnly,
			TxnID:      txnID,
			MailboxSize: mailboxSize,
		}
		if successful && mailboxSize > 0 {
			resp.HasMail = true
			if len(buf) < off+8+1 {
				return nil, 0, errIncomplete
			}
			resp.PulseID = binary.BigEndian.Uint64(buf[off : off+8])
			off += 8
			nameLen := int(buf[off])
			off++
			if len(buf) < off+nameLen {
				return nil, 0, errIncomplete
			}
			resp.Name = string(buf[off : off+nameLen])
			off += nameLen
			if !headerOnly {
				if len(buf) < off+4 {
					return nil, 0, errIncomplete
				}
				payloadLen := int(binary.BigEndian.Uint32(buf[off : off+4]))
				off += 4
				if payloadLen > maxDecodePayloadLen {
					return nil, 0, decodeErrorf("mailbox payload_len %d exceeds cap %d", payloadLen, maxDecodePayloadLen)
				}
				if len(buf) < off+payloadLen {
					return nil, 0, errIncomplete
				}
				resp.Payload = append([]byte(nil), buf[off:off+payloadLen]...)
				off += payloadLen
			}
		}
		return resp, off, nil

	case TagAckMail:
		if len(buf) < 11 {
			return nil, 0, errIncomplete
		}
		off := 2
		pulseID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		ackType := MailAckType(buf[off])
		off++
		return AckMail{PulseID: pulseID, AckType: ackType}, off, nil

	case TagAckMailResp:
		if len(buf) < 13 {
			return nil, 0, errIncomplete
		}
		off := 2
		mailboxSize := binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
		pulseID := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		ackType := MailAckType(buf[off])
		off++
		return AckMailResp{
			Successful:  flags&flagBit0 != 0,
			MailboxSize: mailboxSize,
			PulseID:     pulseID,
			AckType:     ackType,
		}, off, nil

	default:
		return nil, 0, decodeErrorf("unknown tag %d", tag)
	}
}

// Codec holds the streaming-decode buffer for one session. It is not safe
// for concurrent use; the session engine is its only caller and the engine
// is single-threaded by contract.
type Codec struct {
	buf []byte
}

// NewCodec returns an empty Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Feed appends newly-received bytes to the internal buffer.
func (c *Codec) Feed(b []byte) {
	c.buf = append(c.buf, b...)
}

// Drain decodes as many complete frames as the buffer currently holds, in
// order, discarding the consumed prefix. It stops (without error) when the
// remaining bytes are an incomplete frame, and fails the whole call on the
// first unrecoverable decode error, leaving any already-decoded frames in
// the returned slice.
func (c *Codec) Drain() ([]Frame, error) {
	var frames []Frame
	for {
		f, n, err := decodeOne(c.buf)
		if err == errIncomplete {
			if len(c.buf) == 0 {
				c.buf = nil
			}
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		c.buf = c.buf[n:]
	}
}

// Pending reports how many undecoded bytes remain buffered.
func (c *Codec) Pending() int {
	return len(c.buf)
}
