package moonlight

// Tag identifies a Moonlight packet type; it is always the first byte on
// the wire.
type Tag byte

const (
	TagCloseConnection Tag = 1
	TagConnect         Tag = 2
	TagConnected       Tag = 3
	TagUnauthorized    Tag = 4
	TagConnectFailed   Tag = 5
	TagHeartbeat       Tag = 8
	TagHeartbeatAck    Tag = 9
	TagPulse           Tag = 10
	TagPulseResp       Tag = 11
	TagNewMailEvent    Tag = 20
	TagMailboxNext     Tag = 21
	TagMailboxNextResp Tag = 22
	TagAckMail         Tag = 25
	TagAckMailResp     Tag = 26
)

// Reserved flag bits, common to every frame: the top bit is reserved for a
// future continuation byte, the second-highest bit for virtual-device
// routing. Per-frame meanings of the low two bits are documented on each
// frame struct below.
const (
	flagReservedContinuation byte = 1 << 7
	flagReservedVirtualDev   byte = 1 << 6
	flagBit0                 byte = 1 << 0
	flagBit1                 byte = 1 << 1
)

const (
	protocolVersion = 1

	serializationFormatMsgPack byte = 1
	serializationFormatJSON    byte = 2

	fleetIDWireLen      = 8
	deviceIDWireLen     = 10
	deviceSecretWireLen = 36

	// maxDecodePayloadLen bounds payload_len fields against pathological
	// allocations from a malformed or hostile stream.
	maxDecodePayloadLen = 4 << 20 // 4 MiB
	maxNameLen          = 255
)

// Frame is implemented by every decoded/encodable Moonlight packet.
type Frame interface {
	frameTag() Tag
}

// CloseConnection — tag 1. flags.bit0 = server-initiated.
type CloseConnection struct {
	ServerInitiated bool
}

func (CloseConnection) frameTag() Tag { return TagCloseConnection }

// Connect — tag 2. flags.bit0 = keep-alive.
type Connect struct {
	KeepAlive           bool
	ProtocolVersion     byte
	SerializationFormat byte
	FleetID             string
	DeviceID            string
	DeviceSecret        string
}

func (Connect) frameTag() Tag { return TagConnect }

// Connected — tag 3. flags.bit0 = keep-alive, flags.bit1 = mail_available.
type Connected struct {
	KeepAlive     bool
	MailAvailable bool
}

func (Connected) frameTag() Tag { return TagConnected }

// Unauthorized — tag 4.
type Unauthorized struct {
	Reason UnauthorizedReason
}

func (Unauthorized) frameTag() Tag { return TagUnauthorized }

// ConnectFailedFrame — tag 5. Named distinctly from ConnectFailedReason.
type ConnectFailedFrame struct {
	Reason ConnectFailedReason
}

func (ConnectFailedFrame) frameTag() Tag { return TagConnectFailed }

// Heartbeat — tag 8. One reserved payload byte, always 0.
type Heartbeat struct{}

func (Heartbeat) frameTag() Tag { return TagHeartbeat }

// HeartbeatAck — tag 9. flags.bit0 = successful.
type HeartbeatAck struct {
	Successful bool
}

func (HeartbeatAck) frameTag() Tag { return TagHeartbeatAck }

// Pulse — tag 10.
type Pulse struct {
	PulseType PulseType
	PulseID   uint64
	Name      string
	Payload   []byte
}

func (Pulse) frameTag() Tag { return TagPulse }

// PulseResp — tag 11. flags.bit0 = successful.
type PulseResp struct {
	Successful  bool
	PulseID     uint64
	ErrorReason PulseErrorReason
}

func (PulseResp) frameTag() Tag { return TagPulseResp }

// NewMailEvent — tag 20.
type NewMailEvent struct {
	MailboxSize uint16
	PulseID     uint64
}

func (NewMailEvent) frameTag() Tag { return TagNewMailEvent }

// MailboxNext — tag 21. flags.bit0 = header_only.
type MailboxNext struct {
	HeaderOnly bool
	TxnID      uint64
}

func (MailboxNext) frameTag() Tag { return TagMailboxNext }

// MailboxNextResp — tag 22. flags.bit0 = successful, flags.bit1 = header_only.
type MailboxNextResp struct {
	Successful  bool
	HeaderOnly  bool
	TxnID       uint64
	MailboxSize uint16
	PulseID     uint64
	Name        string
	Payload     []byte
	HasMail     bool // MailboxSize > 0 on a successful response
}

func (MailboxNextResp) frameTag() Tag { return TagMailboxNextResp }

// AckMail — tag 25.
type AckMail struct {
	PulseID uint64
	AckType MailAckType
}

func (AckMail) frameTag() Tag { return TagAckMail }

// AckMailResp — tag 26. flags.bit0 = successful.
type AckMailResp struct {
	Successful  bool
	MailboxSize uint16
	PulseID     uint64
	AckType     MailAckType
}

func (AckMailResp) frameTag() Tag { return TagAckMailResp }

// Mail is the device-facing view of a mailbox item, assembled from a
// MailboxNextResp.
type Mail struct {
	PulseID     uint64
	Name        string
	Payload     map[string]any // nil if absent or not a JSON object; other JSON values are dropped
	MailboxSize uint16
}
