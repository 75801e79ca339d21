package whatsapp

import (
	"context"
	"time"
)

// Event is the closed set of protocol socket events the supervisor consumes.
// The adapter translates the underlying library's event stream into these at
// the boundary, so the state machine never inspects raw protocol payloads.
type Event interface {
	isEvent()
}

// QREvent carries a fresh pairing code.
type QREvent struct {
	Code string
}

// OpenEvent signals an authenticated connection.
type OpenEvent struct {
	JID         string
	Phone       string
	ProfileName string
}

// CloseCause classifies a connection closure.
type CloseCause int

const (
	// CauseRetryable covers transient closures (network drop, stream error,
	// pairing timeout) that the reconnect policy may recover from.
	CauseRetryable CloseCause = iota
	// CauseLoggedOut means the user logged the device out on the phone.
	CauseLoggedOut
	// CauseConflict means the session was replaced by another client.
	CauseConflict
)

func (c CloseCause) String() string {
	switch c {
	case CauseLoggedOut:
		return "logged_out"
	case CauseConflict:
		return "conflict"
	default:
		return "retryable"
	}
}

// CloseEvent signals the connection was closed.
type CloseEvent struct {
	Cause CloseCause
	Err   error
}

// MessageEvent carries one inbound or outbound message envelope.
type MessageEvent struct {
	Envelope Envelope
}

func (QREvent) isEvent()      {}
func (OpenEvent) isEvent()    {}
func (CloseEvent) isEvent()   {}
func (MessageEvent) isEvent() {}

// EnvelopeKind tags the message payload shape recognized at the adapter
// boundary.
type EnvelopeKind int

const (
	EnvelopeNone EnvelopeKind = iota
	EnvelopeConversation
	EnvelopeExtendedText
	EnvelopeImage
	EnvelopeVideo
	EnvelopeAudio
	EnvelopeDocument
	EnvelopeSticker
	EnvelopeLocation
	EnvelopeContact
	EnvelopeOther
)

// Envelope is the tagged, closed representation of one raw protocol message,
// built once by the adapter so the normalizer never inspects optional fields.
type Envelope struct {
	MessageID string
	ChatJID   string
	FromMe    bool
	PushName  string
	Timestamp time.Time

	Kind     EnvelopeKind
	Text     string // conversation or extended text body
	Caption  string
	FileName string

	// Best-effort media references. Any or all may be empty depending on
	// what the protocol exposed for this message.
	URL        string
	DirectPath string
	StoredPath string
}

// Socket is a live protocol connection for one instance.
type Socket interface {
	// SendText sends a plain conversation message and returns the
	// protocol-assigned message id.
	SendText(ctx context.Context, to, body string) (string, time.Time, error)
	Connected() bool
	Close() error
}

// Dialer opens protocol sockets. Events are delivered to the handler in
// protocol order, one at a time per socket. The context spans the socket's
// whole lifetime, not just the dial; the caller cancels it when the socket
// is discarded.
type Dialer interface {
	Dial(ctx context.Context, instanceID string, handler func(Event)) (Socket, error)
}
