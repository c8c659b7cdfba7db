// Package protocol defines the narrow surface the platform needs from the
// underlying chat client library. The session and delivery core only ever
// talks to these interfaces; the whatsmeow-backed implementation lives in
// this package as well.
package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by operations that need a live socket.
var ErrNotConnected = errors.New("not connected")

// Event is a normalized protocol event delivered to the connection manager.
// Concrete types: QREvent, ConnectedEvent, DisconnectedEvent, LoggedOutEvent,
// InboundMessage, ReceiptEvent.
type Event interface{}

// QREvent carries pairing codes to render for the tenant.
type QREvent struct {
	Codes []string
}

// ConnectedEvent fires when the client reaches an authenticated connection.
type ConnectedEvent struct {
	PhoneJID string // bare account JID, e.g. 628123456@s.whatsapp.net
}

// DisconnectedEvent fires on socket loss without an explicit logout. The
// connection manager decides whether to re-dial.
type DisconnectedEvent struct{}

// LoggedOutEvent fires when the account credentials were invalidated on the
// remote side. Terminal: re-pairing is required.
type LoggedOutEvent struct{}

// MediaRef describes a downloadable media attachment. It carries everything
// needed to retry the decrypt later even when the native downloadable is gone.
type MediaRef struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
	FileLength    uint64
	MimeType      string
	MediaType     string // image|video|audio|document|sticker

	// Native holds the protocol library's own downloadable message when the
	// ref was built from a live event. May be nil after persistence.
	Native interface{}
}

// InboundMessage is a normalized inbound (or echoed own) chat message.
type InboundMessage struct {
	ExternalID  string
	ChatJID     string
	ChatServer  string
	SenderPhone string
	PushName    string
	FromMe      bool
	IsGroup     bool
	Timestamp   time.Time
	Type        string
	Text        string
	Media       *MediaRef
}

// ReceiptKind classifies status receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// ReceiptEvent reports delivery/read receipts for previously sent messages.
type ReceiptEvent struct {
	ExternalIDs []string
	ChatJID     string
	Kind        ReceiptKind
	Timestamp   time.Time
}

// SendResult is returned for every accepted outbound message.
type SendResult struct {
	ExternalID string
	Timestamp  time.Time
}

// Transport can push messages through an authenticated connection. This is
// the only capability handed out to the blast and automation engines.
type Transport interface {
	SendText(ctx context.Context, toJID string, text string) (SendResult, error)
	SendImage(ctx context.Context, toJID string, caption string, data []byte, mimeType string) (SendResult, error)
}

// Client is one tenant's protocol connection handle.
type Client interface {
	Transport

	Connect() error
	Disconnect()
	// Logout invalidates the stored credentials on the remote side.
	Logout(ctx context.Context) error
	IsConnected() bool
	// PhoneJID returns the authenticated account JID, empty before pairing.
	PhoneJID() string
	// SetEventHandler registers the single event sink. Must be called before
	// Connect.
	SetEventHandler(h func(Event))

	// Download decrypts media through the library using the native
	// downloadable captured at event time.
	Download(ctx context.Context, ref *MediaRef) ([]byte, error)
	// DownloadWithDescriptor decrypts media from the persisted descriptor
	// fields, without the native downloadable.
	DownloadWithDescriptor(ctx context.Context, ref *MediaRef) ([]byte, error)
	// Close releases the underlying credential store handle.
	Close() error
}

// Dialer builds a Client bound to a tenant's credential directory.
type Dialer interface {
	Dial(ctx context.Context, tenantID int64, credentialDir string) (Client, error)
}
