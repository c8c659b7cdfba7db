package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// WaDialer creates whatsmeow clients backed by a per-tenant sqlite credential
// container under the tenant's session directory.
type WaDialer struct {
	log waLog.Logger
}

func NewWaDialer(debug bool) *WaDialer {
	level := "WARN"
	if debug {
		level = "INFO"
	}
	return &WaDialer{log: waLog.Stdout("wa", level, true)}
}

func (d *WaDialer) Dial(ctx context.Context, tenantID int64, credentialDir string) (Client, error) {
	if err := os.MkdirAll(credentialDir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(credentialDir, "session.db"))
	container, err := sqlstore.New("sqlite3", dsn, d.log)
	if err != nil {
		return nil, fmt.Errorf("open credential container: %w", err)
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	cli := whatsmeow.NewClient(device, d.log)
	// The connection manager owns the reconnect state machine.
	cli.EnableAutoReconnect = false
	return &waClient{cli: cli, container: container}, nil
}

type waClient struct {
	cli       *whatsmeow.Client
	container *sqlstore.Container
	handler   func(Event)
}

func (w *waClient) Connect() error    { return w.cli.Connect() }
func (w *waClient) Disconnect()       { w.cli.Disconnect() }
func (w *waClient) IsConnected() bool { return w.cli.IsConnected() }
func (w *waClient) Close() error      { return w.container.Close() }

func (w *waClient) Logout(context.Context) error {
	return w.cli.Logout()
}

func (w *waClient) PhoneJID() string {
	id := w.cli.Store.ID
	if id == nil {
		return ""
	}
	return id.ToNonAD().String()
}

func (w *waClient) SetEventHandler(h func(Event)) {
	w.handler = h
	w.cli.AddEventHandler(w.dispatch)
}

func (w *waClient) dispatch(raw interface{}) {
	if w.handler == nil {
		return
	}
	switch evt := raw.(type) {
	case *events.QR:
		w.handler(QREvent{Codes: evt.Codes})
	case *events.Connected:
		w.handler(ConnectedEvent{PhoneJID: w.PhoneJID()})
	case *events.Disconnected:
		w.handler(DisconnectedEvent{})
	case *events.LoggedOut:
		w.handler(LoggedOutEvent{})
	case *events.StreamReplaced:
		// Another client took over the session; treated as a socket loss so
		// the manager can decide whether to re-dial.
		w.handler(DisconnectedEvent{})
	case *events.Message:
		w.handler(normalizeMessage(evt))
	case *events.Receipt:
		if r, ok := normalizeReceipt(evt); ok {
			w.handler(r)
		}
	}
}

func normalizeMessage(evt *events.Message) InboundMessage {
	m := InboundMessage{
		ExternalID:  evt.Info.ID,
		ChatJID:     evt.Info.Chat.String(),
		ChatServer:  evt.Info.Chat.Server,
		SenderPhone: evt.Info.Sender.User,
		PushName:    evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		Timestamp:   evt.Info.Timestamp,
		Type:        "unknown",
	}
	msg := evt.Message
	if msg == nil {
		return m
	}
	switch {
	case msg.GetConversation() != "":
		m.Type = "text"
		m.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		m.Type = "text"
		m.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		m.Type = "image"
		m.Text = img.GetCaption()
		m.Media = mediaRef(img, "image", img.GetURL(), img.GetDirectPath(), img.GetMediaKey(),
			img.GetFileSHA256(), img.GetFileEncSHA256(), img.GetFileLength(), img.GetMimetype())
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		m.Type = "video"
		m.Text = vid.GetCaption()
		m.Media = mediaRef(vid, "video", vid.GetURL(), vid.GetDirectPath(), vid.GetMediaKey(),
			vid.GetFileSHA256(), vid.GetFileEncSHA256(), vid.GetFileLength(), vid.GetMimetype())
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		m.Type = "audio"
		m.Media = mediaRef(aud, "audio", aud.GetURL(), aud.GetDirectPath(), aud.GetMediaKey(),
			aud.GetFileSHA256(), aud.GetFileEncSHA256(), aud.GetFileLength(), aud.GetMimetype())
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		m.Type = "document"
		m.Text = doc.GetCaption()
		m.Media = mediaRef(doc, "document", doc.GetURL(), doc.GetDirectPath(), doc.GetMediaKey(),
			doc.GetFileSHA256(), doc.GetFileEncSHA256(), doc.GetFileLength(), doc.GetMimetype())
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		m.Type = "sticker"
		m.Media = mediaRef(st, "sticker", st.GetURL(), st.GetDirectPath(), st.GetMediaKey(),
			st.GetFileSHA256(), st.GetFileEncSHA256(), st.GetFileLength(), st.GetMimetype())
	}
	return m
}

func mediaRef(native interface{}, mediaType, url, directPath string, mediaKey, sha, encSHA []byte, length uint64, mime string) *MediaRef {
	return &MediaRef{
		URL:           url,
		DirectPath:    directPath,
		MediaKey:      mediaKey,
		FileSHA256:    sha,
		FileEncSHA256: encSHA,
		FileLength:    length,
		MimeType:      mime,
		MediaType:     mediaType,
		Native:        native,
	}
}

func normalizeReceipt(evt *events.Receipt) (ReceiptEvent, bool) {
	var kind ReceiptKind
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		kind = ReceiptDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		kind = ReceiptRead
	default:
		return ReceiptEvent{}, false
	}
	ids := make([]string, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		ids = append(ids, string(id))
	}
	return ReceiptEvent{
		ExternalIDs: ids,
		ChatJID:     evt.Chat.String(),
		Kind:        kind,
		Timestamp:   evt.Timestamp,
	}, true
}

// toJID accepts either a full JID string or a bare phone number.
func toJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func (w *waClient) SendText(ctx context.Context, to string, text string) (SendResult, error) {
	jid, err := toJID(to)
	if err != nil {
		return SendResult{}, err
	}
	resp, err := w.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ExternalID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (w *waClient) SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (SendResult, error) {
	jid, err := toJID(to)
	if err != nil {
		return SendResult{}, err
	}
	up, err := w.cli.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return SendResult{}, fmt.Errorf("media upload: %w", err)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String(mimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	resp, err := w.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ExternalID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

var errNoNativeDownloadable = errors.New("media ref has no native downloadable")

func (w *waClient) Download(_ context.Context, ref *MediaRef) ([]byte, error) {
	dl, ok := ref.Native.(whatsmeow.DownloadableMessage)
	if !ok || dl == nil {
		return nil, errNoNativeDownloadable
	}
	return w.cli.Download(dl)
}

func (w *waClient) DownloadWithDescriptor(_ context.Context, ref *MediaRef) ([]byte, error) {
	if ref.DirectPath == "" || len(ref.MediaKey) == 0 {
		return nil, errors.New("media ref descriptor incomplete")
	}
	mt, err := waMediaType(ref.MediaType)
	if err != nil {
		return nil, err
	}
	data, err := w.cli.DownloadMediaWithPath(ref.DirectPath, ref.FileEncSHA256,
		ref.FileSHA256, ref.MediaKey, int(ref.FileLength), mt, "")
	if err != nil {
		zap.L().Debug("descriptor download failed", zap.String("direct_path", ref.DirectPath), zap.Error(err))
		return nil, err
	}
	return data, nil
}

func waMediaType(t string) (whatsmeow.MediaType, error) {
	switch t {
	case "image", "sticker":
		return whatsmeow.MediaImage, nil
	case "video":
		return whatsmeow.MediaVideo, nil
	case "audio":
		return whatsmeow.MediaAudio, nil
	case "document":
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("unknown media type %q", t)
}
