package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lumavoz/conecta/pkg/config"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// MediaArchive stores downloaded media payloads and returns an addressable
// path for them. Implemented by the object-storage layer; nil disables
// media archiving.
type MediaArchive interface {
	Store(ctx context.Context, instanceID, messageID, ext, mimetype string, data []byte) (string, error)
}

// WameowDialer opens real protocol connections through whatsmeow.
type WameowDialer struct {
	sessions SessionStore
	archive  MediaArchive
	cfg      *config.Config
}

func NewWameowDialer(sessions SessionStore, archive MediaArchive, cfg *config.Config) *WameowDialer {
	return &WameowDialer{sessions: sessions, archive: archive, cfg: cfg}
}

type wameowSocket struct {
	client *whatsmeow.Client
}

// Dial connects one instance. ctx is the socket's lifetime, not a dial
// deadline: the QR pairing channel, event translation and media downloads
// keep running on it until the supervisor cancels it.
func (d *WameowDialer) Dial(ctx context.Context, instanceID string, handler func(Event)) (Socket, error) {
	loadCtx, cancelLoad := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	waDevice, err := d.sessions.Load(loadCtx, instanceID)
	cancelLoad()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	store.DeviceProps.Os = proto.String(d.cfg.DeviceOSName)
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	clientLog := waLog.Stdout("Client", "INFO", true)
	client := whatsmeow.NewClient(waDevice, clientLog)
	// Reconnection is a supervisor decision, not the library's.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	client.AddEventHandler(func(rawEvt interface{}) {
		d.translateEvent(ctx, instanceID, client, rawEvt, handler)
	})

	if client.Store.ID == nil {
		// Never paired, drive the QR flow.
		qrChan, _ := client.GetQRChannel(ctx)
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		go d.pumpQRChannel(instanceID, qrChan, handler)
	} else {
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
	}

	return &wameowSocket{client: client}, nil
}

func (d *WameowDialer) pumpQRChannel(instanceID string, qrChan <-chan whatsmeow.QRChannelItem, handler func(Event)) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if d.cfg.IsDevelopment() {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			handler(QREvent{Code: item.Code})
		case "success":
			log.Printf("[Socket %s] Pairing successful", instanceID)
		case "timeout":
			log.Printf("[Socket %s] Pairing QR code timed out", instanceID)
			handler(CloseEvent{Cause: CauseRetryable, Err: errors.New("pairing timed out")})
		}
	}
}

func (d *WameowDialer) translateEvent(ctx context.Context, instanceID string, client *whatsmeow.Client, rawEvt interface{}, handler func(Event)) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		if err := d.sessions.Save(ctx, instanceID, evt.ID); err != nil {
			log.Printf("[Socket %s] Failed to persist paired JID: %v", instanceID, err)
		}

	case *events.Connected:
		var jid, phone, profile string
		if client.Store.ID != nil {
			jid = client.Store.ID.ToNonAD().String()
			phone = client.Store.ID.User
		}
		profile = client.Store.PushName
		handler(OpenEvent{JID: jid, Phone: phone, ProfileName: profile})

	case *events.LoggedOut:
		handler(CloseEvent{Cause: CauseLoggedOut, Err: fmt.Errorf("logged out: %v", evt.Reason)})

	case *events.StreamReplaced:
		handler(CloseEvent{Cause: CauseConflict, Err: errors.New("stream replaced by another client")})

	case *events.Disconnected:
		handler(CloseEvent{Cause: CauseRetryable})

	case *events.Message:
		handler(MessageEvent{Envelope: d.buildEnvelope(ctx, instanceID, client, evt)})
	}
}

// buildEnvelope flattens a raw protocol message into the closed envelope
// shape. Media bytes are archived best-effort; a failed download still
// yields a usable envelope.
func (d *WameowDialer) buildEnvelope(ctx context.Context, instanceID string, client *whatsmeow.Client, evt *events.Message) Envelope {
	env := Envelope{
		MessageID: evt.Info.ID,
		ChatJID:   evt.Info.Chat.ToNonAD().String(),
		FromMe:    evt.Info.IsFromMe,
		PushName:  evt.Info.PushName,
		Timestamp: evt.Info.Timestamp,
	}

	msg := evt.Message
	if msg == nil {
		return env
	}

	switch {
	case msg.GetConversation() != "":
		env.Kind = EnvelopeConversation
		env.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		env.Kind = EnvelopeExtendedText
		env.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		env.Kind = EnvelopeImage
		env.Caption = img.GetCaption()
		env.URL = img.GetURL()
		env.DirectPath = img.GetDirectPath()
		env.StoredPath = d.archiveMedia(ctx, instanceID, client, img, evt.Info.ID, ".jpg", img.GetMimetype())
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		env.Kind = EnvelopeVideo
		env.Caption = vid.GetCaption()
		env.URL = vid.GetURL()
		env.DirectPath = vid.GetDirectPath()
		env.StoredPath = d.archiveMedia(ctx, instanceID, client, vid, evt.Info.ID, ".mp4", vid.GetMimetype())
	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		env.Kind = EnvelopeAudio
		env.URL = aud.GetURL()
		env.DirectPath = aud.GetDirectPath()
		env.StoredPath = d.archiveMedia(ctx, instanceID, client, aud, evt.Info.ID, ".ogg", aud.GetMimetype())
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		env.Kind = EnvelopeDocument
		env.Caption = doc.GetCaption()
		env.FileName = doc.GetFileName()
		env.URL = doc.GetURL()
		env.DirectPath = doc.GetDirectPath()
		ext := filepath.Ext(doc.GetFileName())
		if ext == "" {
			ext = ".bin"
		}
		env.StoredPath = d.archiveMedia(ctx, instanceID, client, doc, evt.Info.ID, ext, doc.GetMimetype())
	case msg.GetStickerMessage() != nil:
		stk := msg.GetStickerMessage()
		env.Kind = EnvelopeSticker
		env.URL = stk.GetURL()
		env.DirectPath = stk.GetDirectPath()
		env.StoredPath = d.archiveMedia(ctx, instanceID, client, stk, evt.Info.ID, ".webp", stk.GetMimetype())
	case msg.GetLocationMessage() != nil:
		env.Kind = EnvelopeLocation
	case msg.GetContactMessage() != nil:
		env.Kind = EnvelopeContact
	case msg.GetProtocolMessage() != nil, msg.GetSenderKeyDistributionMessage() != nil:
		// Protocol bookkeeping, nothing user-visible to surface.
		env.Kind = EnvelopeNone
	default:
		env.Kind = EnvelopeOther
	}

	return env
}

func (d *WameowDialer) archiveMedia(ctx context.Context, instanceID string, client *whatsmeow.Client, msg whatsmeow.DownloadableMessage, msgID, ext, mimetype string) string {
	if d.archive == nil {
		return ""
	}
	data, err := client.Download(ctx, msg)
	if err != nil {
		log.Printf("[Socket %s] Failed to download media for %s: %v", instanceID, msgID, err)
		return ""
	}
	path, err := d.archive.Store(ctx, instanceID, msgID, ext, mimetype, data)
	if err != nil {
		log.Printf("[Socket %s] Failed to archive media for %s: %v", instanceID, msgID, err)
		return ""
	}
	return path
}

func (s *wameowSocket) SendText(ctx context.Context, to, body string) (string, time.Time, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		if len(to) > 0 && to[0] != '+' {
			jid = types.NewJID(to, types.DefaultUserServer)
		} else {
			return "", time.Time{}, fmt.Errorf("invalid recipient: %w", err)
		}
	}

	msg := &waE2E.Message{
		Conversation: proto.String(body),
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, resp.Timestamp, nil
}

func (s *wameowSocket) Connected() bool {
	return s.client.IsConnected()
}

func (s *wameowSocket) Close() error {
	s.client.Disconnect()
	return nil
}
