package whatsapp

import (
	"github.com/lumavoz/conecta/internal/domain"
)

// Body placeholders for messages that carry no usable text. These literals
// are part of the webhook contract with the CRM side.
const (
	placeholderImage    = "[Imagem]"
	placeholderVideo    = "[Vídeo]"
	placeholderAudio    = "[Áudio]"
	placeholderDocument = "[Documento]"
	placeholderSticker  = "[Sticker]"
	placeholderLocation = "[Localização]"
	placeholderContact  = "[Contato]"
	placeholderMedia    = "[Mensagem de mídia]"
)

// Normalize converts one protocol envelope into at most one canonical message
// record. It returns (nil, nil) when the envelope carries nothing worth
// forwarding, and ErrMalformedPayload only when the envelope is structurally
// invalid. Unrecognized but well-formed payloads degrade to a generic
// placeholder instead of failing.
func Normalize(env Envelope) (*domain.NormalizedMessage, error) {
	if env.MessageID == "" || env.ChatJID == "" {
		return nil, domain.ErrMalformedPayload
	}
	if env.Kind == EnvelopeNone {
		return nil, nil
	}

	msg := &domain.NormalizedMessage{
		MessageID:      env.MessageID,
		ConversationID: env.ChatJID,
		FromMe:         env.FromMe,
		PushName:       env.PushName,
		Timestamp:      env.Timestamp,
		MediaLocator:   mediaLocator(env),
	}

	switch env.Kind {
	case EnvelopeConversation, EnvelopeExtendedText:
		msg.MediaKind = domain.MediaText
		msg.Body = env.Text
	case EnvelopeImage:
		msg.MediaKind = domain.MediaImage
		msg.Body = firstNonEmpty(env.Caption, placeholderImage)
	case EnvelopeVideo:
		msg.MediaKind = domain.MediaVideo
		msg.Body = firstNonEmpty(env.Caption, placeholderVideo)
	case EnvelopeAudio:
		// Audio has no caption on the protocol side.
		msg.MediaKind = domain.MediaAudio
		msg.Body = placeholderAudio
	case EnvelopeDocument:
		msg.MediaKind = domain.MediaDocument
		msg.Body = firstNonEmpty(env.Caption, env.FileName, placeholderDocument)
	case EnvelopeSticker:
		msg.MediaKind = domain.MediaSticker
		msg.Body = placeholderSticker
	case EnvelopeLocation:
		msg.MediaKind = domain.MediaLocation
		msg.Body = placeholderLocation
	case EnvelopeContact:
		msg.MediaKind = domain.MediaContact
		msg.Body = placeholderContact
	default:
		msg.MediaKind = domain.MediaUnknown
		msg.Body = placeholderMedia
	}

	return msg, nil
}

// mediaLocator picks the best available media reference. The protocol
// populates URL and direct path inconsistently across library versions, so
// both are treated as optional; the local archive path is the last resort.
func mediaLocator(env Envelope) string {
	return firstNonEmpty(env.URL, env.DirectPath, env.StoredPath)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
