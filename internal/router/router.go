package router

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"medrelay/internal/relay"
	"medrelay/pkg/interfaces"
	"medrelay/pkg/types"
)

// Router dispatches inbound application events through the message-type
// switch. Heartbeats never reach the router; the read loop handles them
// before generic dispatch so a malformed control message cannot be mistaken
// for content.
type Router struct {
	engine     *relay.Engine
	translator interfaces.Translator
	logger     zerolog.Logger
}

// New creates a message router.
func New(engine *relay.Engine, translator interfaces.Translator, logger zerolog.Logger) *Router {
	return &Router{
		engine:     engine,
		translator: translator,
		logger:     logger.With().Str("component", "router").Logger(),
	}
}

// Dispatch routes one inbound event from conn. A returned error means the
// event could not be processed; the caller echoes it to the sender as an
// error event and the connection stays open.
func (r *Router) Dispatch(ctx context.Context, conn interfaces.Connection, ev *types.Event) error {
	switch ev.Type {
	case types.EventTranslation:
		return r.handleTranslation(ctx, conn, ev)
	case types.EventAudioTranslation:
		return r.handleAudioTranslation(ctx, conn, ev)
	case types.EventMessage, types.EventMedicalTerm, types.EventSessionUpdate:
		r.fanOut(conn, ev, true)
		return nil
	case types.EventTyping:
		// Ephemeral; meaningless after the fact, so never queued.
		r.fanOut(conn, ev, false)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

// fanOut stamps relay metadata onto the event and broadcasts it to everyone
// in the session except the sender.
func (r *Router) fanOut(conn interfaces.Connection, ev *types.Event, allowQueue bool) {
	ev.EnsureMessageID()
	ev.Sender = senderOf(conn)
	delivered := r.engine.Broadcast(conn.SessionID(), ev, conn.ParticipantID(), allowQueue)
	r.logger.Debug().
		Str("session_id", conn.SessionID()).
		Str("type", ev.Type).
		Str("message_id", ev.MessageID).
		Int("delivered", delivered).
		Msg("event dispatched")
}

func (r *Router) handleTranslation(ctx context.Context, conn interfaces.Connection, ev *types.Event) error {
	text := ev.Get("text")
	sourceLang := ev.Get("sourceLanguage")
	targetLang := ev.Get("targetLanguage")
	if sourceLang == "" {
		sourceLang = conn.Language()
	}
	if text == "" || sourceLang == "" || targetLang == "" {
		return ErrMissingTranslationFields
	}

	result, err := r.translator.Translate(ctx, text, sourceLang, targetLang, medicalContext(ev))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranslationFailed, err)
	}

	out := types.NewEvent(types.EventTranslation, map[string]interface{}{
		"originalText":   result.OriginalText,
		"translatedText": result.TranslatedText,
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTime,
		"sourceLanguage": sourceLang,
		"targetLanguage": targetLang,
		"context":        medicalContext(ev),
	})
	out.MessageID = ev.MessageID
	r.fanOut(conn, out, true)
	return nil
}

func (r *Router) handleAudioTranslation(ctx context.Context, conn interfaces.Connection, ev *types.Event) error {
	audioData := ev.Get("audioData")
	sourceLang := ev.Get("sourceLanguage")
	targetLang := ev.Get("targetLanguage")
	if sourceLang == "" {
		sourceLang = conn.Language()
	}
	if audioData == "" || sourceLang == "" || targetLang == "" {
		return ErrMissingAudioFields
	}

	result, err := r.translator.TranslateAudio(ctx, audioData, sourceLang, targetLang, medicalContext(ev))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranslationFailed, err)
	}

	out := types.NewEvent(types.EventAudioTranslation, map[string]interface{}{
		"sourceText":     result.SourceText,
		"translatedText": result.TranslatedText,
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTime,
		"sourceLanguage": sourceLang,
		"targetLanguage": targetLang,
		"context":        medicalContext(ev),
	})
	out.MessageID = ev.MessageID
	r.fanOut(conn, out, true)
	return nil
}

// medicalContext returns the clinical context hint, defaulting to "general"
// as the translation service does.
func medicalContext(ev *types.Event) string {
	if c := ev.Get("context"); c != "" {
		return c
	}
	return "general"
}

func senderOf(conn interfaces.Connection) *types.Sender {
	return &types.Sender{
		ID:   conn.ParticipantID(),
		Name: conn.Name(),
		Role: conn.Role(),
	}
}
