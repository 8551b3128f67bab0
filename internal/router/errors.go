package router

import "errors"

// Dispatch errors echoed back to the sender as error events.
var (
	ErrUnknownEventType         = errors.New("unknown event type")
	ErrMissingTranslationFields = errors.New("translation requires text, sourceLanguage and targetLanguage")
	ErrMissingAudioFields       = errors.New("audio translation requires audioData, sourceLanguage and targetLanguage")
	ErrTranslationFailed        = errors.New("translation failed")
)
