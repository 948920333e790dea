package repositories

import "context"

// RecognizerCallbacks receives events from a SpeechRecognizer. Callbacks are
// invoked from the adapter's read goroutine and must not block for long.
type RecognizerCallbacks struct {
	// OnTranscript receives the current partial text. Each call replaces the
	// previous partial.
	OnTranscript func(text string)
	// OnFinalized fires when the service acknowledges a finalize. text is the
	// last partial the adapter observed, possibly empty.
	OnFinalized func(text string)
	// OnError receives malformed-message and transport errors.
	OnError func(err error)
}

// SpeechRecognizer is one streaming connection to a speech recognition
// service. Input audio is 16-bit signed little-endian PCM, 16 kHz, mono.
//
// Instances are one-shot: once closed, Connect returns ErrAdapterClosed and a
// new instance must be built.
type SpeechRecognizer interface {
	Connect(ctx context.Context) error
	SendAudioChunk(data []byte) error
	Finalize() error
	Close() error
	IsConnected() bool
}

// RecognizerFactory builds a fresh, unconnected recognizer.
type RecognizerFactory func(callbacks RecognizerCallbacks) SpeechRecognizer
