package repositories

import "context"

// SynthesizerCallbacks receives events from a SpeechSynthesizer.
type SynthesizerCallbacks struct {
	// OnAudio receives raw 32-bit float little-endian PCM at 24 kHz, in the
	// order the service produced it.
	OnAudio func(chunk []byte)
	// OnFlushDone fires once the audio for the fragment tagged flushID has
	// been fully delivered.
	OnFlushDone func(flushID string)
	OnError     func(err error)
}

// SpeechSynthesizer is one streaming connection to a speech synthesis
// service. Like SpeechRecognizer, instances are one-shot.
type SpeechSynthesizer interface {
	Connect(ctx context.Context) error
	// SetContextID ties subsequent fragments together for prosody continuity.
	SetContextID(id string)
	// GenerateSpeech sends one text fragment. continueTurn is true while more
	// fragments follow; flush forces buffered audio out and is acknowledged
	// through OnFlushDone(flushID).
	GenerateSpeech(text string, continueTurn, flush bool, flushID string) error
	Close() error
	IsConnected() bool
}

// SynthesizerFactory builds a fresh, unconnected synthesizer.
type SynthesizerFactory func(callbacks SynthesizerCallbacks) SpeechSynthesizer
