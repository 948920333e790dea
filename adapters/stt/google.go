package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const googleProvider = "google-stt"

// GoogleConfig holds configuration for the Google Cloud Speech recognizer.
// Credentials come from Application Default Credentials.
type GoogleConfig struct {
	Language string
}

// GoogleRecognizer implements SpeechRecognizer on Google Cloud Speech
// streaming recognition. The gRPC client is the "connection"; one recognize
// stream is opened per utterance and half-closed on Finalize.
type GoogleRecognizer struct {
	config    GoogleConfig
	callbacks repositories.RecognizerCallbacks
	logger    *zap.Logger

	mu     sync.Mutex
	state  connState
	client *speech.Client
	ctx    context.Context
	cancel context.CancelFunc
	stream speechpb.Speech_StreamingRecognizeClient
}

var _ repositories.SpeechRecognizer = (*GoogleRecognizer)(nil)

// NewGoogleRecognizer builds an unconnected recognizer
func NewGoogleRecognizer(config GoogleConfig, callbacks repositories.RecognizerCallbacks, logger *zap.Logger) *GoogleRecognizer {
	if config.Language == "" {
		config.Language = "en-US"
	}
	return &GoogleRecognizer{
		config:    config,
		callbacks: callbacks,
		logger:    logger.With(zap.String("provider", googleProvider)),
	}
}

// Connect creates the Speech client.
func (g *GoogleRecognizer) Connect(ctx context.Context) error {
	g.mu.Lock()
	switch g.state {
	case stateOpen:
		g.mu.Unlock()
		return nil
	case stateClosed:
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", googleProvider, domain.ErrAdapterClosed)
	case stateConnecting:
		g.mu.Unlock()
		return fmt.Errorf("%s: connect already in progress", googleProvider)
	}
	g.state = stateConnecting
	g.mu.Unlock()

	client, err := speech.NewClient(ctx)
	if err != nil {
		g.mu.Lock()
		g.state = stateClosed
		g.mu.Unlock()
		return &domain.ConnectionError{Provider: googleProvider, Err: err}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateClosed {
		client.Close()
		return fmt.Errorf("%s: %w", googleProvider, domain.ErrAdapterClosed)
	}
	g.client = client
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.state = stateOpen
	g.logger.Info("Connected to speech recognition service")
	return nil
}

// IsConnected reports whether the client is open
func (g *GoogleRecognizer) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateOpen
}

// openStream returns the current utterance stream, starting one if needed.
// Called with g.mu held.
func (g *GoogleRecognizer) openStream() (speechpb.Speech_StreamingRecognizeClient, error) {
	if g.stream != nil {
		return g.stream, nil
	}

	stream, err := g.client.StreamingRecognize(g.ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: open stream: %w", googleProvider, err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            InputSampleRate,
					AudioChannelCount:          1,
					LanguageCode:               g.config.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	})
	if err != nil {
		stream.CloseSend()
		return nil, fmt.Errorf("%s: send streaming config: %w", googleProvider, err)
	}

	g.stream = stream
	go g.receive(stream)
	return stream, nil
}

// SendAudioChunk forwards LINEAR16 audio on the current utterance stream
func (g *GoogleRecognizer) SendAudioChunk(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != stateOpen {
		return fmt.Errorf("%s: %w", googleProvider, domain.ErrNotConnected)
	}
	stream, err := g.openStream()
	if err != nil {
		return err
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	})
	if err != nil {
		// The stream is dead; the next chunk starts a fresh one.
		g.stream = nil
		stream.CloseSend()
		return fmt.Errorf("%s: send audio: %w", googleProvider, err)
	}
	return nil
}

// Finalize half-closes the utterance stream; the receiver reports the
// committed text once Google drains its results.
func (g *GoogleRecognizer) Finalize() error {
	g.mu.Lock()
	if g.state != stateOpen {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", googleProvider, domain.ErrNotConnected)
	}
	stream := g.stream
	g.stream = nil
	g.mu.Unlock()

	if stream == nil {
		// Nothing was streamed for this utterance.
		if g.callbacks.OnFinalized != nil {
			go g.callbacks.OnFinalized("")
		}
		return nil
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("%s: finalize: %w", googleProvider, err)
	}
	return nil
}

// Close cancels any open stream and releases the client
func (g *GoogleRecognizer) Close() error {
	g.mu.Lock()
	if g.state == stateClosed {
		g.mu.Unlock()
		return nil
	}
	g.state = stateClosed
	client, cancel, stream := g.client, g.cancel, g.stream
	g.client, g.stream = nil, nil
	g.mu.Unlock()

	if stream != nil {
		stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	if client == nil {
		return nil
	}
	g.logger.Info("Closed speech recognition client")
	return client.Close()
}

// detach forgets stream if it is still the current one. It reports whether
// Finalize had already taken it.
func (g *GoogleRecognizer) detach(stream speechpb.Speech_StreamingRecognizeClient) (finalized bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream == stream {
		g.stream = nil
		return false
	}
	return true
}

func (g *GoogleRecognizer) receive(stream speechpb.Speech_StreamingRecognizeClient) {
	var committed strings.Builder
	var latest string

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			g.detach(stream)
			if g.callbacks.OnFinalized != nil {
				g.callbacks.OnFinalized(strings.TrimSpace(latest))
			}
			return
		}
		if err != nil {
			finalized := g.detach(stream)
			if status.Code(err) == codes.Canceled {
				return
			}
			g.logger.Warn("Speech recognition stream failed", zap.Error(err))
			if g.callbacks.OnError != nil {
				g.callbacks.OnError(&domain.ProtocolError{Provider: googleProvider, Message: err.Error()})
			}
			// A finalized utterance still gets its acknowledgement, carrying
			// whatever was recognized before the failure.
			if finalized && g.callbacks.OnFinalized != nil {
				g.callbacks.OnFinalized(strings.TrimSpace(latest))
			}
			return
		}

		var interim strings.Builder
		for _, result := range resp.GetResults() {
			if len(result.GetAlternatives()) == 0 {
				continue
			}
			text := result.GetAlternatives()[0].GetTranscript()
			if result.GetIsFinal() {
				committed.WriteString(text)
			} else {
				interim.WriteString(text)
			}
		}

		current := strings.TrimSpace(committed.String() + interim.String())
		if current == "" || current == latest {
			continue
		}
		latest = current
		if g.callbacks.OnTranscript != nil {
			g.callbacks.OnTranscript(current)
		}
	}
}
