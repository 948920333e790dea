package stt

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

// fakeRecognizeStream replays scripted responses, then returns recvErr.
type fakeRecognizeStream struct {
	grpc.ClientStream

	mu         sync.Mutex
	responses  []*speechpb.StreamingRecognizeResponse
	recvErr    error
	sendErr    error
	sent       int
	closedSend bool
}

func (f *fakeRecognizeStream) Send(*speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent++
	return nil
}

func (f *fakeRecognizeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) > 0 {
		resp := f.responses[0]
		f.responses = f.responses[1:]
		return resp, nil
	}
	return nil, f.recvErr
}

func (f *fakeRecognizeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedSend = true
	return nil
}

func interim(text string) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
		}},
	}
}

type googleEvents struct {
	transcripts chan string
	finalized   chan string
	errs        chan error
}

// newOpenGoogleRecognizer returns a recognizer in the open state with stream
// installed as the current utterance stream.
func newOpenGoogleRecognizer(t *testing.T, stream *fakeRecognizeStream) (*GoogleRecognizer, googleEvents) {
	t.Helper()
	events := googleEvents{
		transcripts: make(chan string, 8),
		finalized:   make(chan string, 8),
		errs:        make(chan error, 8),
	}
	g := NewGoogleRecognizer(GoogleConfig{}, repositories.RecognizerCallbacks{
		OnTranscript: func(text string) { events.transcripts <- text },
		OnFinalized:  func(text string) { events.finalized <- text },
		OnError:      func(err error) { events.errs <- err },
	}, zaptest.NewLogger(t))
	g.state = stateOpen
	g.stream = stream
	return g, events
}

func expectFinalized(t *testing.T, events googleEvents, want string) {
	t.Helper()
	select {
	case got := <-events.finalized:
		if got != want {
			t.Fatalf("OnFinalized(%q), want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFinalized")
	}
}

func TestGoogleRecognizer_StreamFailureDropsStream(t *testing.T) {
	stream := &fakeRecognizeStream{
		responses: []*speechpb.StreamingRecognizeResponse{interim("hello")},
		recvErr:   status.Error(codes.OutOfRange, "exceeded maximum allowed stream duration"),
	}
	g, events := newOpenGoogleRecognizer(t, stream)

	g.receive(stream)

	if got := <-events.transcripts; got != "hello" {
		t.Errorf("partial = %q, want hello", got)
	}
	var protoErr *domain.ProtocolError
	if err := <-events.errs; !errors.As(err, &protoErr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if g.stream != nil {
		t.Fatal("dead stream still installed after failure")
	}
	if !g.IsConnected() {
		t.Error("recognizer should stay open after a stream failure")
	}
	select {
	case text := <-events.finalized:
		t.Fatalf("unexpected OnFinalized(%q) for an utterance still in progress", text)
	default:
	}

	// With no stream left, Finalize acknowledges immediately instead of
	// half-closing the dead one.
	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	expectFinalized(t, events, "")
	if stream.closedSend {
		t.Error("dead stream was half-closed by Finalize")
	}
}

func TestGoogleRecognizer_FailureAfterFinalizeStillAcknowledges(t *testing.T) {
	stream := &fakeRecognizeStream{
		responses: []*speechpb.StreamingRecognizeResponse{interim("turn on the lights")},
		recvErr:   status.Error(codes.Unavailable, "connection reset"),
	}
	g, events := newOpenGoogleRecognizer(t, stream)

	if err := g.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !stream.closedSend {
		t.Fatal("Finalize did not half-close the stream")
	}

	g.receive(stream)

	if err := <-events.errs; err == nil {
		t.Fatal("expected a stream error")
	}
	expectFinalized(t, events, "turn on the lights")
}

func TestGoogleRecognizer_EndOfStreamFinalizes(t *testing.T) {
	stream := &fakeRecognizeStream{
		responses: []*speechpb.StreamingRecognizeResponse{interim("hi"), interim("hi there")},
		recvErr:   io.EOF,
	}
	g, events := newOpenGoogleRecognizer(t, stream)

	g.receive(stream)

	expectFinalized(t, events, "hi there")
	if g.stream != nil {
		t.Error("ended stream still installed")
	}
}

func TestGoogleRecognizer_CanceledStreamIsSilent(t *testing.T) {
	stream := &fakeRecognizeStream{recvErr: status.Error(codes.Canceled, "context canceled")}
	g, events := newOpenGoogleRecognizer(t, stream)

	g.receive(stream)

	select {
	case err := <-events.errs:
		t.Fatalf("unexpected error %v", err)
	case text := <-events.finalized:
		t.Fatalf("unexpected OnFinalized(%q)", text)
	default:
	}
}

func TestGoogleRecognizer_SendFailureDropsStream(t *testing.T) {
	stream := &fakeRecognizeStream{sendErr: io.EOF}
	g, _ := newOpenGoogleRecognizer(t, stream)

	err := g.SendAudioChunk([]byte{1, 2})
	if err == nil || errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("SendAudioChunk error = %v, want a send failure", err)
	}
	if g.stream != nil {
		t.Error("dead stream still installed after a failed send")
	}
	if !stream.closedSend {
		t.Error("dead stream was not half-closed")
	}
}

func TestGoogleRecognizer_NotConnected(t *testing.T) {
	g := NewGoogleRecognizer(GoogleConfig{}, repositories.RecognizerCallbacks{}, zaptest.NewLogger(t))

	if err := g.SendAudioChunk([]byte{1}); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("SendAudioChunk error = %v, want ErrNotConnected", err)
	}
	if err := g.Finalize(); !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("Finalize error = %v, want ErrNotConnected", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if g.IsConnected() {
		t.Error("closed recognizer reports connected")
	}
}
