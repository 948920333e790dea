package domain

// Client to proxy message types.
const (
	TypeStartConversation = "start_conversation"
	TypeAudioChunk        = "audio_chunk"
	TypeEndAudio          = "end_audio"
	TypeTextInput         = "text_input"
	TypeCancel            = "cancel"
)

// Proxy to client message types. audio_chunk is shared with TypeAudioChunk.
const (
	TypeConversationStarted = "conversation_started"
	TypeTranscript          = "transcript"
	TypeError               = "error"
	TypeDone                = "done"
)

// OutputAudioFormat is the encoding of every audio chunk relayed to the client.
const OutputAudioFormat = "pcm_f32le"

// AudioPayload carries base64 audio in both directions.
type AudioPayload struct {
	Data       string `json:"data"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// ClientMessage is a decoded client frame.
type ClientMessage struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	Audio          *AudioPayload `json:"audio,omitempty"`
	Text           string        `json:"text,omitempty"`

	// AudioData holds the decoded bytes of Audio.Data, or the raw payload of
	// a binary frame.
	AudioData []byte `json:"-"`
}

// ServerMessage is a frame sent to the client. Every type except error
// carries the conversation id.
type ServerMessage struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	Transcript     *string       `json:"transcript,omitempty"`
	IsPartial      *bool         `json:"isPartial,omitempty"`
	Audio          *AudioPayload `json:"audio,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// NewConversationStarted builds a conversation_started frame.
func NewConversationStarted(conversationID string) ServerMessage {
	return ServerMessage{Type: TypeConversationStarted, ConversationID: conversationID}
}

// NewTranscript builds a transcript frame.
func NewTranscript(conversationID, text string, partial bool) ServerMessage {
	return ServerMessage{
		Type:           TypeTranscript,
		ConversationID: conversationID,
		Transcript:     &text,
		IsPartial:      &partial,
	}
}

// NewAudioChunk builds an audio_chunk frame from base64 data.
func NewAudioChunk(conversationID, data string) ServerMessage {
	return ServerMessage{
		Type:           TypeAudioChunk,
		ConversationID: conversationID,
		Audio:          &AudioPayload{Data: data, Format: OutputAudioFormat},
	}
}

// NewError builds an error frame. conversationID may be empty.
func NewError(conversationID, message string) ServerMessage {
	return ServerMessage{Type: TypeError, ConversationID: conversationID, Error: message}
}

// NewDone builds a done frame.
func NewDone(conversationID string) ServerMessage {
	return ServerMessage{Type: TypeDone, ConversationID: conversationID}
}
