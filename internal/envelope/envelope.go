// ABOUTME: Wire envelope types and JSON codec for the client protocol
// ABOUTME: Every inbound and outbound frame is one Envelope with a correlation id

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed indicates an envelope that could not be decoded or validated.
var ErrMalformed = errors.New("malformed envelope")

// Type identifies the kind of envelope on the wire.
type Type string

// Client to server envelope types.
const (
	TypeAuth     Type = "auth"
	TypeMessage  Type = "message"
	TypeCommand  Type = "command"
	TypeTyping   Type = "typing"
	TypePresence Type = "presence"
	TypePing     Type = "ping"
	TypeCancel   Type = "cancel"
)

// Server to client envelope types.
const (
	TypeAck         Type = "ack"
	TypeResponse    Type = "response"
	TypeStreamChunk Type = "stream_chunk"
	TypeStreamEnd   Type = "stream_end"
	TypeError       Type = "error"
	TypePong        Type = "pong"
)

// inboundTypes lists every envelope type a client is allowed to send.
var inboundTypes = map[Type]bool{
	TypeAuth:     true,
	TypeMessage:  true,
	TypeCommand:  true,
	TypeTyping:   true,
	TypePresence: true,
	TypePing:     true,
	TypeCancel:   true,
}

// Envelope is one discrete wire frame. Immutable once constructed.
type Envelope struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"ts"`
}

// Decode parses raw bytes into an inbound Envelope. A missing correlation id
// is filled with a generated one so downstream records stay traceable.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !inboundTypes[env.Type] {
		return nil, fmt.Errorf("%w: type %q not accepted from clients", ErrMalformed, env.Type)
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// New constructs an outbound envelope correlated to an inbound one.
func New(t Type, correlationID string) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          t,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewAck builds an ack envelope for a received inbound envelope.
func NewAck(in *Envelope) *Envelope {
	ack := New(TypeAck, in.CorrelationID)
	ack.ConversationID = in.ConversationID
	return ack
}

// NewResponse builds a terminal response envelope carrying assistant text.
func NewResponse(correlationID, conversationID, content string, metadata map[string]any) *Envelope {
	env := New(TypeResponse, correlationID)
	env.ConversationID = conversationID
	env.Content = content
	env.Metadata = metadata
	return env
}

// ChunkPayload is the payload of a stream_chunk envelope.
type ChunkPayload struct {
	Seq   int    `json:"seq"`
	Delta string `json:"delta"`
}

// NewStreamChunk builds a stream_chunk envelope with a per-correlation sequence number.
func NewStreamChunk(correlationID, conversationID string, seq int, delta string) *Envelope {
	env := New(TypeStreamChunk, correlationID)
	env.ConversationID = conversationID
	payload, _ := json.Marshal(ChunkPayload{Seq: seq, Delta: delta})
	env.Payload = payload
	return env
}

// NewStreamEnd builds the terminal stream_end marker for a streamed turn.
func NewStreamEnd(correlationID, conversationID string, metadata map[string]any) *Envelope {
	env := New(TypeStreamEnd, correlationID)
	env.ConversationID = conversationID
	env.Metadata = metadata
	return env
}
