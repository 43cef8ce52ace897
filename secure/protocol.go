package secure

import (
	"encoding/gob"
	"fmt"
	"io"
)

func init() {
	gob.Register(CipherPayload{})
}

// MessageType defines message types exchanged between client and server.
type MessageType int

const (
	MsgHidden MessageType = iota
	MsgOutput
	MsgDone
	MsgError
)

// Message is one unit of the head evaluation protocol.
type Message struct {
	Type    MessageType
	Payload interface{}
}

// CipherPayload carries a serialized ciphertext for one batch row and, on
// the way back, one output.
type CipherPayload struct {
	Row        int
	Output     int
	Ciphertext []byte
	Level      int
	ScaleFloat float64
}

// Protocol handles the client/server communication.
type Protocol struct {
	encoder *gob.Encoder
	decoder *gob.Decoder
}

// NewProtocol creates a new protocol handler. Either side may be nil when
// the handler is only used in one direction.
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	p := &Protocol{}
	if w != nil {
		p.encoder = gob.NewEncoder(w)
	}
	if r != nil {
		p.decoder = gob.NewDecoder(r)
	}
	return p
}

func (p *Protocol) Send(msg *Message) error {
	if p.encoder == nil {
		return fmt.Errorf("protocol has no writer")
	}
	return p.encoder.Encode(msg)
}

func (p *Protocol) Receive() (*Message, error) {
	if p.decoder == nil {
		return nil, fmt.Errorf("protocol has no reader")
	}
	var msg Message
	if err := p.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendHidden sends an encrypted hidden state row.
func (p *Protocol) SendHidden(payload CipherPayload) error {
	return p.Send(&Message{Type: MsgHidden, Payload: payload})
}

// SendOutput sends an encrypted head output.
func (p *Protocol) SendOutput(payload CipherPayload) error {
	return p.Send(&Message{Type: MsgOutput, Payload: payload})
}

// SendDone signals completion.
func (p *Protocol) SendDone() error {
	return p.Send(&Message{Type: MsgDone})
}

// SendError sends an error message.
func (p *Protocol) SendError(err error) error {
	return p.Send(&Message{Type: MsgError, Payload: err.Error()})
}

// ReceivePayload reads the next message of type want. A done message yields
// io.EOF.
func (p *Protocol) ReceivePayload(want MessageType) (*CipherPayload, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MsgError:
		return nil, fmt.Errorf("remote error: %v", msg.Payload)
	case MsgDone:
		return nil, io.EOF
	case want:
	default:
		return nil, fmt.Errorf("expected message %d, got %d", want, msg.Type)
	}
	payload, ok := msg.Payload.(CipherPayload)
	if !ok {
		return nil, fmt.Errorf("invalid payload type %T", msg.Payload)
	}
	return &payload, nil
}
