package backend

import (
	"google.golang.org/protobuf/proto"
)

// codecName matches the wire-level proto codec so the backend needs no
// special handling.
const codecName = "proto"

// Frame holds raw message bytes. The gateway forwards request and response
// bodies opaquely; it never interprets the backend's message schema.
type Frame struct {
	payload []byte
}

// NewFrame creates a Frame with the given payload.
func NewFrame(payload []byte) *Frame {
	return &Frame{payload: payload}
}

// Payload returns the frame payload.
func (f *Frame) Payload() []byte {
	return f.payload
}

// rawCodec passes Frame payloads through without unmarshaling, and falls
// back to proto marshaling for typed messages such as health checks.
type rawCodec struct{}

// Marshal returns the payload bytes for a Frame, or proto-marshals typed
// messages.
func (c rawCodec) Marshal(v interface{}) ([]byte, error) {
	if frame, ok := v.(*Frame); ok {
		return frame.payload, nil
	}

	if msg, ok := v.(proto.Message); ok {
		return proto.Marshal(msg)
	}

	return nil, nil
}

// Unmarshal stores the data in a Frame, or proto-unmarshals typed messages.
func (c rawCodec) Unmarshal(data []byte, v interface{}) error {
	if frame, ok := v.(*Frame); ok {
		frame.payload = data
		return nil
	}

	if msg, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, msg)
	}

	return nil
}

// Name returns the codec name.
func (c rawCodec) Name() string {
	return codecName
}
