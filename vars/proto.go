package vars

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto is a protobuf message variable, layered on the LenVal layout:
// the remote representation is the length-prefixed serialized message.
type Proto struct {
	LenVal
	prototype proto.Message
}

// NewProto creates a message variable holding the serialized form of m
func NewProto(m proto.Message) (*Proto, error) {
	b, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto var: marshal: %w", err)
	}
	p := &Proto{prototype: m}
	p.kind = TypeProto
	p.data = b
	return p, nil
}

// Message decodes the current buffer content into a fresh message of
// the constructor's type. Call it after an inbound synchronization to
// observe what the sandboxee wrote.
func (p *Proto) Message() (proto.Message, error) {
	out := p.prototype.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(p.data, out); err != nil {
		return nil, fmt.Errorf("proto var: unmarshal: %w", err)
	}
	return out, nil
}
