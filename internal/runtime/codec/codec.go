// Package codec turns message bodies into transport payloads and back.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/servicebus/internal/runtime/jsoncodec"
)

// Codec serializes message bodies. ContentType is stamped on outgoing
// envelopes so receivers can tell formats apart.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/protobuf+json"
)

// JSON is the default codec.
type JSON struct{}

func (JSON) ContentType() string { return ContentTypeJSON }

func (JSON) Marshal(v any) ([]byte, error) { return jsoncodec.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return jsoncodec.Unmarshal(data, v) }

// Proto encodes proto.Message bodies with protojson. Other bodies fall back to
// JSON so a unit can mix both.
type Proto struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

// NewProto returns a Proto codec that tolerates unknown fields.
func NewProto() Proto {
	return Proto{
		UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (Proto) ContentType() string { return ContentTypeProto }

func (p Proto) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return jsoncodec.Marshal(v)
	}
	data, err := p.MarshalOptions.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

func (p Proto) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return jsoncodec.Unmarshal(data, v)
	}
	if err := p.UnmarshalOptions.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

// Default returns c, or JSON when c is nil.
func Default(c Codec) Codec {
	if c == nil {
		return JSON{}
	}
	return c
}
