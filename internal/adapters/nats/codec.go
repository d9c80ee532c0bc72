package natsadapter

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"

	headerContentType = "Content-Type"
)

// Codec encodes broker payloads either as JSON or as a protobuf Struct
// carrying the same document.
type Codec struct {
	contentType string
}

// NewCodec returns a codec for encoding "json" (default) or "protobuf".
func NewCodec(encoding string) (Codec, error) {
	switch encoding {
	case "", "json":
		return Codec{contentType: ContentTypeJSON}, nil
	case "protobuf", "proto":
		return Codec{contentType: ContentTypeProtobuf}, nil
	default:
		return Codec{}, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// ContentType is the value written to the Content-Type header.
func (c Codec) ContentType() string {
	if c.contentType == "" {
		return ContentTypeJSON
	}
	return c.contentType
}

// Encode serialises v.
func (c Codec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if c.ContentType() == ContentTypeJSON {
		return data, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	pv, err := structpb.NewValue(doc)
	if err != nil {
		return nil, fmt.Errorf("protobuf value: %w", err)
	}
	return proto.Marshal(pv)
}

// Decode parses data written with the given content type into v. An empty
// content type is treated as JSON.
func Decode(contentType string, data []byte, v any) error {
	if contentType != ContentTypeProtobuf {
		return json.Unmarshal(data, v)
	}
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return fmt.Errorf("protobuf decode: %w", err)
	}
	raw, err := json.Marshal(pv.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// DecodeMsg decodes a broker message using its Content-Type header.
func DecodeMsg(msg *nats.Msg, v any) error {
	return Decode(msg.Header.Get(headerContentType), msg.Data, v)
}
