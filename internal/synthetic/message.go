package synthetic

import (
	"fmt"
	"strings"
	"time"

	"github.com/hugolhafner/go-sonar/serde"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format selects how a Message is laid out in the record payload
type Format string

const (
	// FormatRaw sends the body only
	FormatRaw   Format = "raw"
	FormatJSON  Format = "json"
	FormatProto Format = "proto"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatJSON, FormatProto:
		return f, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

type Message struct {
	Producer  string    `json:"producer"`
	Sequence  uint64    `json:"sequence"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type encoder interface {
	encode(Message) ([]byte, error)
}

func newEncoder(f Format) (encoder, error) {
	switch f {
	case "", FormatRaw:
		return rawEncoder{serde.String()}, nil
	case FormatJSON:
		return jsonEncoder{serde.JSON[Message]()}, nil
	case FormatProto:
		return protoEncoder{serde.Protobuf[*structpb.Struct]()}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", f)
	}
}

type rawEncoder struct {
	serde serde.Serialiser[string]
}

func (e rawEncoder) encode(m Message) ([]byte, error) {
	return e.serde.Serialise(m.Body)
}

type jsonEncoder struct {
	serde serde.Serialiser[Message]
}

func (e jsonEncoder) encode(m Message) ([]byte, error) {
	return e.serde.Serialise(m)
}

type protoEncoder struct {
	serde serde.Serialiser[*structpb.Struct]
}

func (e protoEncoder) encode(m Message) ([]byte, error) {
	s, err := ToStruct(m)
	if err != nil {
		return nil, err
	}
	return e.serde.Serialise(s)
}

// ToStruct lays a message out as a protobuf Struct
func ToStruct(m Message) (*structpb.Struct, error) {
	return structpb.NewStruct(
		map[string]any{
			"producer":   m.Producer,
			"sequence":   float64(m.Sequence),
			"body":       m.Body,
			"created_at": m.CreatedAt.Format(time.RFC3339Nano),
		},
	)
}

// FromStruct is the inverse of ToStruct
func FromStruct(s *structpb.Struct) (Message, error) {
	fields := s.GetFields()

	created, err := time.Parse(time.RFC3339Nano, fields["created_at"].GetStringValue())
	if err != nil {
		return Message{}, fmt.Errorf("parse created_at: %w", err)
	}

	return Message{
		Producer:  fields["producer"].GetStringValue(),
		Sequence:  uint64(fields["sequence"].GetNumberValue()),
		Body:      fields["body"].GetStringValue(),
		CreatedAt: created,
	}, nil
}

// Decoder returns the deserialiser matching f. Raw payloads decode into a
// message carrying only the body.
func Decoder(f Format) (serde.Deserialiser[Message], error) {
	switch f {
	case "", FormatRaw:
		return rawDecoder{serde.String()}, nil
	case FormatJSON:
		return serde.JSON[Message](), nil
	case FormatProto:
		return protoDecoder{serde.Protobuf[*structpb.Struct]()}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", f)
	}
}

type rawDecoder struct {
	serde serde.Deserialiser[string]
}

func (d rawDecoder) Deserialise(data []byte) (Message, error) {
	body, err := d.serde.Deserialise(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Body: body}, nil
}

type protoDecoder struct {
	serde serde.Deserialiser[*structpb.Struct]
}

func (d protoDecoder) Deserialise(data []byte) (Message, error) {
	s, err := d.serde.Deserialise(data)
	if err != nil {
		return Message{}, err
	}
	return FromStruct(s)
}
