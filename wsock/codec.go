package wsock

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// MessageType represents the WebSocket frame type
type MessageType int

const (
	// TextMessage denotes a text data message (UTF-8 encoded)
	TextMessage MessageType = websocket.TextMessage // 1

	// BinaryMessage denotes a binary data message
	BinaryMessage MessageType = websocket.BinaryMessage // 2
)

var (
	// ErrFrameType is returned by a codec handed a frame it cannot read.
	ErrFrameType = errors.New("wsock: unexpected frame type")

	// ErrValueType is returned by an AnyCodec asked to encode a value of the
	// wrong type.
	ErrValueType = errors.New("wsock: unexpected value type")
)

// Decoder turns a received message into a value.
type Decoder[I any] interface {
	Decode(msg Message) (I, error)
}

// Encoder turns a value into a message ready to send.
type Encoder[O any] interface {
	Encode(v O) (Message, error)
}

// Codec converts between typed values and socket messages. I is what inbound
// messages decode to and O is what outbound messages are encoded from.
type Codec[I any, O any] interface {
	Decoder[I]
	Encoder[O]
}

// RawCodec passes messages through untouched. Frames without a type are sent
// as text.
type RawCodec struct{}

func (RawCodec) Decode(msg Message) (Message, error) { return msg, nil }

func (RawCodec) Encode(msg Message) (Message, error) {
	if msg.Type == 0 {
		msg.Type = TextMessage
	}
	return msg, nil
}

// JSONCodec is the default consumer codec. Any frame type is parsed as JSON
// and values are always sent as text.
type JSONCodec struct{}

func (JSONCodec) Decode(msg Message) (any, error) {
	var out any
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return nil, errors.Wrap(err, "decoding json")
	}
	return out, nil
}

func (JSONCodec) Encode(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, errors.Wrap(err, "encoding json")
	}
	return Message{Type: TextMessage, Data: data}, nil
}

// TypedJSONCodec decodes into and encodes from known Go types.
type TypedJSONCodec[I any, O any] struct{}

func (TypedJSONCodec[I, O]) Decode(msg Message) (I, error) {
	var out I
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, errors.Wrap(err, "decoding json")
	}
	return out, nil
}

func (TypedJSONCodec[I, O]) Encode(v O) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, errors.Wrap(err, "encoding json")
	}
	return Message{Type: TextMessage, Data: data}, nil
}

// ProtoCodec carries protobuf messages. Binary frames are read as wire format
// and text frames as protojson, so a peer may use either. Encode writes wire
// format when Binary is set and protojson otherwise.
type ProtoCodec[I proto.Message, O proto.Message] struct {
	Binary bool

	// NewInput creates the message to decode into. Default: a new message
	// of I's type.
	NewInput func() I

	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (c *ProtoCodec[I, O]) Decode(msg Message) (I, error) {
	out := c.newInput()
	var err error
	switch msg.Type {
	case BinaryMessage:
		err = proto.Unmarshal(msg.Data, out)
	case TextMessage:
		err = c.UnmarshalOptions.Unmarshal(msg.Data, out)
	default:
		err = errors.Wrapf(ErrFrameType, "frame type %d", msg.Type)
	}
	if err != nil {
		return out, errors.Wrap(err, "decoding proto")
	}
	return out, nil
}

func (c *ProtoCodec[I, O]) Encode(v O) (Message, error) {
	if c.Binary {
		data, err := proto.Marshal(v)
		return Message{Type: BinaryMessage, Data: data}, errors.Wrap(err, "encoding proto")
	}
	data, err := c.MarshalOptions.Marshal(v)
	return Message{Type: TextMessage, Data: data}, errors.Wrap(err, "encoding protojson")
}

func (c *ProtoCodec[I, O]) newInput() I {
	if c.NewInput != nil {
		return c.NewInput()
	}
	// generated messages answer ProtoReflect on a nil receiver
	var zero I
	return zero.ProtoReflect().Type().New().Interface().(I)
}

// AnyCodec lets a typed codec serve where a Codec[any, any] is expected, such
// as a consumer's options. Encoding a value that is not an O fails with
// ErrValueType.
func AnyCodec[I any, O any](c Codec[I, O]) Codec[any, any] {
	return anyCodec[I, O]{c}
}

type anyCodec[I any, O any] struct{ c Codec[I, O] }

func (a anyCodec[I, O]) Decode(msg Message) (any, error) {
	v, err := a.c.Decode(msg)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a anyCodec[I, O]) Encode(v any) (Message, error) {
	o, ok := v.(O)
	if !ok {
		return Message{}, errors.Wrapf(ErrValueType, "%T", v)
	}
	return a.c.Encode(o)
}

type unparsable struct{}

func (*unparsable) String() string { return "unparsable" }

// Unparsable stands in for the value of a message that failed to decode.
// Compare with ==.
var Unparsable any = &unparsable{}

// DecodeOrUnparsable decodes msg, returning Unparsable instead of an error.
func DecodeOrUnparsable(d Decoder[any], msg Message) any {
	v, err := d.Decode(msg)
	if err != nil {
		return Unparsable
	}
	return v
}

// Last holds the most recent message and caches its decoding until the next
// Set. The zero value holds nothing. Last is not safe for concurrent use.
type Last[I any] struct {
	msg     *Message
	value   I
	err     error
	decoded bool
}

func (l *Last[I]) Set(msg Message) {
	*l = Last[I]{msg: &msg}
}

func (l *Last[I]) Clear() {
	*l = Last[I]{}
}

// Message returns the held message. ok is false when there is none.
func (l *Last[I]) Message() (msg Message, ok bool) {
	if l.msg == nil {
		return msg, false
	}
	return *l.msg, true
}

// Value decodes the held message with d the first time it is asked for and
// returns the cached result after that. ok is false when there is no message.
func (l *Last[I]) Value(d Decoder[I]) (v I, ok bool, err error) {
	if l.msg == nil {
		return v, false, nil
	}
	if !l.decoded {
		l.value, l.err = d.Decode(*l.msg)
		l.decoded = true
	}
	return l.value, true, l.err
}

var (
	_ Codec[Message, Message] = RawCodec{}
	_ Codec[any, any]         = JSONCodec{}
	_ Codec[any, any]         = TypedJSONCodec[any, any]{}
)
