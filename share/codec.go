package share

import (
	"github.com/panyam/sockshare/wsock"
	"github.com/pkg/errors"
)

// SendEncoded encodes v with enc and sends it through c, for typed codecs
// such as wsock.ProtoCodec.
func SendEncoded[O any](c *Consumer, enc wsock.Encoder[O], v O) error {
	msg, err := enc.Encode(v)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	return c.SendMessage(msg)
}

// DecodeLast decodes c's last message with dec. ok is false when there is
// no message. Unlike LastJSONMessage the result is not cached.
func DecodeLast[I any](c *Consumer, dec wsock.Decoder[I]) (out I, ok bool, err error) {
	msg, ok := c.LastMessage()
	if !ok {
		return out, false, nil
	}
	out, err = dec.Decode(msg)
	return out, true, err
}
