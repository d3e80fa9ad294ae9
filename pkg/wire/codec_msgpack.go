package wire

import "github.com/vmihailenco/msgpack/v5"

// MessagePackCodec implements Codec using MessagePack encoding, selected
// with CodecMessagePack as a more compact alternative to JSON.
type MessagePackCodec struct{}

func (c *MessagePackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MessagePackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MessagePackCodec) Name() string {
	return "msgpack"
}
