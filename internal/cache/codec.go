package cache

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec 负责把 Key + Entry 编码为后端保存的字节串。Key 与条目一起保存，
// 使按哈希命名的文件也能还原出 ListKeys 结果。
type Codec interface {
	Name() string
	Encode(key Key, entry *Entry) ([]byte, error)
	Decode(data []byte) (Key, *Entry, error)
}

type storedEntry struct {
	Key   string `msgpack:"key" cbor:"1,keyasint"`
	Entry Entry  `msgpack:"entry" cbor:"2,keyasint"`
}

func (s storedEntry) unpack() (Key, *Entry, error) {
	key, err := ParseKey(s.Key)
	if err != nil {
		return Key{}, nil, err
	}
	entry := s.Entry
	return key, &entry, nil
}

// MsgpackCodec 使用 vmihailenco/msgpack 编码，零值即可使用。
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(key Key, entry *Entry) ([]byte, error) {
	return msgpack.Marshal(storedEntry{Key: key.String(), Entry: *entry})
}

func (MsgpackCodec) Decode(data []byte) (Key, *Entry, error) {
	var stored storedEntry
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		return Key{}, nil, fmt.Errorf("decode msgpack entry: %w", err)
	}
	return stored.unpack()
}

// CBORCodec 使用 fxamacker/cbor 的确定性编码，时间字段按 RFC3339Nano 写入。
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec 构造 CBOR 编解码器。
func NewCBORCodec() (*CBORCodec, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Encode(key Key, entry *Entry) ([]byte, error) {
	return c.enc.Marshal(storedEntry{Key: key.String(), Entry: *entry})
}

func (c *CBORCodec) Decode(data []byte) (Key, *Entry, error) {
	var stored storedEntry
	if err := c.dec.Unmarshal(data, &stored); err != nil {
		return Key{}, nil, fmt.Errorf("decode cbor entry: %w", err)
	}
	return stored.unpack()
}

// CodecByName 根据配置名称返回编解码器，空字符串默认 msgpack。
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}
