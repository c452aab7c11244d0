package chainclient

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gogoMessage 为 cosmos-sdk 生成类型具备的编解码方法。
type gogoMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// gogoCodec 直接调用 gogoproto 生成的方法，避免默认编解码器对 customtype 字段的反射处理。
type gogoCodec struct{}

var _ encoding.Codec = gogoCodec{}

func (gogoCodec) Name() string { return "proto" }

func (gogoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(gogoMessage)
	if !ok {
		return nil, fmt.Errorf("chainclient: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (gogoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(gogoMessage)
	if !ok {
		return fmt.Errorf("chainclient: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}
