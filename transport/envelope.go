package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type envelopeKind uint8

const (
	kindStream envelopeKind = iota + 1
	kindPresence
)

// envelope 是跨进程广播时包裹业务消息的外层结构，使用整数键的 CBOR 编码。
type envelope struct {
	Origin string       `cbor:"1,keyasint"`
	Kind   envelopeKind `cbor:"2,keyasint"`
	Body   []byte       `cbor:"3,keyasint,omitempty"`
	SentAt int64        `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeEnvelope 将信封编码为确定性的 CBOR 字节。
func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}
	return data, nil
}

// decodeEnvelope 解析 CBOR 信封并校验消息类型。
func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Kind != kindStream && env.Kind != kindPresence {
		return envelope{}, fmt.Errorf("transport: unknown envelope kind %d", env.Kind)
	}
	return env, nil
}
