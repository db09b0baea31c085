package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/deadops/deadops/internal/agent"
)

// CodecHeader names the Kafka header that carries the value encoding.
const CodecHeader = "deadops-codec"

// OriginHeader names the Kafka header that carries the producing node id.
const OriginHeader = "deadops-origin"

// Codec selects how envelopes are encoded on the wire.
type Codec string

const (
	CodecJSON     Codec = "json"
	CodecProtobuf Codec = "protobuf"
)

// ParseCodec maps a config value to a Codec. Empty means JSON.
func ParseCodec(s string) (Codec, error) {
	switch Codec(strings.ToLower(strings.TrimSpace(s))) {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecProtobuf:
		return CodecProtobuf, nil
	}
	return "", fmt.Errorf("unknown codec %q", s)
}

// Encode serializes msg with codec c.
func (c Codec) Encode(msg agent.AgentMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}
	if c != CodecProtobuf {
		return data, nil
	}

	// The JSON form only contains types structpb accepts.
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s as struct: %w", msg.ID, err)
	}
	return proto.Marshal(st)
}

// Decode parses data produced by Encode with codec c.
func (c Codec) Decode(data []byte) (agent.AgentMessage, error) {
	var msg agent.AgentMessage
	if c == CodecProtobuf {
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return msg, fmt.Errorf("decode protobuf envelope: %w", err)
		}
		raw, err := json.Marshal(st.AsMap())
		if err != nil {
			return msg, fmt.Errorf("decode protobuf envelope: %w", err)
		}
		data = raw
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode envelope: %w", err)
	}
	return msg, nil
}
