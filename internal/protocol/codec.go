package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/whisper/anygle/internal/common"
)

// ErrMalformedFrame is returned when the envelope itself cannot be parsed.
// The connection that sent it is closed.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// UnknownTypeError reports a well-formed envelope with an unsupported type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return "protocol: unknown client message type: " + e.Type
}

// Codec converts between frames and messages. JSON is used for text frames,
// msgpack for binary frames.
type Codec interface {
	Name() string
	Binary() bool
	Decode(data []byte) (ClientMessage, error)
	Encode(msg ServerMessage) ([]byte, error)
}

var (
	// JSON is the text-frame codec.
	JSON Codec = jsonCodec{}
	// MsgPack is the binary-frame codec.
	MsgPack Codec = msgpackCodec{}
)

// ---------------------------------------------------------------------------
// Shared decoding
// ---------------------------------------------------------------------------

// newClientMessage returns a pointer to the zero value for msgType, or nil
// for unknown types.
func newClientMessage(msgType string) interface{} {
	switch msgType {
	case TypeJoin:
		return &JoinMsg{}
	case TypeMessage:
		return &ChatMsg{}
	case TypeTyping:
		return &TypingMsg{}
	case TypeSkip:
		return &SkipMsg{}
	case TypeReport:
		return &ReportMsg{}
	case TypeVideoToggle:
		return &VideoToggleMsg{}
	case TypeAudioToggle:
		return &AudioToggleMsg{}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return &SignalMsg{Kind: msgType}
	case TypePing:
		return &PingMsg{}
	}
	return nil
}

func deref(v interface{}) ClientMessage {
	switch m := v.(type) {
	case *JoinMsg:
		return *m
	case *ChatMsg:
		return *m
	case *TypingMsg:
		return *m
	case *SkipMsg:
		return *m
	case *ReportMsg:
		return *m
	case *VideoToggleMsg:
		return *m
	case *AudioToggleMsg:
		return *m
	case *SignalMsg:
		return *m
	case *PingMsg:
		return *m
	}
	return nil
}

// newServerMessage mirrors newClientMessage for events carried between
// processes.
func newServerMessage(msgType string) ServerMessage {
	switch msgType {
	case TypeConnected:
		return &ConnectedMsg{}
	case TypeSearching:
		return &SearchingMsg{}
	case TypeMatched:
		return &MatchedMsg{}
	case TypeMessage:
		return &ServerChatMsg{}
	case TypeModerationWarning:
		return &ModerationWarningMsg{}
	case TypePartnerTyping:
		return &PartnerTypingMsg{}
	case TypePartnerVideoToggle:
		return &PartnerVideoToggleMsg{}
	case TypePartnerAudioToggle:
		return &PartnerAudioToggleMsg{}
	case TypePartnerSkipped:
		return &PartnerSkippedMsg{}
	case TypePartnerDisconnected:
		return &PartnerDisconnectedMsg{}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return &ServerSignalMsg{Kind: msgType}
	case TypeLeftQueue:
		return &LeftQueueMsg{}
	case TypeError:
		return &ErrorMsg{}
	case TypePong:
		return &PongMsg{}
	}
	return nil
}

// DecodeServer rebuilds a server message from its type and JSON data.
func DecodeServer(msgType string, data []byte) (ServerMessage, error) {
	target := newServerMessage(msgType)
	if target == nil {
		return nil, errors.Errorf("protocol: unknown server message type %q", msgType)
	}
	if len(data) > 0 && !bytes.Equal(data, []byte("null")) {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, errors.Wrapf(err, "protocol: decode %s", msgType)
		}
	}

	switch m := target.(type) {
	case *ConnectedMsg:
		return *m, nil
	case *SearchingMsg:
		return *m, nil
	case *MatchedMsg:
		return *m, nil
	case *ServerChatMsg:
		return *m, nil
	case *ModerationWarningMsg:
		return *m, nil
	case *PartnerTypingMsg:
		return *m, nil
	case *PartnerVideoToggleMsg:
		return *m, nil
	case *PartnerAudioToggleMsg:
		return *m, nil
	case *PartnerSkippedMsg:
		return *m, nil
	case *PartnerDisconnectedMsg:
		return *m, nil
	case *ServerSignalMsg:
		return *m, nil
	case *LeftQueueMsg:
		return *m, nil
	case *ErrorMsg:
		return *m, nil
	case *PongMsg:
		return *m, nil
	}
	return nil, errors.Errorf("protocol: unhandled server message type %q", msgType)
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

type jsonCodec struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Decode(data []byte) (ClientMessage, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "missing type")
	}

	target := newClientMessage(env.Type)
	if target == nil {
		return nil, &UnknownTypeError{Type: env.Type}
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return nil, common.Invalid("data", "cannot decode "+env.Type+" payload: "+err.Error())
		}
	}
	return deref(target), nil
}

func (jsonCodec) Encode(msg ServerMessage) ([]byte, error) {
	out, err := json.Marshal(struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}{Type: msg.ServerType(), Data: msg})
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s", msg.ServerType())
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// MessagePack
// ---------------------------------------------------------------------------

// msgpackCodec reuses the json struct tags so both codecs share one set of
// field names. Signaling payloads are carried as generic values on the wire
// and normalised to JSON internally so cross-codec relays stay verbatim.
type msgpackCodec struct{}

type msgpackEnvelope struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Decode(data []byte) (ClientMessage, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMalformedFrame, "missing type")
	}

	target := newClientMessage(env.Type)
	if target == nil {
		return nil, &UnknownTypeError{Type: env.Type}
	}
	if len(env.Data) == 0 {
		return deref(target), nil
	}

	if sig, ok := target.(*SignalMsg); ok {
		var generic struct {
			Payload interface{} `msgpack:"payload"`
		}
		if err := msgpack.Unmarshal(env.Data, &generic); err != nil {
			return nil, common.Invalid("data", "cannot decode "+env.Type+" payload: "+err.Error())
		}
		raw, err := json.Marshal(generic.Payload)
		if err != nil {
			return nil, common.Invalid("payload", "not representable: "+err.Error())
		}
		sig.Payload = raw
		return *sig, nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(env.Data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(target); err != nil {
		return nil, common.Invalid("data", "cannot decode "+env.Type+" payload: "+err.Error())
	}
	return deref(target), nil
}

func (msgpackCodec) Encode(msg ServerMessage) ([]byte, error) {
	var data interface{} = msg
	if sig, ok := msg.(ServerSignalMsg); ok {
		var generic interface{}
		if len(sig.Payload) > 0 {
			if err := json.Unmarshal(sig.Payload, &generic); err != nil {
				return nil, errors.Wrap(err, "protocol: signal payload")
			}
		}
		data = map[string]interface{}{"payload": generic}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	err := enc.Encode(struct {
		Type string      `json:"type"`
		Data interface{} `json:"data"`
	}{Type: msg.ServerType(), Data: data})
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: encode %s", msg.ServerType())
	}
	return buf.Bytes(), nil
}
