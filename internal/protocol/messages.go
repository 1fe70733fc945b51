// Package protocol defines the wire messages exchanged between clients and
// the relay. Every frame is an envelope {"type": ..., "data": {...}}; the
// type discriminator selects one member of a closed set per direction, and
// unknown types are rejected at the boundary.
package protocol

import (
	"encoding/json"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin         = "join"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeSkip         = "skip"
	TypeReport       = "report"
	TypeVideoToggle  = "video_toggle"
	TypeAudioToggle  = "audio_toggle"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypePing         = "ping"
)

// Server -> Client message types. TypeMessage and the three signaling types
// are shared with the client direction.
const (
	TypeConnected           = "connected"
	TypeSearching           = "searching"
	TypeMatched             = "matched"
	TypeModerationWarning   = "moderation_warning"
	TypePartnerTyping       = "partner_typing"
	TypePartnerVideoToggle  = "partner_video_toggle"
	TypePartnerAudioToggle  = "partner_audio_toggle"
	TypePartnerSkipped      = "partner_skipped"
	TypePartnerDisconnected = "partner_disconnected"
	TypeLeftQueue           = "left_queue"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeBanned             = "BANNED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeInvalidState       = "INVALID_STATE"
)

// Enumerations shared by join payloads, queue entries and rooms.
const (
	AgeTeen  = "teen"
	AgeAdult = "adult"

	ModeText  = "text"
	ModeVoice = "voice"
	ModeVideo = "video"

	QueueModerated   = "moderated"
	QueueUnmoderated = "unmoderated"
)

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of messages a client may send. The
// unexported marker keeps the set closed to this package.
type ClientMessage interface {
	ClientType() string
	isClientMessage()
}

// JoinMsg asks to enter the waiting queue for the given partition.
type JoinMsg struct {
	AgeCategory string   `json:"ageCategory"`
	Mode        string   `json:"mode"`
	QueueType   string   `json:"queueType"`
	Interests   []string `json:"interests"`
}

// ChatMsg is a text message for the partner.
type ChatMsg struct {
	Content string `json:"content"`
}

// TypingMsg toggles the typing indicator.
type TypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// SkipMsg ends the current room (or retries matching while searching).
type SkipMsg struct{}

// ReportMsg reports the partner. MessageID is optional.
type ReportMsg struct {
	Reason    string `json:"reason"`
	MessageID string `json:"messageId,omitempty"`
}

// VideoToggleMsg tells the partner the camera was switched.
type VideoToggleMsg struct {
	Enabled bool `json:"enabled"`
}

// AudioToggleMsg tells the partner the microphone was switched.
type AudioToggleMsg struct {
	Enabled bool `json:"enabled"`
}

// SignalMsg carries a WebRTC offer, answer or ICE candidate. Payload is
// opaque and relayed verbatim.
type SignalMsg struct {
	Kind    string          `json:"-"`
	Payload json.RawMessage `json:"payload"`
}

// PingMsg is an application-level keepalive.
type PingMsg struct{}

func (JoinMsg) ClientType() string        { return TypeJoin }
func (ChatMsg) ClientType() string        { return TypeMessage }
func (TypingMsg) ClientType() string      { return TypeTyping }
func (SkipMsg) ClientType() string        { return TypeSkip }
func (ReportMsg) ClientType() string      { return TypeReport }
func (VideoToggleMsg) ClientType() string { return TypeVideoToggle }
func (AudioToggleMsg) ClientType() string { return TypeAudioToggle }
func (m SignalMsg) ClientType() string    { return m.Kind }
func (PingMsg) ClientType() string        { return TypePing }

func (JoinMsg) isClientMessage()        {}
func (ChatMsg) isClientMessage()        {}
func (TypingMsg) isClientMessage()      {}
func (SkipMsg) isClientMessage()        {}
func (ReportMsg) isClientMessage()      {}
func (VideoToggleMsg) isClientMessage() {}
func (AudioToggleMsg) isClientMessage() {}
func (SignalMsg) isClientMessage()      {}
func (PingMsg) isClientMessage()        {}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ServerMessage is the closed set of messages the server sends.
type ServerMessage interface {
	ServerType() string
	isServerMessage()
}

// ConnectedMsg announces the anonymous identity bound to the connection.
type ConnectedMsg struct {
	UserID string `json:"userId"`
}

// SearchingMsg reports the queue position while waiting.
type SearchingMsg struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

// MatchedMsg announces a new room.
type MatchedMsg struct {
	RoomID           string   `json:"roomId"`
	PartnerID        string   `json:"partnerId"`
	IsInitiator      bool     `json:"isInitiator"`
	Mode             string   `json:"mode"`
	SharedInterests  []string `json:"sharedInterests"`
	PartnerInterests []string `json:"partnerInterests,omitempty"`
}

// ServerChatMsg is a relayed, approved chat message.
type ServerChatMsg struct {
	ID               string   `json:"id"`
	RoomID           string   `json:"roomId"`
	SenderID         string   `json:"senderId"`
	Content          string   `json:"content"`
	SentAt           int64    `json:"sentAt"`
	ModerationStatus string   `json:"moderationStatus"`
	Severity         string   `json:"severity,omitempty"`
	Flags            []string `json:"flags,omitempty"`
}

// ModerationWarningMsg tells the sender their message was warned or blocked.
type ModerationWarningMsg struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// PartnerVideoToggleMsg relays the partner's camera state.
type PartnerVideoToggleMsg struct {
	Enabled bool `json:"enabled"`
}

// PartnerAudioToggleMsg relays the partner's microphone state.
type PartnerAudioToggleMsg struct {
	Enabled bool `json:"enabled"`
}

// PartnerSkippedMsg is sent when the partner skipped or reported.
type PartnerSkippedMsg struct{}

// PartnerDisconnectedMsg is sent when the partner's connection closed.
type PartnerDisconnectedMsg struct{}

// ServerSignalMsg relays a WebRTC signaling payload from the partner.
type ServerSignalMsg struct {
	Kind    string          `json:"-"`
	Payload json.RawMessage `json:"payload"`
}

// LeftQueueMsg is sent when the server removed the client from the queue.
type LeftQueueMsg struct {
	Reason string `json:"reason"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping with the server time in unix milliseconds.
type PongMsg struct {
	Timestamp int64 `json:"timestamp"`
}

func (ConnectedMsg) ServerType() string           { return TypeConnected }
func (SearchingMsg) ServerType() string           { return TypeSearching }
func (MatchedMsg) ServerType() string             { return TypeMatched }
func (ServerChatMsg) ServerType() string          { return TypeMessage }
func (ModerationWarningMsg) ServerType() string   { return TypeModerationWarning }
func (PartnerTypingMsg) ServerType() string       { return TypePartnerTyping }
func (PartnerVideoToggleMsg) ServerType() string  { return TypePartnerVideoToggle }
func (PartnerAudioToggleMsg) ServerType() string  { return TypePartnerAudioToggle }
func (PartnerSkippedMsg) ServerType() string      { return TypePartnerSkipped }
func (PartnerDisconnectedMsg) ServerType() string { return TypePartnerDisconnected }
func (m ServerSignalMsg) ServerType() string      { return m.Kind }
func (LeftQueueMsg) ServerType() string           { return TypeLeftQueue }
func (ErrorMsg) ServerType() string               { return TypeError }
func (PongMsg) ServerType() string                { return TypePong }

func (ConnectedMsg) isServerMessage()           {}
func (SearchingMsg) isServerMessage()           {}
func (MatchedMsg) isServerMessage()             {}
func (ServerChatMsg) isServerMessage()          {}
func (ModerationWarningMsg) isServerMessage()   {}
func (PartnerTypingMsg) isServerMessage()       {}
func (PartnerVideoToggleMsg) isServerMessage()  {}
func (PartnerAudioToggleMsg) isServerMessage()  {}
func (PartnerSkippedMsg) isServerMessage()      {}
func (PartnerDisconnectedMsg) isServerMessage() {}
func (ServerSignalMsg) isServerMessage()        {}
func (LeftQueueMsg) isServerMessage()           {}
func (ErrorMsg) isServerMessage()               {}
func (PongMsg) isServerMessage()                {}

// IsSignal reports whether t is one of the WebRTC signaling types.
func IsSignal(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// EstimatedWait is the rough wait estimate, in seconds, shown while
// searching at the given 1-based queue position.
func EstimatedWait(position int) int {
	return max(1, position*2)
}
