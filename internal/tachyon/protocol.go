// Package tachyon implements the lobby side of the controller: the JSON
// message protocol spoken over the duplex channel, and the authenticated
// reconnecting client that carries it.
package tachyon

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the subprotocol pinning the wire version.
const ProtocolVersion = "v0.tachyon"

// Envelope types
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Command ids handled by the controller
const (
	CmdStart            = "autohost/start"
	CmdKill             = "autohost/kill"
	CmdAddPlayer        = "autohost/addPlayer"
	CmdKickPlayer       = "autohost/kickPlayer"
	CmdMutePlayer       = "autohost/mutePlayer"
	CmdSpecPlayers      = "autohost/specPlayers"
	CmdSendCommand      = "autohost/sendCommand"
	CmdSendMessage      = "autohost/sendMessage"
	CmdSubscribeUpdates = "autohost/subscribeUpdates"
	CmdInstallEngine    = "autohost/installEngine"
)

// Command ids emitted by the controller
const (
	CmdUpdate = "autohost/update"
	CmdStatus = "autohost/status"
)

// Envelope is the common frame of every message on the duplex channel.
type Envelope struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	CommandID string          `json:"commandId"`
	Status    string          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Details   string          `json:"details,omitempty"`
}

// ParseEnvelope validates the frame-level shape of one message. Everything
// past the envelope is left for command-specific validation.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}
	switch env.Type {
	case TypeRequest, TypeResponse, TypeEvent:
	default:
		return nil, fmt.Errorf("invalid envelope type %q", env.Type)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	if env.CommandID == "" {
		return nil, fmt.Errorf("envelope missing commandId")
	}
	return &env, nil
}

// SuccessResponse builds the success response for a request.
func SuccessResponse(req *Envelope, data any) *Envelope {
	return &Envelope{
		Type:      TypeResponse,
		Status:    StatusSuccess,
		MessageID: req.MessageID,
		CommandID: req.CommandID,
		Data:      marshalData(data),
	}
}

// FailedResponse builds the failed response for a request.
func FailedResponse(req *Envelope, reason, details string) *Envelope {
	return &Envelope{
		Type:      TypeResponse,
		Status:    StatusFailed,
		MessageID: req.MessageID,
		CommandID: req.CommandID,
		Reason:    reason,
		Details:   details,
	}
}

// NewEvent builds an event envelope with a fresh message id.
func NewEvent(commandID string, data any) *Envelope {
	return &Envelope{
		Type:      TypeEvent,
		MessageID: uuid.NewString(),
		CommandID: commandID,
		Data:      marshalData(data),
	}
}

func marshalData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		// Only controller-built values land here; failing to marshal one
		// is a programming error.
		panic(fmt.Sprintf("marshaling message data: %v", err))
	}
	return raw
}
