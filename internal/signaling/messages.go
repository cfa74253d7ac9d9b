package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/halcyonlabs/rendezvous/internal/room"
)

type commandType string

const (
	commandCreateRoom       commandType = "create-room"
	commandJoinRoom         commandType = "join-room"
	commandSignal           commandType = "signal"
	commandTransferComplete commandType = "transfer-complete"
	commandLeaveRoom        commandType = "leave-room"
)

// Error codes carried in failed acks.
const (
	errCodeRateLimit     = "rate_limit"
	errCodeRoomNotFound  = "room_not_found"
	errCodeInvalidToken  = "invalid_token"
	errCodeRoomFull      = "room_full"
	errCodeMissingParams = "missing_params"
	errCodeServerError   = "server_error"
)

type clientMessage struct {
	Type commandType `json:"type"`

	// create-room
	TTLMinutes *int     `json:"ttlMinutes,omitempty"`
	MaxPeers   *int     `json:"maxPeers,omitempty"`
	UsageLimit *float64 `json:"usageLimit,omitempty"`

	// join-room / signal / transfer-complete / leave-room
	Code  string `json:"code,omitempty"`
	Token string `json:"token,omitempty"`

	// signal
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case commandCreateRoom:
		if m.Code != "" || m.Token != "" || m.To != "" || m.Data != nil {
			return fmt.Errorf("create-room message has unexpected fields")
		}
	case commandJoinRoom:
		if m.Code == "" || m.Token == "" {
			return fmt.Errorf("join-room message missing code/token")
		}
		if m.TTLMinutes != nil || m.MaxPeers != nil || m.UsageLimit != nil || m.To != "" || m.Data != nil {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case commandSignal:
		if m.Code == "" || m.Data == nil {
			return fmt.Errorf("signal message missing code/data")
		}
		if m.TTLMinutes != nil || m.MaxPeers != nil || m.UsageLimit != nil || m.Token != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	case commandTransferComplete, commandLeaveRoom:
		if m.Code == "" {
			return fmt.Errorf("%s message missing code", m.Type)
		}
		if m.TTLMinutes != nil || m.MaxPeers != nil || m.UsageLimit != nil || m.Token != "" || m.To != "" || m.Data != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// ack is the direct response to a client command. Failures carry Error and
// ok=false; successful create-room and join-room acks additionally echo the
// room parameters.
type ack struct {
	Type  string      `json:"type"`
	Op    commandType `json:"op"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`

	Code       string `json:"code,omitempty"`
	Token      string `json:"token,omitempty"`
	TTLMinutes int    `json:"ttlMinutes,omitempty"`
	MaxPeers   int    `json:"maxPeers,omitempty"`
	UsageLeft  *int   `json:"usageLeft,omitempty"`
	HostID     string `json:"hostId,omitempty"`
}

func okAck(op commandType) ack {
	return ack{Type: "ack", Op: op, OK: true}
}

func errAck(op commandType, code string) ack {
	return ack{Type: "ack", Op: op, OK: false, Error: code}
}

func createdAck(info room.Info) ack {
	a := okAck(commandCreateRoom)
	a.Code = info.Code
	a.Token = info.Token
	a.TTLMinutes = info.TTLMinutes
	a.MaxPeers = info.MaxPeers
	usageLeft := info.UsageLeft
	a.UsageLeft = &usageLeft
	return a
}

func joinedAck(hostID string) ack {
	a := okAck(commandJoinRoom)
	a.HostID = hostID
	return a
}
