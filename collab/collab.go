package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ids for clients, files, messages, and correlation data.
// ulids from the same source are ordered by create time.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// topic namespace
//
// all coordination flows over these topics. the document register topic is
// retained; everything else is transient.

func EditRequestTopic(fileId Id) string {
	return fmt.Sprintf("file/%s/edit/request", fileId)
}

func EditResponseTopic(clientId Id, fileId Id) string {
	return fmt.Sprintf("client/%s/file/%s/edit/response", clientId, fileId)
}

func DocumentRegisterTopic(fileId Id) string {
	return fmt.Sprintf("file/%s/document/init", fileId)
}

func FileStatusTopic(fileId Id) string {
	return fmt.Sprintf("file/%s/status", fileId)
}

func UserStatusTopic(clientId Id) string {
	return fmt.Sprintf("user/%s/status", clientId)
}

const UserStatusWildcard = "user/+/status"

// wire payloads
//
// json for requests and presence, raw utf-8 for document content.
// this matches the existing browser clients on the same broker.

type EditRequestPayload struct {
	Username string `json:"username"`
}

const (
	DecisionGranted = "granted"
	DecisionDenied  = "denied"
)

type PresenceAction string

const (
	PresenceJoined                 PresenceAction = "joined"
	PresenceLeft                   PresenceAction = "left"
	PresenceDisconnectedUnexpected PresenceAction = "disconnected_unexpectedly"
)

type PresenceEvent struct {
	User          string         `json:"user"`
	ClientId      Id             `json:"client_id"`
	Action        PresenceAction `json:"action"`
	Timestamp     int64          `json:"timestamp"`
	ExpirySeconds int64          `json:"expiry,omitempty"`
}

func NewPresenceEvent(user string, clientId Id, action PresenceAction, expiry time.Duration) *PresenceEvent {
	return &PresenceEvent{
		User:          user,
		ClientId:      clientId,
		Action:        action,
		Timestamp:     time.Now().UnixMilli(),
		ExpirySeconds: int64(expiry / time.Second),
	}
}

// status notification severities surfaced to the embedding ui

type StatusSeverity int

const (
	StatusInfo StatusSeverity = iota
	StatusWarn
	StatusError
)

func (self StatusSeverity) String() string {
	switch self {
	case StatusInfo:
		return "info"
	case StatusWarn:
		return "warn"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrQueueFull     = errors.New("publish queue full")
	ErrMessageStale  = errors.New("message dropped as stale")
	ErrSessionClosed = errors.New("session closed")
	ErrNoEditAccess  = errors.New("no edit access")
	ErrNotConnected  = errors.New("not connected")
)
