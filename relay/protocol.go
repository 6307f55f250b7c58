// Package relay exposes a signaling.Store over WebSocket so peers on different hosts can
// share one room store without a common database.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"sharewave/models"
	"sharewave/signaling"
)

const (
	TypeCreateRoom    = "create_room"
	TypeGetRoom       = "get_room"
	TypePut           = "put"
	TypeGet           = "get"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeUpdate        = "update"
	TypeSetStatus     = "set_status"
	TypeDeleteRoom    = "delete_room"
	TypeDeleteExpired = "delete_expired"
	TypeResult        = "result"
)

const (
	codeRoomNotFound     = "room_not_found"
	codeRoomExists       = "room_exists"
	codeAlreadySet       = "already_set"
	codeInvalidCategory  = "invalid_category"
	codeStoreUnavailable = "store_unavailable"
	codeBadRequest       = "bad_request"
	codeInternal         = "internal"
)

// ErrBadRequest indicates the relay rejected a malformed request.
var ErrBadRequest = errors.New("relay: bad request")

// Message is the single JSON frame exchanged between relay clients and the server.
// Requests carry a request_id echoed by the matching result; updates carry the
// subscription_id chosen by the client when subscribing.
type Message struct {
	Type           string             `json:"type"`
	RequestID      string             `json:"request_id,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	RoomID         string             `json:"room_id,omitempty"`
	Category       signaling.Category `json:"category,omitempty"`
	Key            string             `json:"key,omitempty"`
	Value          []byte             `json:"value,omitempty"`
	Status         models.RoomStatus  `json:"status,omitempty"`
	CreatedAt      int64              `json:"created_at,omitempty"`
	Count          int                `json:"count,omitempty"`
	Updates        []signaling.Update `json:"updates,omitempty"`
	Room           *models.Room       `json:"room,omitempty"`
	Code           string             `json:"code,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func encodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal relay message: %w", err)
	}
	return payload, nil
}

func decodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", ErrBadRequest, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadRequest)
	}
	return msg, nil
}

// errorCode maps a store error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, signaling.ErrRoomNotFound):
		return codeRoomNotFound
	case errors.Is(err, signaling.ErrRoomExists):
		return codeRoomExists
	case errors.Is(err, signaling.ErrAlreadySet):
		return codeAlreadySet
	case errors.Is(err, signaling.ErrInvalidCategory):
		return codeInvalidCategory
	case errors.Is(err, signaling.ErrStoreUnavailable):
		return codeStoreUnavailable
	case errors.Is(err, ErrBadRequest):
		return codeBadRequest
	default:
		return codeInternal
	}
}

// errorFromResult rebuilds a sentinel-wrapped error from a result frame.
func errorFromResult(msg Message) error {
	if msg.Code == "" && msg.Error == "" {
		return nil
	}

	var sentinel error
	switch msg.Code {
	case codeRoomNotFound:
		sentinel = signaling.ErrRoomNotFound
	case codeRoomExists:
		sentinel = signaling.ErrRoomExists
	case codeAlreadySet:
		sentinel = signaling.ErrAlreadySet
	case codeInvalidCategory:
		sentinel = signaling.ErrInvalidCategory
	case codeStoreUnavailable:
		sentinel = signaling.ErrStoreUnavailable
	case codeBadRequest:
		sentinel = ErrBadRequest
	default:
		return fmt.Errorf("relay: %s", msg.Error)
	}
	return fmt.Errorf("%w (relay: %s)", sentinel, msg.Error)
}
