package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/livevote/go/internal/models"
)

// Frame types shared between the vote gateway and store clients

// FrameType is the discriminator of a websocket frame.
type FrameType string

const (
	// Client -> gateway requests. Each carries a Seq answered by an ack or error.
	FrameSet                FrameType = "set"
	FrameRemove             FrameType = "remove"
	FrameOnDisconnectRemove FrameType = "on_disconnect_remove"
	FrameCancelOnDisconnect FrameType = "cancel_on_disconnect"
	FrameSubscribe          FrameType = "subscribe"
	FrameUnsubscribe        FrameType = "unsubscribe"

	// Gateway -> client.
	FrameAck   FrameType = "ack"
	FrameError FrameType = "error"
	FrameValue FrameType = "value"
)

// Error codes carried by error frames.
const (
	CodePermissionDenied = "permission_denied"
	CodeNameImmutable    = "name_immutable"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeUnavailable      = "unavailable"
)

// Frame is the single envelope used in both directions.
type Frame struct {
	Type   FrameType            `json:"type"`
	Seq    uint64               `json:"seq,omitempty"`
	Key    models.ParticipantID `json:"key,omitempty"`
	Record *models.VoteRecord   `json:"record,omitempty"`
	Table  models.VoteTable     `json:"table,omitempty"`
	Code   string               `json:"code,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// IsRequest reports whether the frame type is sent by clients.
func (t FrameType) IsRequest() bool {
	switch t {
	case FrameSet, FrameRemove, FrameOnDisconnectRemove, FrameCancelOnDisconnect, FrameSubscribe, FrameUnsubscribe:
		return true
	}
	return false
}

// Decode parses a frame and checks the fields its type requires.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	switch f.Type {
	case FrameSet:
		if f.Key == "" || f.Record == nil {
			return nil, fmt.Errorf("set frame requires key and record")
		}
	case FrameRemove, FrameOnDisconnectRemove, FrameCancelOnDisconnect:
		if f.Key == "" {
			return nil, fmt.Errorf("%s frame requires key", f.Type)
		}
	case FrameSubscribe, FrameUnsubscribe, FrameAck, FrameError:
	case FrameValue:
		if f.Table == nil {
			f.Table = models.VoteTable{}
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Ack builds the reply for a successful request.
func Ack(seq uint64) *Frame {
	return &Frame{Type: FrameAck, Seq: seq}
}

// Errorf builds a rejection for a request.
func Errorf(seq uint64, code string, format string, args ...interface{}) *Frame {
	return &Frame{Type: FrameError, Seq: seq, Code: code, Error: fmt.Sprintf(format, args...)}
}

// Value builds a snapshot push. A nil table is sent as an empty object.
func Value(table models.VoteTable) *Frame {
	if table == nil {
		table = models.VoteTable{}
	}
	return &Frame{Type: FrameValue, Table: table}
}
