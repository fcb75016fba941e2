// Package protocol defines the JSON frames exchanged between the sync server
// and its clients over a websocket.
//
// Requests carry a client-chosen Seq and are answered by an ack frame with
// the same Seq. Snapshot and presence frames are pushed by the server and
// carry the Seq of the subscribe request they belong to.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabboard/remote"
)

// Type names a frame.
type Type string

const (
	Subscribe         Type = "subscribe"
	Snapshot          Type = "snapshot"
	Write             Type = "write"
	BatchWrite        Type = "batch_write"
	Delete            Type = "delete"
	PresenceSubscribe Type = "presence_subscribe"
	PresenceSet       Type = "presence_set"
	PresenceClear     Type = "presence_clear"
	Presence          Type = "presence"
	Ack               Type = "ack"
)

var (
	// ErrUnknownType is returned for frames whose type is not listed above.
	ErrUnknownType = errors.New("protocol: unknown frame type")
	// ErrInvalid is returned for frames that miss a field their type needs.
	ErrInvalid = errors.New("protocol: invalid frame")
)

// Frame is the single envelope used in both directions. Only the fields
// relevant to Type are set.
type Frame struct {
	Type     Type                             `json:"type"`
	Seq      uint64                           `json:"seq,omitempty"`
	Board    string                           `json:"board,omitempty"`
	ID       string                           `json:"id,omitempty"`
	Fields   map[string]any                   `json:"fields,omitempty"`
	Merge    bool                             `json:"merge,omitempty"`
	Docs     []remote.Doc                     `json:"docs,omitempty"`
	Record   *remote.PresenceRecord           `json:"record,omitempty"`
	UserID   string                           `json:"userId,omitempty"`
	Presence map[string]remote.PresenceRecord `json:"presence,omitempty"`
	Error    string                           `json:"error,omitempty"`
}

// IsRequest reports whether the frame is sent by clients and acked.
func (t Type) IsRequest() bool {
	switch t {
	case Subscribe, Write, BatchWrite, Delete, PresenceSubscribe, PresenceSet, PresenceClear:
		return true
	}
	return false
}

func (t Type) known() bool {
	switch t {
	case Snapshot, Presence, Ack:
		return true
	}
	return t.IsRequest()
}

// Validate checks that f carries what its type needs.
func (f Frame) Validate() error {
	if !f.Type.known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if f.Type.IsRequest() && f.Board == "" {
		return fmt.Errorf("%w: %s without board", ErrInvalid, f.Type)
	}
	switch f.Type {
	case Write:
		if f.ID == "" || f.Fields == nil {
			return fmt.Errorf("%w: write needs id and fields", ErrInvalid)
		}
	case BatchWrite:
		for _, d := range f.Docs {
			if d.ID == "" {
				return fmt.Errorf("%w: batch member without id", ErrInvalid)
			}
		}
	case Delete:
		if f.ID == "" {
			return fmt.Errorf("%w: delete needs id", ErrInvalid)
		}
	case PresenceSet:
		if f.Record == nil || f.Record.UserID == "" {
			return fmt.Errorf("%w: presence_set needs a record with a user", ErrInvalid)
		}
	case PresenceClear:
		if f.UserID == "" {
			return fmt.Errorf("%w: presence_clear needs userId", ErrInvalid)
		}
	}
	return nil
}

// Decode parses and validates one frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Encode marshals f.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// AckFor answers the request with sequence seq. A nil err is a success.
func AckFor(seq uint64, err error) Frame {
	f := Frame{Type: Ack, Seq: seq}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
