// Package protocol defines the JSON frames exchanged over a room connection.
// Every frame is a flat object with a "type" discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeJoinRoom   = "join_room"
	TypeCodeChange = "code_change"
	TypeCursorSync = "cursor_sync"

	TypeLoadCode     = "load_code"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeCodeUpdate   = "code_update"
	TypeCursorUpdate = "cursor_update"
	TypeError        = "error"
)

var ErrMalformedFrame = errors.New("malformed frame")

type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Inbound is one of Join, Edit, Cursor or Unknown.
type Inbound interface {
	inbound()
}

type Join struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type Edit struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

type Cursor struct {
	RoomID         string         `json:"roomId"`
	CursorPosition CursorPosition `json:"cursorPosition"`
}

// Unknown carries a frame type this server does not handle. Callers ignore it.
type Unknown struct {
	Type string
}

func (Join) inbound()    {}
func (Edit) inbound()    {}
func (Cursor) inbound()  {}
func (Unknown) inbound() {}

// Decode parses a client frame. Anything that is not a JSON object, or whose
// fields have the wrong shape for its type, is ErrMalformedFrame.
func Decode(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrMalformedFrame)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame Inbound
	switch head.Type {
	case TypeJoinRoom:
		var f Join
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
		}
		frame = f
	case TypeCodeChange:
		var f Edit
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
		}
		frame = f
	case TypeCursorSync:
		var f Cursor
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, head.Type, err)
		}
		frame = f
	default:
		frame = Unknown{Type: head.Type}
	}
	return frame, nil
}

type LoadCode struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type UserJoined struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type UserLeft struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type CodeUpdate struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Username string `json:"username"`
}

type CursorUpdate struct {
	Type           string         `json:"type"`
	Username       string         `json:"username"`
	CursorPosition CursorPosition `json:"cursorPosition"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func LoadCodeFrame(code, language string) []byte {
	return marshal(LoadCode{Type: TypeLoadCode, Code: code, Language: language})
}

func UserJoinedFrame(username string) []byte {
	return marshal(UserJoined{Type: TypeUserJoined, Username: username})
}

func UserLeftFrame(username string) []byte {
	return marshal(UserLeft{Type: TypeUserLeft, Username: username})
}

func CodeUpdateFrame(code, username string) []byte {
	return marshal(CodeUpdate{Type: TypeCodeUpdate, Code: code, Username: username})
}

func CursorUpdateFrame(username string, pos CursorPosition) []byte {
	return marshal(CursorUpdate{Type: TypeCursorUpdate, Username: username, CursorPosition: pos})
}

func ErrorFrame(message string) []byte {
	return marshal(Error{Type: TypeError, Message: message})
}

// The outbound frame types hold only strings and ints, so encoding cannot fail.
func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %T: %v", v, err))
	}
	return b
}

// Frame is the union of every field any frame carries. Clients use it to
// read server frames without switching on type first.
type Frame struct {
	Type           string          `json:"type"`
	RoomID         string          `json:"roomId,omitempty"`
	Username       string          `json:"username,omitempty"`
	Code           string          `json:"code,omitempty"`
	Language       string          `json:"language,omitempty"`
	Message        string          `json:"message,omitempty"`
	CursorPosition *CursorPosition `json:"cursorPosition,omitempty"`
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}
