package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame labels
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelClosed = "CLOSED"
)

// ErrMalformedFrame is returned when a message is not a valid NIP-01 frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded NIP-01 message in either direction.
// Which fields are set depends on Label.
type Frame struct {
	Label   string
	SubID   string
	Event   *Event
	Filters []Filter
	EventID string
	OK      bool
	Message string
}

// EventFrame encodes a client publish: ["EVENT", <event>].
func EventFrame(ev *Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, ev})
}

// ReqFrame encodes a subscription request: ["REQ", <sub>, <filter>...].
func ReqFrame(subID string, filters ...Filter) ([]byte, error) {
	msg := make([]any, 0, 2+len(filters))
	msg = append(msg, LabelReq, subID)

	for _, f := range filters {
		msg = append(msg, f)
	}

	return json.Marshal(msg)
}

// CloseFrame encodes ["CLOSE", <sub>].
func CloseFrame(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

// SubEventFrame encodes a relay delivery: ["EVENT", <sub>, <event>].
func SubEventFrame(subID string, ev *Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, subID, ev})
}

// EOSEFrame encodes ["EOSE", <sub>].
func EOSEFrame(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, subID})
}

// OKFrame encodes ["OK", <event id>, <accepted>, <message>].
func OKFrame(eventID string, ok bool, message string) ([]byte, error) {
	return json.Marshal([]any{LabelOK, eventID, ok, message})
}

// NoticeFrame encodes ["NOTICE", <message>].
func NoticeFrame(message string) ([]byte, error) {
	return json.Marshal([]any{LabelNotice, message})
}

// ClosedFrame encodes ["CLOSED", <sub>, <message>].
func ClosedFrame(subID, message string) ([]byte, error) {
	return json.Marshal([]any{LabelClosed, subID, message})
}

// ParseFrame decodes a frame sent by either a client or a relay.
func ParseFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if len(parts) < 2 {
		return Frame{}, fmt.Errorf("%w: too few elements", ErrMalformedFrame)
	}

	var f Frame
	if err := json.Unmarshal(parts[0], &f.Label); err != nil {
		return Frame{}, fmt.Errorf("%w: label: %v", ErrMalformedFrame, err)
	}

	var err error

	switch f.Label {
	case LabelEvent:
		if len(parts) == 2 {
			f.Event = new(Event)
			err = json.Unmarshal(parts[1], f.Event)

			break
		}

		if err = json.Unmarshal(parts[1], &f.SubID); err == nil {
			f.Event = new(Event)
			err = json.Unmarshal(parts[2], f.Event)
		}
	case LabelReq:
		if err = json.Unmarshal(parts[1], &f.SubID); err != nil {
			break
		}

		for _, raw := range parts[2:] {
			var filter Filter
			if err = json.Unmarshal(raw, &filter); err != nil {
				break
			}

			f.Filters = append(f.Filters, filter)
		}
	case LabelClose, LabelEOSE:
		err = json.Unmarshal(parts[1], &f.SubID)
	case LabelClosed:
		if err = json.Unmarshal(parts[1], &f.SubID); err == nil && len(parts) > 2 {
			err = json.Unmarshal(parts[2], &f.Message)
		}
	case LabelOK:
		if len(parts) < 3 {
			return Frame{}, fmt.Errorf("%w: OK needs event id and status", ErrMalformedFrame)
		}

		if err = json.Unmarshal(parts[1], &f.EventID); err == nil {
			err = json.Unmarshal(parts[2], &f.OK)
		}

		if err == nil && len(parts) > 3 {
			err = json.Unmarshal(parts[3], &f.Message)
		}
	case LabelNotice:
		err = json.Unmarshal(parts[1], &f.Message)
	default:
		return Frame{}, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, f.Label)
	}

	if err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Label, err)
	}

	return f, nil
}
