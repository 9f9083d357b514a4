// Package message defines the wire vocabulary spoken on the management and
// evolution channels. Every message is a single line of UTF-8 JSON; this
// package decodes each line exactly once into a closed tagged variant with
// an explicit unknown arm, rather than dispatching on raw maps all over the
// engine.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/ctrl-z-9000-times/npc-maker/errors"
)

// CommandType enumerates messages sent from the management program to an
// environment instance.
type CommandType int

// Command variants.
const (
	CmdUnknown CommandType = iota
	CmdStart
	CmdStop
	CmdPause
	CmdResume
	CmdHeartbeat
	CmdSave
	CmdLoad
	CmdQuit
	CmdBirth
	CmdMessage
)

// String returns the wire name of the command type.
func (ct CommandType) String() string {
	switch ct {
	case CmdStart:
		return "Start"
	case CmdStop:
		return "Stop"
	case CmdPause:
		return "Pause"
	case CmdResume:
		return "Resume"
	case CmdHeartbeat:
		return "Heartbeat"
	case CmdSave:
		return "Save"
	case CmdLoad:
		return "Load"
	case CmdQuit:
		return "Quit"
	case CmdBirth:
		return "Birth"
	case CmdMessage:
		return "Message"
	default:
		return "Unknown"
	}
}

// Birth carries a new individual into the environment. Birth is the only
// command that is never acknowledged.
type Birth struct {
	Population string          `json:"population"`
	Name       string          `json:"name"`
	Controller []string        `json:"controller"`
	Genome     json.RawMessage `json:"genome"`
	Parents    []string        `json:"parents,omitempty"`
}

// Command is one decoded management-to-environment message.
type Command struct {
	Type CommandType

	// Path is set for Save and Load.
	Path string

	// Birth is set for Birth.
	Birth *Birth

	// Payload is the verbatim JSON body of a Message command.
	Payload json.RawMessage
}

// EncodeCommand renders a command as one line of JSON, without the newline.
func EncodeCommand(cmd Command) (string, error) {
	switch cmd.Type {
	case CmdStart, CmdStop, CmdPause, CmdResume, CmdHeartbeat, CmdQuit:
		return `"` + cmd.Type.String() + `"`, nil
	case CmdSave, CmdLoad:
		body, err := json.Marshal(map[string]string{cmd.Type.String(): cmd.Path})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeCommand", "marshal path")
		}
		return string(body), nil
	case CmdBirth:
		if cmd.Birth == nil {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: birth command without body", errors.ErrMalformedField),
				"message", "EncodeCommand", "validate birth")
		}
		body, err := json.Marshal(map[string]*Birth{"Birth": cmd.Birth})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeCommand", "marshal birth")
		}
		return string(body), nil
	case CmdMessage:
		body, err := json.Marshal(map[string]json.RawMessage{"Message": cmd.Payload})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeCommand", "marshal payload")
		}
		return string(body), nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: command type %d", errors.ErrUnknownMessage, cmd.Type),
			"message", "EncodeCommand", "select variant")
	}
}

// DecodeCommand parses one line into a Command. Unrecognized message shapes
// return ErrUnknownMessage, which is recoverable: the caller skips the line
// and keeps reading, because the protocol is forward-compatible.
func DecodeCommand(line string) (Command, error) {
	data := []byte(line)

	// The plain commands are bare JSON strings.
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "Start":
			return Command{Type: CmdStart}, nil
		case "Stop":
			return Command{Type: CmdStop}, nil
		case "Pause":
			return Command{Type: CmdPause}, nil
		case "Resume":
			return Command{Type: CmdResume}, nil
		case "Heartbeat":
			return Command{Type: CmdHeartbeat}, nil
		case "Quit":
			return Command{Type: CmdQuit}, nil
		default:
			return Command{}, unknown("command", name)
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Command{}, errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"message", "DecodeCommand", "parse line")
	}

	if raw, ok := fields["Save"]; ok {
		return decodePathCommand(CmdSave, raw)
	}
	if raw, ok := fields["Load"]; ok {
		return decodePathCommand(CmdLoad, raw)
	}
	if raw, ok := fields["Birth"]; ok {
		var birth Birth
		if err := json.Unmarshal(raw, &birth); err != nil {
			return Command{}, errors.WrapRecoverable(
				fmt.Errorf("%w: %v", errors.ErrProtocol, err),
				"message", "DecodeCommand", "parse birth")
		}
		return Command{Type: CmdBirth, Birth: &birth}, nil
	}
	if raw, ok := fields["Message"]; ok {
		return Command{Type: CmdMessage, Payload: raw}, nil
	}
	// Older peers send user payloads under the "Custom" key.
	if raw, ok := fields["Custom"]; ok {
		return Command{Type: CmdMessage, Payload: raw}, nil
	}

	return Command{}, unknown("command", line)
}

func decodePathCommand(ct CommandType, raw json.RawMessage) (Command, error) {
	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		return Command{}, errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"message", "DecodeCommand", "parse path")
	}
	return Command{Type: ct, Path: path}, nil
}

// EventType enumerates messages sent from an environment instance back to
// the management program and onward to the evolution service.
type EventType int

// Event variants.
const (
	EvUnknown EventType = iota
	EvAck
	EvNew
	EvMate
	EvScore
	EvInfo
	EvDeath
)

// String returns the wire name of the event type.
func (et EventType) String() string {
	switch et {
	case EvAck:
		return "Ack"
	case EvNew:
		return "New"
	case EvMate:
		return "Mate"
	case EvScore:
		return "Score"
	case EvInfo:
		return "Info"
	case EvDeath:
		return "Death"
	default:
		return "Unknown"
	}
}

// Event is one decoded environment-to-management message.
type Event struct {
	Type EventType

	// Ack carries the acknowledged command. Acks are state announcements,
	// not strictly replies: unsolicited state changes also arrive here.
	Ack *Command

	// Population is set for New. Empty means "the only population".
	Population string

	// Parents is set for Mate.
	Parents []string

	// Name identifies the individual for Score, Info and Death.
	Name string

	// Score is the reported score, kept verbatim as text.
	Score string

	// Info is the reported info fragment, merged by the receiver.
	Info map[string]string
}

// EncodeEvent renders an event as one line of JSON, without the newline.
func EncodeEvent(ev Event) (string, error) {
	switch ev.Type {
	case EvAck:
		if ev.Ack == nil {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: ack without command", errors.ErrMalformedField),
				"message", "EncodeEvent", "validate ack")
		}
		inner, err := EncodeCommand(*ev.Ack)
		if err != nil {
			return "", err
		}
		return `{"Ack":` + inner + `}`, nil
	case EvNew:
		body, err := json.Marshal(map[string]string{"New": ev.Population})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeEvent", "marshal new")
		}
		return string(body), nil
	case EvMate:
		body, err := json.Marshal(map[string][]string{"Mate": ev.Parents})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeEvent", "marshal mate")
		}
		return string(body), nil
	case EvScore:
		body, err := json.Marshal(struct {
			Score string `json:"Score"`
			Name  string `json:"name"`
		}{ev.Score, ev.Name})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeEvent", "marshal score")
		}
		return string(body), nil
	case EvInfo:
		body, err := json.Marshal(struct {
			Info map[string]string `json:"Info"`
			Name string            `json:"name"`
		}{ev.Info, ev.Name})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeEvent", "marshal info")
		}
		return string(body), nil
	case EvDeath:
		body, err := json.Marshal(map[string]string{"Death": ev.Name})
		if err != nil {
			return "", errors.WrapInvalid(err, "message", "EncodeEvent", "marshal death")
		}
		return string(body), nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: event type %d", errors.ErrUnknownMessage, ev.Type),
			"message", "EncodeEvent", "select variant")
	}
}

// DecodeEvent parses one line into an Event. Unknown shapes are recoverable.
func DecodeEvent(line string) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return Event{}, errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"message", "DecodeEvent", "parse line")
	}

	if raw, ok := fields["Ack"]; ok {
		acked, err := DecodeCommand(string(raw))
		if err != nil {
			return Event{}, err
		}
		return Event{Type: EvAck, Ack: &acked}, nil
	}
	if raw, ok := fields["New"]; ok {
		var population string
		// A null population means "the only population".
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &population); err != nil {
				return Event{}, malformed("New", err)
			}
		}
		return Event{Type: EvNew, Population: population}, nil
	}
	if raw, ok := fields["Mate"]; ok {
		var parents []string
		if err := json.Unmarshal(raw, &parents); err != nil {
			return Event{}, malformed("Mate", err)
		}
		return Event{Type: EvMate, Parents: parents}, nil
	}
	if raw, ok := fields["Score"]; ok {
		score, err := decodeScalarText(raw)
		if err != nil {
			return Event{}, malformed("Score", err)
		}
		return Event{Type: EvScore, Score: score, Name: decodeName(fields)}, nil
	}
	if raw, ok := fields["Info"]; ok {
		var info map[string]string
		if err := json.Unmarshal(raw, &info); err != nil {
			return Event{}, malformed("Info", err)
		}
		return Event{Type: EvInfo, Info: info, Name: decodeName(fields)}, nil
	}
	if raw, ok := fields["Death"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return Event{}, malformed("Death", err)
		}
		return Event{Type: EvDeath, Name: name}, nil
	}

	return Event{}, unknown("event", line)
}

func decodeName(fields map[string]json.RawMessage) string {
	var name string
	if raw, ok := fields["name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	return name
}

// decodeScalarText accepts either a JSON string or a bare number, since both
// score encodings exist in the wild, and keeps the value as text.
func decodeScalarText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func unknown(kind, line string) error {
	return errors.WrapRecoverable(
		fmt.Errorf("%w: %s %q", errors.ErrUnknownMessage, kind, line),
		"message", "Decode", "match variant")
}

func malformed(field string, err error) error {
	return errors.WrapRecoverable(
		fmt.Errorf("%w: field %s: %v", errors.ErrProtocol, field, err),
		"message", "Decode", "parse field")
}
