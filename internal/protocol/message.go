// ABOUTME: Wire envelope exchanged between the agency and its agents.
// ABOUTME: Defines the 4-character message type codes and the command/result/progress views.

package protocol

import (
	"fmt"
)

// MessageType is the 4-character code identifying a message on the wire.
type MessageType string

const (
	// Agent lifecycle
	MsgStart MessageType = "STRT"
	MsgExit  MessageType = "EXIT"

	// Runner lifecycle
	MsgCreateRunner MessageType = "RUNR"
	MsgLoad         MessageType = "LOAD"
	MsgReload       MessageType = "RELD"
	MsgUnload       MessageType = "UNLD"

	// Test operations
	MsgExplore        MessageType = "XPLR"
	MsgCountTestCases MessageType = "CNTC"
	MsgRun            MessageType = "RSYN"
	MsgRunAsync       MessageType = "RASY"
	MsgRequestStop    MessageType = "STOP"
	MsgForcedStop     MessageType = "ABRT"

	// Agent -> Agency
	MsgProgress MessageType = "PROG"
	MsgResult   MessageType = "RSLT"
)

// TypeLength is the exact length of every MessageType code.
const TypeLength = 4

// Kind classifies a message type.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindResult
	KindProgress
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResult:
		return "result"
	case KindProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Kind returns the kind of the message type. Codes that are well formed
// but not known to this version report KindUnknown.
func (t MessageType) Kind() Kind {
	switch t {
	case MsgStart, MsgExit, MsgCreateRunner, MsgLoad, MsgReload, MsgUnload,
		MsgExplore, MsgCountTestCases, MsgRun, MsgRunAsync, MsgRequestStop, MsgForcedStop:
		return KindCommand
	case MsgResult:
		return KindResult
	case MsgProgress:
		return KindProgress
	default:
		return KindUnknown
	}
}

// Valid reports whether t has the exact wire length.
func (t MessageType) Valid() bool {
	return len(t) == TypeLength
}

// Message is the envelope carried by a single frame. Data is nil when a
// command takes no argument.
type Message struct {
	Type MessageType
	Data []byte
}

// NewCommand builds a command message. arg may be nil.
func NewCommand(cmd MessageType, arg []byte) Message {
	return Message{Type: cmd, Data: arg}
}

// NewCommandText builds a command message whose argument is text, such as
// a filter fragment. An empty string still produces a present argument.
func NewCommandText(cmd MessageType, arg string) Message {
	return Message{Type: cmd, Data: []byte(arg)}
}

// NewResult builds the reply to a completed command.
func NewResult(value string) Message {
	return Message{Type: MsgResult, Data: []byte(value)}
}

// NewProgress builds a progress report message.
func NewProgress(report string) Message {
	return Message{Type: MsgProgress, Data: []byte(report)}
}

// Kind returns the kind of the message.
func (m Message) Kind() Kind {
	return m.Type.Kind()
}

// HasData reports whether the message carries a payload.
func (m Message) HasData() bool {
	return m.Data != nil
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Data)
}

// CommandName returns the command code of a command message.
func (m Message) CommandName() MessageType {
	return m.Type
}

// Argument returns the command argument, nil if none was sent.
func (m Message) Argument() []byte {
	return m.Data
}

// ReturnValue returns the value carried by a result message.
func (m Message) ReturnValue() string {
	return string(m.Data)
}

// Report returns the text of a progress message.
func (m Message) Report() string {
	return string(m.Data)
}

// String renders the message for logs, truncating long payloads.
func (m Message) String() string {
	if m.Data == nil {
		return string(m.Type)
	}
	const maxShown = 64
	text := string(m.Data)
	if len(text) > maxShown {
		return fmt.Sprintf("%s(%d bytes: %q...)", m.Type, len(m.Data), text[:maxShown])
	}
	return fmt.Sprintf("%s(%q)", m.Type, text)
}
