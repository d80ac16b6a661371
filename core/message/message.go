// Package message describes outbound chat messages independently of the
// transport that delivers them.
package message

import "errors"

// Button is an inline button. Unique selects the callback handler and
// Payload is passed to it.
type Button struct {
	Text    string `json:"text"`
	Unique  string `json:"unique"`
	Payload string `json:"payload,omitempty"`
}

// Row is one row of inline buttons.
type Row []Button

// Message is one text message to a chat.
type Message struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
	Buttons   []Row  `json:"buttons,omitempty"`
}

// Btn is shorthand for a Button.
func Btn(text, unique, payload string) Button {
	return Button{Text: text, Unique: unique, Payload: payload}
}

// Data returns the callback data in "unique|payload" form.
func (b Button) Data() string {
	if b.Payload == "" {
		return b.Unique
	}
	return b.Unique + "|" + b.Payload
}

// ErrUndeliverable marks a failure caused by the recipient, such as a chat
// that blocked the bot. It says nothing about the health of the transport.
var ErrUndeliverable = errors.New("message: recipient unavailable")
