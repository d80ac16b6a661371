// Package callbacks decodes inline button data.
package callbacks

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Parse splits the callback data of a pressed button into its key and
// payload. Buttons built with tele.ReplyMarkup.Data are encoded as
// "\f<unique>|<payload>"; plain data without the marker is accepted too.
func Parse(cb *tele.Callback) (string, string) {
	if cb == nil {
		return "", ""
	}
	raw := strings.TrimSpace(cb.Data)
	raw = strings.TrimPrefix(raw, "\f")
	key, payload, _ := strings.Cut(raw, "|")
	key = strings.TrimSpace(key)
	if key == "" {
		key = cb.Unique
	}
	return key, payload
}
