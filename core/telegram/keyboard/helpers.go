// Package keyboard renders transport-neutral messages as Telegram markup.
package keyboard

import (
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shopfleet/core/message"
)

// InlineButtonsRows builds an inline keyboard from rows of buttons. It
// returns nil when there are no buttons.
func InlineButtonsRows(rows ...message.Row) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	markup := &tele.ReplyMarkup{}
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		r := make([]tele.InlineButton, len(row))
		for j, btn := range row {
			r[j] = *markup.Data(btn.Text, btn.Unique, btn.Payload).Inline()
		}
		inline = append(inline, r)
	}
	if len(inline) == 0 {
		return nil
	}
	markup.InlineKeyboard = inline
	return markup
}

// SendOptions returns the options to send m with.
func SendOptions(m message.Message) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:   tele.ParseMode(m.ParseMode),
		ReplyMarkup: InlineButtonsRows(m.Buttons...),
	}
}
