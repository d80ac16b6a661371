package keyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shopfleet/core/message"
)

func TestInlineButtonsRows(t *testing.T) {
	markup := InlineButtonsRows(
		message.Row{message.Btn("Add", "add", "p1:red"), message.Btn("Cart", "cart", "")},
		message.Row{},
		message.Row{message.Btn("Back", "back", "")},
	)
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Len(t, markup.InlineKeyboard[0], 2)
	assert.Equal(t, "Add", markup.InlineKeyboard[0][0].Text)
	assert.Equal(t, "add", markup.InlineKeyboard[0][0].Unique)
	assert.Equal(t, "p1:red", markup.InlineKeyboard[0][0].Data)
	assert.Equal(t, "Back", markup.InlineKeyboard[1][0].Text)
}

func TestInlineButtonsRowsEmpty(t *testing.T) {
	assert.Nil(t, InlineButtonsRows())
	assert.Nil(t, InlineButtonsRows(message.Row{}))
}

func TestSendOptions(t *testing.T) {
	opts := SendOptions(message.Message{Text: "hi", ParseMode: "Markdown"})
	assert.EqualValues(t, tele.ModeMarkdown, opts.ParseMode)
	assert.Nil(t, opts.ReplyMarkup)
}
