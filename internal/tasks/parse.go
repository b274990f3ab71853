package tasks

import (
	"strings"

	"github.com/tidwall/gjson"
)

// envelopeWrappers are the transport wrappers a message payload may arrive
// nested under. Unwrapping repeats until no wrapper matches, since wrappers
// can stack (an ephemeral view-once message, for instance).
var envelopeWrappers = []string{
	"ephemeralMessage",
	"viewOnceMessage",
	"viewOnceMessageV2",
	"viewOnceMessageV2Extension",
	"documentWithCaptionMessage",
}

// InboundMessage is the correlation-relevant projection of one raw inbound
// envelope.
type InboundMessage struct {
	FromMe    bool
	ChatJID   string
	SenderJID string
	Response  *Response
}

// ParseInbound extracts sender identity and the structured response from a
// raw envelope. The second return is false when the envelope carries no
// usable chat JID.
func ParseInbound(raw []byte) (InboundMessage, bool) {
	msg := gjson.ParseBytes(raw)

	chatJID := strings.TrimSpace(msg.Get("key.remoteJid").String())
	if chatJID == "" {
		return InboundMessage{}, false
	}

	out := InboundMessage{
		FromMe:    msg.Get("key.fromMe").Bool(),
		ChatJID:   chatJID,
		SenderJID: chatJID,
	}
	if strings.HasSuffix(chatJID, "@g.us") {
		// In groups the reply is attributed to the participant, not the
		// group chat itself.
		out.SenderJID = strings.TrimSpace(msg.Get("key.participant").String())
	}

	out.Response = parseResponse(unwrapContent(msg.Get("message")))
	return out, true
}

func unwrapContent(content gjson.Result) gjson.Result {
	moved := true
	for moved {
		moved = false
		for _, wrapper := range envelopeWrappers {
			nested := content.Get(wrapper + ".message")
			if nested.IsObject() {
				content = nested
				moved = true
				break
			}
		}
	}
	return content
}

// parseResponse resolves the structured reply out of an unwrapped message
// body: button replies, list selections, template buttons and native-flow
// responses carry a key, plain text carries only text.
func parseResponse(content gjson.Result) *Response {
	replyTo := strings.TrimSpace(firstContextStanza(content))

	buttonID := content.Get("buttonsResponseMessage.selectedButtonId").String()
	buttonText := content.Get("buttonsResponseMessage.selectedDisplayText").String()
	if buttonID != "" || buttonText != "" {
		return &Response{Key: buttonID, Text: buttonText, ReplyToMessageID: replyTo}
	}

	rowID := content.Get("listResponseMessage.singleSelectReply.selectedRowId").String()
	rowTitle := content.Get("listResponseMessage.title").String()
	if rowID != "" || rowTitle != "" {
		return &Response{Key: rowID, Text: rowTitle, ReplyToMessageID: replyTo}
	}

	templateID := content.Get("templateButtonReplyMessage.selectedId").String()
	templateText := content.Get("templateButtonReplyMessage.selectedDisplayText").String()
	if templateID != "" || templateText != "" {
		return &Response{Key: templateID, Text: templateText, ReplyToMessageID: replyTo}
	}

	if params := content.Get("interactiveResponseMessage.nativeFlowResponseMessage.paramsJson").String(); params != "" {
		parsed := gjson.Parse(params)
		if parsed.IsObject() {
			key := parsed.Get("id").String()
			if key == "" {
				key = parsed.Get("selection_id").String()
			}
			text := parsed.Get("title").String()
			if text == "" {
				text = parsed.Get("text").String()
			}
			return &Response{Key: key, Text: text, ReplyToMessageID: replyTo}
		}
	}

	text := content.Get("conversation").String()
	if text == "" {
		text = content.Get("extendedTextMessage.text").String()
	}
	if text != "" {
		return &Response{Text: text, ReplyToMessageID: replyTo}
	}
	return nil
}

func firstContextStanza(content gjson.Result) string {
	for _, path := range []string{
		"buttonsResponseMessage.contextInfo.stanzaId",
		"listResponseMessage.contextInfo.stanzaId",
		"templateButtonReplyMessage.contextInfo.stanzaId",
		"interactiveResponseMessage.contextInfo.stanzaId",
		"extendedTextMessage.contextInfo.stanzaId",
	} {
		if v := content.Get(path).String(); v != "" {
			return v
		}
	}
	return ""
}

// InferExpectedFromContent derives expected entries from an interactive
// outbound payload: quick-reply buttons, list section rows and native-flow
// interactive buttons.
func InferExpectedFromContent(content map[string]any) []ExpectedEntry {
	if content == nil {
		return nil
	}
	doc := gjson.Parse(string(mustJSON(content)))

	var expected []ExpectedEntry
	appendEntry := func(key, text string) {
		key = strings.TrimSpace(key)
		text = strings.TrimSpace(text)
		if key == "" && text == "" {
			return
		}
		entry := ExpectedEntry{Key: key}
		if text != "" {
			entry.Aliases = []string{text}
		}
		expected = append(expected, entry)
	}

	for _, b := range doc.Get("buttons").Array() {
		appendEntry(b.Get("buttonId").String(), b.Get("buttonText.displayText").String())
	}
	for _, section := range doc.Get("sections").Array() {
		for _, row := range section.Get("rows").Array() {
			appendEntry(row.Get("rowId").String(), row.Get("title").String())
		}
	}
	for _, item := range doc.Get("interactiveButtons").Array() {
		params := item.Get("buttonParamsJson").String()
		if params == "" {
			continue
		}
		parsed := gjson.Parse(params)
		if !parsed.IsObject() {
			continue
		}
		key := parsed.Get("id").String()
		if key == "" {
			key = parsed.Get("selection_id").String()
		}
		appendEntry(key, parsed.Get("display_text").String())
	}
	return expected
}
