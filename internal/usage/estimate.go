package usage

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and separator tokens of each chat message.
const perMessageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func cl100k() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimatePromptTokens counts the text content of messages[] with cl100k.
// It returns 0 when the payload has no messages or the codec is unavailable.
func EstimatePromptTokens(payload []byte) int64 {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.IsArray() {
		return 0
	}
	enc, err := cl100k()
	if err != nil {
		log.Debugf("usage: tokenizer unavailable: %v", err)
		return 0
	}
	var total int64
	messages.ForEach(func(_, msg gjson.Result) bool {
		total += perMessageOverhead
		total += countText(enc, msg.Get("role").String())
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			total += countText(enc, content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text"); text.Exists() {
					total += countText(enc, text.String())
				}
				return true
			})
		}
		return true
	})
	return total
}

func countText(enc tokenizer.Codec, text string) int64 {
	if text == "" {
		return 0
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return 0
	}
	return int64(len(ids))
}
