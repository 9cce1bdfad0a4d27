package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var encodings sync.Map // model -> *tiktoken.Tiktoken

// CountTokens estimates the token count of text for model. Unknown models use
// cl100k_base; when no encoding can be loaded it falls back to a
// characters/4 approximation.
func CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := encodingFor(model)
	if err != nil {
		return ApproxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// ApproxTokens is the offline characters/4 estimate.
func ApproxTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if v, ok := encodings.Load(model); ok {
		return v.(*tiktoken.Tiktoken), nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	encodings.Store(model, enc)
	return enc, nil
}
