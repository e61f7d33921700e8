// Package meter determines the true token cost of proxied requests. The
// provider's own usage accounting is authoritative whenever it appears;
// everything else falls back to the documented heuristic of one token per
// four characters of content.
package meter

import (
	"github.com/tidwall/gjson"
)

// charsPerToken is the fixed estimation heuristic: ~4 characters of text
// per billed token. Integer division, floored.
const charsPerToken = 4

// EstimateText converts a character count into an estimated token count
// using the chars/4 heuristic.
func EstimateText(chars int64) int64 {
	if chars <= 0 {
		return 0
	}
	return chars / charsPerToken
}

// UsageFromResponse extracts the provider-reported total token count from
// a non-streamed response body. The second return reports whether a usage
// object was present at all.
func UsageFromResponse(body []byte) (int64, bool) {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() || !u.IsObject() {
		return 0, false
	}
	total := u.Get("total_tokens").Int()
	if total == 0 {
		total = u.Get("prompt_tokens").Int() + u.Get("completion_tokens").Int()
	}
	return total, true
}

// responseContentChars counts the characters of generated content in a
// non-streamed response.
func responseContentChars(body []byte) int64 {
	var chars int64
	choices := gjson.GetBytes(body, "choices")
	choices.ForEach(func(_, choice gjson.Result) bool {
		if content := choice.Get("message.content"); content.Type == gjson.String {
			chars += int64(len(content.String()))
		}
		return true
	})
	return chars
}

// CostFromResponse reports the token cost of a completed non-streamed
// response: the provider's usage field when present, otherwise the chars/4
// estimate over the generated content.
func CostFromResponse(body []byte) int64 {
	if total, ok := UsageFromResponse(body); ok && total > 0 {
		return total
	}
	return EstimateText(responseContentChars(body))
}
