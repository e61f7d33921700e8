package meter

import (
	"bytes"

	"github.com/tidwall/gjson"
)

var dataPrefix = []byte("data:")

// StreamAccumulator measures a streamed response as its chunks pass
// through the proxy. It is the side channel of the stream tee: the
// forwarder relays each chunk to the client and feeds the same bytes
// here. When the provider emits a trailing usage chunk that count wins;
// otherwise the accumulated content length backs the chars/4 estimate.
//
// Not safe for concurrent use; one accumulator belongs to one stream.
type StreamAccumulator struct {
	chunks       int
	contentChars int64
	usageTotal   int64
	usageSeen    bool
}

func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Observe consumes one SSE event payload. A leading "data:" marker is
// tolerated, so callers may pass either the raw line or the bare JSON.
// Non-JSON payloads such as the [DONE] sentinel are ignored.
func (a *StreamAccumulator) Observe(payload []byte) {
	trimmed := bytes.TrimSpace(payload)
	if bytes.HasPrefix(trimmed, dataPrefix) {
		trimmed = bytes.TrimSpace(trimmed[len(dataPrefix):])
	}
	if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
		return
	}

	a.chunks++

	choices := gjson.GetBytes(trimmed, "choices")
	choices.ForEach(func(_, choice gjson.Result) bool {
		if content := choice.Get("delta.content"); content.Type == gjson.String {
			a.contentChars += int64(len(content.String()))
		}
		return true
	})

	if u := gjson.GetBytes(trimmed, "usage"); u.Exists() && u.IsObject() {
		total := u.Get("total_tokens").Int()
		if total == 0 {
			total = u.Get("prompt_tokens").Int() + u.Get("completion_tokens").Int()
		}
		if total > 0 {
			a.usageTotal = total
			a.usageSeen = true
		}
	}
}

// FinalCost reports the stream's token cost: the trailing usage total when
// the provider sent one, else the chars/4 estimate over everything
// observed so far. Called at clean stream end and equally after a
// mid-stream failure, where it prices exactly the partial output the
// client already received.
func (a *StreamAccumulator) FinalCost() int64 {
	if a.usageSeen {
		return a.usageTotal
	}
	return EstimateText(a.contentChars)
}

// Chunks reports how many JSON chunks were observed.
func (a *StreamAccumulator) Chunks() int {
	return a.chunks
}

// ContentChars reports the accumulated generated-content length.
func (a *StreamAccumulator) ContentChars() int64 {
	return a.contentChars
}
