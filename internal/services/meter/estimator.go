package meter

import (
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"
)

// Admission-time estimate modes.
const (
	EstimateNone      = "none"
	EstimateHeuristic = "heuristic"
	EstimateTokenizer = "tokenizer"
)

// Per-message overhead mirrors the chat wire format: role and framing
// cost a few tokens beyond the content itself.
const (
	messageOverheadTokens = 4
	requestOverheadTokens = 3
)

// Estimator produces the admission-time cost estimate handed to the
// ledger. "none" keeps admission fully optimistic (estimate 0); the other
// modes derive a conservative floor from the prompt, which still ignores
// the unknowable completion length.
type Estimator struct {
	mode   string
	codec  tokenizer.Codec
	logger *zap.Logger
}

func NewEstimator(mode string, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Estimator{mode: mode, logger: logger}

	switch mode {
	case EstimateTokenizer:
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			logger.Warn("tokenizer unavailable, falling back to heuristic estimates",
				zap.Error(err))
			e.mode = EstimateHeuristic
		} else {
			e.codec = codec
		}
	case EstimateHeuristic:
	default:
		e.mode = EstimateNone
	}

	return e
}

func (e *Estimator) Mode() string {
	return e.mode
}

// EstimateRequest estimates the prompt-side token cost of a raw chat
// completion request body.
func (e *Estimator) EstimateRequest(body []byte) int64 {
	if e.mode == EstimateNone {
		return 0
	}

	var total int64
	messages := gjson.GetBytes(body, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if content.Type != gjson.String {
			return true
		}
		total += e.countText(content.String())
		total += messageOverheadTokens
		return true
	})

	if total > 0 {
		total += requestOverheadTokens
	}
	return total
}

func (e *Estimator) countText(text string) int64 {
	if text == "" {
		return 0
	}
	if e.mode == EstimateTokenizer && e.codec != nil {
		ids, _, err := e.codec.Encode(text)
		if err == nil {
			return int64(len(ids))
		}
		e.logger.Debug("tokenizer encode failed, using heuristic", zap.Error(err))
	}
	return EstimateText(int64(len(text)))
}
