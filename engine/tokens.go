package engine

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens reports the approximate token size of a handoff payload.
// It uses the cl100k_base encoding when available and falls back to a
// bytes/4 heuristic when the encoding cannot be loaded (offline test runs).
func estimateTokens(payload map[string]any) int {
	if len(payload) == 0 {
		return 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0
	}

	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	})
	if encoding == nil {
		return len(raw) / 4
	}
	return len(encoding.Encode(string(raw), nil, nil))
}
