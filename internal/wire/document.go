package wire

import (
	"fmt"
)

// BuildDocument renders the accumulated stream state as one complete
// non-streaming response in the client's format. Used when the client asked
// for a blocking response but the translation ran through the stream path.
func BuildDocument(f Format, st *StreamState) ([]byte, error) {
	build, ok := documentBuilders[f]
	if !ok {
		return nil, fmt.Errorf("wire: no document builder for %s", f)
	}
	return build(st)
}

// PromptChars approximates the prompt text volume of a request body, the
// input half of char-based token estimation. Unknown formats count zero;
// the estimator's fixed pad covers them.
func PromptChars(f Format, body []byte) int {
	if count, ok := promptCharCounters[f]; ok {
		return count(body)
	}
	return 0
}
