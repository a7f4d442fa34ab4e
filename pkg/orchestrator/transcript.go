package orchestrator

import "strings"

// transcript accumulates recognition results for the current utterance.
// Interim and final results both replace the buffer: the recognizer
// always reports the full utterance so far, never an increment.
type transcript struct {
	text  string
	final bool
}

func (t *transcript) Update(text string, isFinal bool) {
	t.text = text
	if isFinal {
		t.final = true
	}
}

// Consume returns the trimmed utterance and resets the buffer.
func (t *transcript) Consume() string {
	out := strings.TrimSpace(t.text)
	t.text = ""
	t.final = false
	return out
}

func (t *transcript) Reset() {
	t.text = ""
	t.final = false
}
