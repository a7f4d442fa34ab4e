package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// sentenceBoundary is the set of CJK and Latin sentence terminators that
// mark a natural place to start synthesis before the full reply is known.
const sentenceBoundary = "。！？.!?"

// sentenceBuffer holds assistant text that has not yet been cut into
// complete sentences.
type sentenceBuffer struct {
	sb strings.Builder
}

func (b *sentenceBuffer) Append(delta string) {
	b.sb.WriteString(delta)
}

func (b *sentenceBuffer) Len() int { return b.sb.Len() }

func (b *sentenceBuffer) Reset() { b.sb.Reset() }

// DrainSentences extracts every complete sentence from the buffer in
// discovery order, leaving any remainder buffered. Each extracted slice
// includes its boundary character and is trimmed; empty slices are
// dropped.
func (b *sentenceBuffer) DrainSentences() []string {
	var out []string
	text := b.sb.String()
	for {
		idx := strings.IndexAny(text, sentenceBoundary)
		if idx < 0 {
			break
		}
		// IndexAny reports the byte offset of a possibly multi-byte
		// boundary rune; include the whole rune in the cut.
		_, width := utf8.DecodeRuneInString(text[idx:])
		sentence := strings.TrimSpace(text[:idx+width])
		text = text[idx+width:]
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	b.sb.Reset()
	b.sb.WriteString(text)
	return out
}

// Flush returns the trimmed leftover text and empties the buffer.
func (b *sentenceBuffer) Flush() string {
	out := strings.TrimSpace(b.sb.String())
	b.sb.Reset()
	return out
}
