package llm

import (
	"context"
	"strings"
)

// SentenceBuffer accumulates streamed text and extracts complete sentences
// so synthesis can start before the reply is finished.
type SentenceBuffer struct {
	buffer strings.Builder
}

// Add appends text and returns any sentences it completed. A terminator only
// ends a sentence once the following character is known to be whitespace, so
// "3." followed by "14" stays one number.
func (b *SentenceBuffer) Add(text string) []string {
	b.buffer.WriteString(text)
	content := b.buffer.String()

	var sentences []string
	lastEnd := 0
	for i := 0; i+1 < len(content); i++ {
		if !isTerminator(content[i]) || !isSpace(content[i+1]) {
			continue
		}
		if content[i] == '.' && isAbbreviation(content, i) {
			continue
		}
		if s := strings.TrimSpace(content[lastEnd : i+1]); s != "" {
			sentences = append(sentences, s)
		}
		lastEnd = i + 1
	}

	if lastEnd > 0 {
		b.buffer.Reset()
		b.buffer.WriteString(content[lastEnd:])
	}
	return sentences
}

// Flush returns any remaining text and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	result := strings.TrimSpace(b.buffer.String())
	b.buffer.Reset()
	return result
}

func isTerminator(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

var abbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "prof.", "st.",
	"vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.", "approx.",
}

// isAbbreviation reports whether the period at i closes a known abbreviation
// or a single-letter initial.
func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && !isSpace(s[start-1]) {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	for _, abbr := range abbreviations {
		if word == abbr {
			return true
		}
	}
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}

// sentenceWriter turns provider text deltas into sentence chunks.
type sentenceWriter struct {
	ctx   context.Context
	out   chan<- Chunk
	buf   SentenceBuffer
	wrote bool
}

func newSentenceWriter(ctx context.Context, out chan<- Chunk) *sentenceWriter {
	return &sentenceWriter{ctx: ctx, out: out}
}

// write reports false once the consumer has gone away.
func (w *sentenceWriter) write(delta string) bool {
	for _, s := range w.buf.Add(delta) {
		if !w.send(Chunk{Sentence: s}) {
			return false
		}
	}
	return true
}

// finish flushes the tail and reports err, if any, as the last chunk.
func (w *sentenceWriter) finish(err error) {
	if rest := w.buf.Flush(); rest != "" {
		if !w.send(Chunk{Sentence: rest}) {
			return
		}
	}
	if err == nil && !w.wrote {
		err = ErrEmptyResponse
	}
	if err != nil {
		w.send(Chunk{Err: err})
	}
}

func (w *sentenceWriter) send(c Chunk) bool {
	select {
	case w.out <- c:
		if c.Err == nil {
			w.wrote = true
		}
		return true
	case <-w.ctx.Done():
		return false
	}
}
