package pipeline

import "strings"

// sentenceBuffer accumulates streamed tokens and splits at sentence boundaries
// so TTS can start on the first sentence while the LLM keeps generating.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentences, or "" if no
// boundary has been seen yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	complete, remainder := splitAtSentence(s.buf.String())
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence ender (.!?) followed by whitespace.
// Returns (completeSentences, remainder); ("", text) when there is none.
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// codeFilter drops fenced code blocks from the token stream. Fences may be
// split across tokens, so backticks are held until their run ends.
type codeFilter struct {
	inFence   bool
	backticks int
}

// Filter returns the part of token that should be spoken.
func (f *codeFilter) Filter(token string) string {
	var out strings.Builder
	for i := 0; i < len(token); i++ {
		ch := token[i]
		if ch == '`' {
			f.backticks++
			continue
		}
		f.endRun()
		if !f.inFence {
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// endRun closes a run of backticks; three or more toggle a fence, fewer are
// inline code whose text is kept.
func (f *codeFilter) endRun() {
	if f.backticks >= 3 {
		f.inFence = !f.inFence
	}
	f.backticks = 0
}

var markdownReplacer = strings.NewReplacer("**", "", "__", "", "*", "", "#", "", "`", "", "> ", "")

// speakable strips markdown emphasis and headings that TTS would read aloud.
func speakable(text string) string {
	text = markdownReplacer.Replace(text)
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimPrefix(l, "- ")
		lines[i] = l
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}
