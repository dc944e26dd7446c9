package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Caps on what a single generation may surface to the client.
const (
	MaxKeywords = 10
	MaxAnswers  = 4
)

// SuggestionKind says which array of the structured response an element
// belongs to.
type SuggestionKind string

const (
	KindKeyword SuggestionKind = "keyword"
	KindAnswer  SuggestionKind = "answer"
)

// Suggestion is one completed array element of the streamed response.
type Suggestion struct {
	Kind    SuggestionKind
	Index   int
	Content string
}

// Extractor incrementally parses the JSON the model streams. Feed it raw
// text deltas; it returns each array element of suggested_keywords and
// suggested_answers exactly once, as soon as the element is fully present,
// without waiting for the document to close.
type Extractor struct {
	buf          []byte
	keywordsSent int
	answersSent  int
}

// Feed appends delta to the accumulated text and returns the suggestions
// completed by it, in document order per array, trimmed. Elements beyond the
// per-array caps are dropped.
func (e *Extractor) Feed(delta string) []Suggestion {
	e.buf = append(e.buf, delta...)

	var out []Suggestion
	for i, kw := range completedStrings(e.buf, "suggested_keywords") {
		if i < e.keywordsSent || i >= MaxKeywords {
			continue
		}
		out = append(out, Suggestion{Kind: KindKeyword, Index: i, Content: strings.TrimSpace(kw)})
		e.keywordsSent++
	}
	for i, ans := range completedStrings(e.buf, "suggested_answers") {
		if i < e.answersSent || i >= MaxAnswers {
			continue
		}
		out = append(out, Suggestion{Kind: KindAnswer, Index: i, Content: strings.TrimSpace(ans)})
		e.answersSent++
	}
	return out
}

// completedStrings returns the fully terminated string elements of the array
// under key. The response schema is strict, so the array holds only strings
// and the key cannot collide with user content at the top level.
func completedStrings(buf []byte, key string) []string {
	i := bytes.Index(buf, []byte(`"`+key+`"`))
	if i < 0 {
		return nil
	}
	i += len(key) + 2

	i = skipSpace(buf, i)
	if i >= len(buf) || buf[i] != ':' {
		return nil
	}
	i = skipSpace(buf, i+1)
	if i >= len(buf) || buf[i] != '[' {
		return nil
	}
	i++

	var out []string
	for {
		i = skipSpace(buf, i)
		if i >= len(buf) || buf[i] == ']' {
			return out
		}
		if buf[i] == ',' {
			i++
			continue
		}
		if buf[i] != '"' {
			return out
		}

		end, ok := stringEnd(buf, i)
		if !ok {
			return out // element still streaming
		}
		var s string
		if err := json.Unmarshal(buf[i:end+1], &s); err != nil {
			return out
		}
		out = append(out, s)
		i = end + 1
	}
}

// stringEnd returns the index of the closing quote of the JSON string
// starting at the opening quote buf[start].
func stringEnd(buf []byte, start int) (int, bool) {
	for i := start + 1; i < len(buf); i++ {
		switch buf[i] {
		case '\\':
			i++
		case '"':
			return i, true
		}
	}
	return 0, false
}

func skipSpace(buf []byte, i int) int {
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}
