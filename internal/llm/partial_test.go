package llm

import (
	"fmt"
	"strings"
	"testing"
)

func TestExtractorCharByChar(t *testing.T) {
	const doc = `{"suggested_keywords":["a","b"],"suggested_answers":["x"]}`

	var e Extractor
	var got []Suggestion
	for _, r := range doc {
		got = append(got, e.Feed(string(r))...)
	}

	want := []Suggestion{
		{Kind: KindKeyword, Index: 0, Content: "a"},
		{Kind: KindKeyword, Index: 1, Content: "b"},
		{Kind: KindAnswer, Index: 0, Content: "x"},
	}
	if len(got) != len(want) {
		t.Fatalf("suggestions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("suggestion %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestExtractorNeverReEmits(t *testing.T) {
	const doc = `{"suggested_keywords":["a","b","c"],"suggested_answers":["x","y"]}`

	var e Extractor
	seen := map[string]int{}
	// Feed in clumps so completed elements are revisited by later parses.
	for _, chunk := range []string{doc[:20], doc[20:25], doc[25:40], doc[40:]} {
		for _, s := range e.Feed(chunk) {
			seen[fmt.Sprintf("%s/%d", s.Kind, s.Index)]++
		}
	}

	if len(seen) != 5 {
		t.Errorf("distinct emissions = %d, want 5 (%v)", len(seen), seen)
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("%s emitted %d times", k, n)
		}
	}
}

func TestExtractorCapsPerArray(t *testing.T) {
	var keywords, answers []string
	for i := range 12 {
		keywords = append(keywords, fmt.Sprintf("%q", fmt.Sprintf("k%d", i)))
		answers = append(answers, fmt.Sprintf("%q", fmt.Sprintf("a%d", i)))
	}
	doc := fmt.Sprintf(`{"suggested_keywords":[%s],"suggested_answers":[%s]}`,
		strings.Join(keywords, ","), strings.Join(answers, ","))

	var e Extractor
	var nKeywords, nAnswers int
	for _, s := range e.Feed(doc) {
		switch s.Kind {
		case KindKeyword:
			nKeywords++
		case KindAnswer:
			nAnswers++
		}
	}

	if nKeywords != MaxKeywords {
		t.Errorf("keywords emitted = %d, want %d", nKeywords, MaxKeywords)
	}
	if nAnswers != MaxAnswers {
		t.Errorf("answers emitted = %d, want %d", nAnswers, MaxAnswers)
	}
}

func TestExtractorHandlesEscapesAndWhitespace(t *testing.T) {
	const doc = `{ "suggested_keywords" : [ " say \"hi\" " , "café" ] , "suggested_answers": [] }`

	var e Extractor
	got := e.Feed(doc)

	if len(got) != 2 {
		t.Fatalf("suggestions = %v, want 2", got)
	}
	if got[0].Content != `say "hi"` {
		t.Errorf("content = %q, want %q", got[0].Content, `say "hi"`)
	}
	if got[1].Content != "café" {
		t.Errorf("content = %q, want %q", got[1].Content, "café")
	}
}

func TestExtractorIncompleteElementNotEmitted(t *testing.T) {
	var e Extractor

	if got := e.Feed(`{"suggested_keywords":["unfinis`); len(got) != 0 {
		t.Errorf("incomplete element emitted: %v", got)
	}
	got := e.Feed(`hed"`)
	if len(got) != 1 || got[0].Content != "unfinished" {
		t.Errorf("completed element = %v, want unfinished", got)
	}
}
