package chunk

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitIntoSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty input",
			text: "",
			want: []string(nil),
		},
		{
			name: "single sentence",
			text: "Hello world.",
			want: []string{"Hello world."},
		},
		{
			name: "multiple sentences",
			text: "Revenue beat. Guidance was raised! Will margins hold?",
			want: []string{
				"Revenue beat.",
				"Guidance was raised!",
				"Will margins hold?",
			},
		},
		{
			name: "sentences with empty lines",
			text: "First sentence.\n\nSecond sentence.\n\nThird sentence.",
			want: []string{
				"First sentence.",
				"Second sentence.",
				"Third sentence.",
			},
		},
		{
			name: "multi-line sentence",
			text: "This is a long\nsentence that spans\nmultiple lines.",
			want: []string{"This is a long sentence that spans multiple lines."},
		},
		{
			name: "markdown table as single sentence",
			text: "Metric | Q2\n------- | -------\nRevenue  | 30.0B\nEPS  | 0.68",
			want: []string{
				"Metric | Q2\n------- | -------\nRevenue  | 30.0B\nEPS  | 0.68",
			},
		},
		{
			name: "text with table",
			text: "Introduction text.\nHeader1 | Header2\n------- | -------\nValue1  | Value2\nConclusion text.",
			want: []string{
				"Introduction text.",
				"Header1 | Header2\n------- | -------\nValue1  | Value2",
				"Conclusion text.",
			},
		},
		{
			name: "table without delimiter",
			text: "Header1 | Header2\nValue1  | Value2",
			want: []string{
				"Header1 | Header2",
				"Value1  | Value2",
			},
		},
		{
			name: "text with no punctuation",
			text: "Just some text without punctuation\nMore text here",
			want: []string{"Just some text without punctuation More text here"},
		},
		{
			name: "numeric listing should stay in same sentence",
			text: "Today we discuss three points. 1. First item 2. Second item 3. Third item. Done!",
			want: []string{
				"Today we discuss three points.",
				"1. First item 2. Second item 3. Third item.",
				"Done!",
			},
		},
		{
			name: "decimals and class shares stay whole",
			text: "BRK.B trades at 1.5x book. Fine.",
			want: []string{"BRK.B trades at 1.5x book.", "Fine."},
		},
		{
			name: "bullet lines are separate sentences",
			text: "- China export limits\n- Customer concentration",
			want: []string{"- China export limits", "- Customer concentration"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitIntoSentences(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitIntoSentences() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestSplitWords(t *testing.T) {
	count := func(s string) int { return len(strings.Fields(s)) }
	got := splitWords("one two three four five six seven", 3, count)
	want := []string{"one two three", "four five six", "seven"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitWords() = %#v, want %#v", got, want)
	}
}

func TestSplitRunes(t *testing.T) {
	count := func(s string) int { return len([]rune(s)) }
	got := splitWords("abcdefg hi", 3, count)
	want := []string{"abc", "def", "g", "hi"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitWords() = %#v, want %#v", got, want)
	}
}
