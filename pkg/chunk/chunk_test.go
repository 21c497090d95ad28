package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vladm3105/tradegent/pkg/common"
)

// wordCounter counts whitespace-separated words, which keeps budgets exact
// in tests.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func sentences(n, words int, seed string) string {
	var b strings.Builder
	for i := range n {
		for w := range words {
			if w > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s%d_%dz", seed, i, w)
		}
		b.WriteString(". ")
	}
	return strings.TrimSpace(b.String())
}

func newTestChunker(t *testing.T, maxTokens, minTokens int) *Chunker {
	t.Helper()
	c, err := NewChunker(NewChunkerParams{MaxTokens: maxTokens, MinTokens: minTokens, Counter: wordCounter{}})
	require.NoError(t, err)
	return c
}

func TestChunkThreeSectionDocument(t *testing.T) {
	doc := common.Document{
		ID: "nvda-q3",
		Sections: []common.Section{
			{Path: "thesis", Label: "Thesis", Text: sentences(180, 10, "t")},
			{Path: "risks", Label: "Risks", Text: sentences(140, 10, "r")},
			{Path: "scenarios", Label: "Scenarios", Text: sentences(80, 10, "s")},
		},
	}
	c := newTestChunker(t, 1500, 50)

	chunks, err := c.Chunk(doc)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	total := 0
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, common.ChunkID("nvda-q3", i), ch.ID)
		assert.LessOrEqual(t, ch.Tokens, 1500)
		assert.GreaterOrEqual(t, ch.Tokens, 50)
		total += ch.Tokens
	}
	assert.Equal(t, 4000, total)
	assert.Equal(t, "thesis", chunks[0].SectionPath)
	assert.Equal(t, "thesis", chunks[1].SectionPath)
	assert.Equal(t, "Scenarios", chunks[len(chunks)-1].SectionLabel)
}

func TestShortTailDroppedWhenNoRoom(t *testing.T) {
	// two five-word sentences fill the budget, the three-word tail cannot
	// merge in either direction
	c := newTestChunker(t, 12, 5)
	res, err := c.Split(common.Document{ID: "d", Sections: []common.Section{
		{Path: "a", Text: "one two three four five. six seven eight nine ten. tail end now."},
	}})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 10, res.Chunks[0].Tokens)
	assert.Equal(t, []Dropped{{SectionPath: "a", Tokens: 3}}, res.Dropped)
}

func TestShortSectionDropped(t *testing.T) {
	c := newTestChunker(t, 100, 5)
	res, err := c.Split(common.Document{ID: "d", Sections: []common.Section{
		{Path: "summary", Text: "Too short."},
		{Path: "body", Text: "This body section has enough words to be kept around."},
	}})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "body", res.Chunks[0].SectionPath)
	assert.Equal(t, 0, res.Chunks[0].Index)
	assert.Equal(t, []Dropped{{SectionPath: "summary", Tokens: 2}}, res.Dropped)
}

func TestOversizeSentenceSplitAtWords(t *testing.T) {
	c := newTestChunker(t, 10, -1)
	chunks, err := c.Chunk(common.Document{ID: "d", Sections: []common.Section{
		{Path: "a", Text: sentences(1, 25, "w")},
	}})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.Tokens, 10)
	}
}

func TestNewChunkerRejectsBadBudgets(t *testing.T) {
	_, err := NewChunker(NewChunkerParams{MaxTokens: 10, MinTokens: 20, Counter: wordCounter{}})
	assert.ErrorIs(t, err, common.ErrConfig)

	_, err = NewChunker(NewChunkerParams{MaxTokens: 10})
	assert.ErrorIs(t, err, common.ErrConfig)
}

func genDocument(t *rapid.T) common.Document {
	words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 40)
	sectionCount := rapid.IntRange(1, 4).Draw(t, "sections")
	doc := common.Document{ID: "doc"}
	for i := range sectionCount {
		var b strings.Builder
		for s := range rapid.IntRange(0, 12).Draw(t, fmt.Sprintf("sentences%d", i)) {
			if s > 0 {
				b.WriteString(rapid.SampledFrom([]string{" ", "\n", "\n\n"}).Draw(t, "sep"))
			}
			b.WriteString(strings.Join(words.Draw(t, "words"), " "))
			b.WriteString(".")
		}
		doc.Sections = append(doc.Sections, common.Section{Path: fmt.Sprintf("s%d", i), Text: b.String()})
	}
	return doc
}

func TestChunkProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxTokens := rapid.IntRange(5, 60).Draw(t, "max")
		minTokens := rapid.IntRange(1, maxTokens).Draw(t, "min")
		c, err := NewChunker(NewChunkerParams{MaxTokens: maxTokens, MinTokens: minTokens, Counter: wordCounter{}})
		if err != nil {
			t.Fatalf("NewChunker: %v", err)
		}
		doc := genDocument(t)

		first, err := c.Chunk(doc)
		if err != nil {
			t.Fatalf("Chunk: %v", err)
		}
		second, _ := c.Chunk(doc)
		if len(first) != len(second) {
			t.Fatalf("non-deterministic chunk count %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].Text != second[i].Text || first[i].Index != second[i].Index {
				t.Fatalf("chunk %d differs between runs", i)
			}
			if first[i].Index != i {
				t.Fatalf("chunk %d has index %d", i, first[i].Index)
			}
			if first[i].Tokens < minTokens || first[i].Tokens > maxTokens {
				t.Fatalf("chunk %d has %d tokens outside [%d, %d]", i, first[i].Tokens, minTokens, maxTokens)
			}
			if first[i].Tokens != (wordCounter{}).Count(first[i].Text) {
				t.Fatalf("chunk %d token count is stale", i)
			}
		}
	})
}

func TestTiktokenCounter(t *testing.T) {
	counter, err := NewTiktokenCounter(DefaultEncoding)
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	if n := counter.Count("Hello world."); n != 3 {
		t.Fatalf("expected 3 tokens, got %d", n)
	}
}
