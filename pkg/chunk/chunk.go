// Package chunk splits documents into token-bounded chunks. Sections are
// never merged; within a section text is packed greedily by sentence.
// Output depends only on the document content and the token counter, so
// re-chunking unchanged text yields the same chunk sequence.
package chunk

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
)

const (
	DefaultMaxTokens = 1500
	DefaultMinTokens = 50
	DefaultEncoding  = "cl100k_base"
)

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: token encoding %q: %v", common.ErrConfig, encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Chunker splits documents into chunks of MinTokens..MaxTokens tokens.
type Chunker struct {
	maxTokens int
	minTokens int
	counter   TokenCounter
}

// NewChunkerParams configures a Chunker. Zero token budgets take the
// defaults; a negative MinTokens disables the minimum.
type NewChunkerParams struct {
	MaxTokens int
	MinTokens int
	Counter   TokenCounter
}

func NewChunker(params NewChunkerParams) (*Chunker, error) {
	if params.Counter == nil {
		return nil, fmt.Errorf("%w: chunker needs a token counter", common.ErrConfig)
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = DefaultMaxTokens
	}
	switch {
	case params.MinTokens < 0:
		params.MinTokens = 0
	case params.MinTokens == 0:
		params.MinTokens = DefaultMinTokens
	}
	if params.MinTokens > params.MaxTokens {
		return nil, fmt.Errorf("%w: min tokens %d exceeds max tokens %d", common.ErrConfig, params.MinTokens, params.MaxTokens)
	}
	return &Chunker{
		maxTokens: params.MaxTokens,
		minTokens: params.MinTokens,
		counter:   params.Counter,
	}, nil
}

// Dropped describes a piece of text discarded for being under the minimum.
type Dropped struct {
	SectionPath string
	Tokens      int
}

// Result is the outcome of splitting one document.
type Result struct {
	Chunks  []common.Chunk
	Dropped []Dropped
}

// Chunk returns the ordered chunks of doc.
func (c *Chunker) Chunk(doc common.Document) ([]common.Chunk, error) {
	res, err := c.Split(doc)
	if err != nil {
		return nil, err
	}
	return res.Chunks, nil
}

// Split chunks doc and reports what was dropped.
func (c *Chunker) Split(doc common.Document) (Result, error) {
	var res Result
	if doc.ID == "" {
		return res, fmt.Errorf("%w: document without id", common.ErrMalformed)
	}

	for _, section := range doc.Sections {
		pieces := c.pack(c.pieces(section.Text))
		kept, dropped := c.enforceMinimum(pieces)
		for _, d := range dropped {
			res.Dropped = append(res.Dropped, Dropped{SectionPath: section.Path, Tokens: d})
			logger.Debug("[Chunk] Dropped short piece", "doc_id", doc.ID, "section", section.Path, "tokens", d)
		}
		for _, p := range kept {
			index := len(res.Chunks)
			res.Chunks = append(res.Chunks, common.Chunk{
				ID:           common.ChunkID(doc.ID, index),
				DocID:        doc.ID,
				SectionPath:  section.Path,
				SectionLabel: section.Label,
				Index:        index,
				Text:         p.text,
				Tokens:       p.tokens,
			})
		}
	}
	return res, nil
}

type piece struct {
	text   string
	tokens int
}

// pieces splits section text into sentences, cutting any sentence over the
// budget at word boundaries.
func (c *Chunker) pieces(text string) []string {
	var out []string
	for _, sentence := range splitIntoSentences(text) {
		if c.counter.Count(sentence) <= c.maxTokens {
			out = append(out, sentence)
			continue
		}
		out = append(out, splitWords(sentence, c.maxTokens, c.counter.Count)...)
	}
	return out
}

func (c *Chunker) pack(sentences []string) []piece {
	var packed []piece
	var current []string
	currentTokens := 0

	for _, sentence := range sentences {
		if len(current) == 0 {
			current = append(current, sentence)
			currentTokens = c.counter.Count(sentence)
			continue
		}
		candidate := strings.Join(append(append([]string(nil), current...), sentence), " ")
		if tokens := c.counter.Count(candidate); tokens <= c.maxTokens {
			current = append(current, sentence)
			currentTokens = tokens
			continue
		}
		packed = append(packed, piece{text: strings.Join(current, " "), tokens: currentTokens})
		current = []string{sentence}
		currentTokens = c.counter.Count(sentence)
	}
	if len(current) > 0 {
		packed = append(packed, piece{text: strings.Join(current, " "), tokens: currentTokens})
	}
	return packed
}

// enforceMinimum folds each under-minimum piece into its predecessor, or
// failing that its successor, when the merge stays within budget. Pieces
// that fit nowhere are dropped.
func (c *Chunker) enforceMinimum(pieces []piece) ([]piece, []int) {
	var kept []piece
	var dropped []int

	for i := 0; i < len(pieces); i++ {
		p := pieces[i]
		if p.tokens >= c.minTokens {
			kept = append(kept, p)
			continue
		}
		if n := len(kept); n > 0 {
			merged := kept[n-1].text + " " + p.text
			if tokens := c.counter.Count(merged); tokens <= c.maxTokens {
				kept[n-1] = piece{text: merged, tokens: tokens}
				continue
			}
		}
		if i+1 < len(pieces) {
			merged := p.text + " " + pieces[i+1].text
			if tokens := c.counter.Count(merged); tokens <= c.maxTokens {
				pieces[i+1] = piece{text: merged, tokens: tokens}
				continue
			}
		}
		dropped = append(dropped, p.tokens)
	}
	return kept, dropped
}
