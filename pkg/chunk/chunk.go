package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/paperchat/pkg/model"
)

const (
	DefaultSize    = 800
	DefaultOverlap = 200
)

// defaultSeparators are tried in order; the empty separator splits into characters
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts page text into overlapping chunks of at most size characters. Splitting
// prefers paragraph, then line, then word boundaries.
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

type Option func(*Splitter)

// WithSeparators replaces the boundary preference list. The empty separator is always
// appended so any text can be split.
func WithSeparators(separators ...string) Option {
	return func(s *Splitter) {
		s.separators = separators
	}
}

// New validates the configuration. A bad configuration fails here, before any document is
// processed.
func New(size, overlap int, opts ...Option) (*Splitter, error) {
	if size <= 0 {
		return nil, goerr.Wrap(model.ErrChunkingConfig, "chunk size must be positive", goerr.V("size", size))
	}
	if overlap < 0 {
		return nil, goerr.Wrap(model.ErrChunkingConfig, "chunk overlap must not be negative", goerr.V("overlap", overlap))
	}
	if overlap >= size {
		return nil, goerr.Wrap(model.ErrChunkingConfig, "chunk overlap must be smaller than chunk size",
			goerr.V("size", size), goerr.V("overlap", overlap))
	}

	s := &Splitter{
		size:       size,
		overlap:    overlap,
		separators: defaultSeparators,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.separators) == 0 || s.separators[len(s.separators)-1] != "" {
		s.separators = append(append([]string{}, s.separators...), "")
	}
	return s, nil
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

// Chunk splits every page on its own, so a chunk never spans two pages. Blank pages are
// skipped and the remaining pages keep their page numbers. ChunkIndex restarts at 0 on
// each page.
func (s *Splitter) Chunk(pages []*model.Page, userID model.UserID) []*model.Chunk {
	var chunks []*model.Chunk
	for _, page := range pages {
		if page == nil {
			continue
		}
		content := strings.TrimSpace(page.Content)
		if content == "" {
			continue
		}

		for i, text := range s.SplitText(content) {
			chunks = append(chunks, &model.Chunk{
				Content:    text,
				UserID:     userID,
				Source:     page.Source,
				PageNumber: page.PageNumber,
				ChunkIndex: i,
			})
		}
	}
	return chunks
}

// SplitText returns the trimmed, non-empty chunks of text in reading order
func (s *Splitter) SplitText(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var (
		result []string
		small  []string
	)
	for _, piece := range splitKeepingSeparator(text, separator) {
		if length(piece) < s.size {
			small = append(small, piece)
			continue
		}

		if len(small) > 0 {
			result = append(result, s.merge(small)...)
			small = nil
		}
		if len(rest) == 0 {
			if text := strings.TrimSpace(piece); text != "" {
				result = append(result, text)
			}
		} else {
			result = append(result, s.split(piece, rest)...)
		}
	}
	if len(small) > 0 {
		result = append(result, s.merge(small)...)
	}
	return result
}

// merge joins adjacent pieces into chunks up to size, carrying up to overlap characters
// of the previous chunk into the next one
func (s *Splitter) merge(pieces []string) []string {
	var (
		chunks  []string
		current []string
		total   int
	)

	flush := func() {
		if text := strings.TrimSpace(strings.Join(current, "")); text != "" {
			chunks = append(chunks, text)
		}
	}

	for _, piece := range pieces {
		n := length(piece)
		if total+n > s.size && len(current) > 0 {
			flush()
			for len(current) > 0 && (total > s.overlap || total+n > s.size) {
				total -= length(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}

// splitKeepingSeparator splits text on sep and keeps sep at the start of every piece but
// the first. Empty pieces are dropped.
func splitKeepingSeparator(text, sep string) []string {
	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}

	for i, part := range strings.Split(text, sep) {
		if i > 0 {
			part = sep + part
		}
		if part != "" {
			pieces = append(pieces, part)
		}
	}
	return pieces
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
