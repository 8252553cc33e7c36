// Package chunk splits long documents into token-budgeted pieces along
// semantic boundaries: sections first, then paragraphs, then sentences. The
// indexing pipeline chunks oversized symbol summaries before embedding, and
// the selective LLM processor chunks inputs that exceed a model's context.
package chunk

import (
	"fmt"
	"strings"
)

// charsPerToken is the approximate average characters per token for GPT tokenizers.
const charsPerToken = 4

// Chunk is one token-budgeted piece of a parent document.
type Chunk struct {
	// ParentID identifies the document this chunk came from.
	ParentID string

	// Section is the heading of the section the chunk starts in.
	Section string

	// Index is the zero-based position within the parent.
	Index int

	// Content is the chunk text.
	Content string

	// TokenCount is the estimated token count of Content.
	TokenCount int
}

// ID returns a stable chunk identifier derived from the parent.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s#%d", c.ParentID, c.Index)
}

// Config holds chunking configuration.
type Config struct {
	// TargetTokens is the ideal chunk size in tokens.
	TargetTokens int

	// MaxTokens is the maximum chunk size.
	MaxTokens int

	// MinTokens is the minimum chunk size (smaller chunks are merged).
	MinTokens int
}

// DefaultConfig returns sensible chunking defaults.
func DefaultConfig() Config {
	return Config{
		TargetTokens: 1000,
		MaxTokens:    1500,
		MinTokens:    200,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.MinTokens <= 0 {
		return fmt.Errorf("MinTokens must be positive, got %d", c.MinTokens)
	}
	if c.TargetTokens <= 0 {
		return fmt.Errorf("TargetTokens must be positive, got %d", c.TargetTokens)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MaxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.MinTokens >= c.TargetTokens {
		return fmt.Errorf("MinTokens (%d) must be less than TargetTokens (%d)", c.MinTokens, c.TargetTokens)
	}
	if c.TargetTokens > c.MaxTokens {
		return fmt.Errorf("TargetTokens (%d) must not exceed MaxTokens (%d)", c.TargetTokens, c.MaxTokens)
	}
	return nil
}

// Chunker splits documents into chunks.
type Chunker struct {
	config Config
}

// New creates a new Chunker with the given configuration.
// Returns an error if the configuration is invalid.
func New(cfg Config) (*Chunker, error) {
	if cfg.TargetTokens == 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: cfg}, nil
}

// MustNew creates a new Chunker, panicking on invalid config.
// Use for known-good configurations.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// NewDefault creates a Chunker with default configuration.
func NewDefault() *Chunker {
	return MustNew(DefaultConfig())
}

// EstimateTokens estimates the token count of content using the chars/token
// heuristic.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + charsPerToken - 1) / charsPerToken
}

// Chunk splits a document body into chunks.
func (c *Chunker) Chunk(parentID string, content string) []Chunk {
	sections := c.parseSections(content)

	var chunks []Chunk
	var currentChunk Chunk
	currentChunk.ParentID = parentID

	for _, section := range sections {
		sectionTokens := EstimateTokens(section.Content)

		// If section alone exceeds max, split it
		if sectionTokens > c.config.MaxTokens {
			if EstimateTokens(currentChunk.Content) >= c.config.MinTokens {
				chunks = append(chunks, c.finalizeChunk(currentChunk, len(chunks)))
				currentChunk = Chunk{ParentID: parentID}
			}

			subChunks := c.splitLargeSection(parentID, section, len(chunks))
			chunks = append(chunks, subChunks...)
			continue
		}

		currentTokens := EstimateTokens(currentChunk.Content)

		// If adding this section would exceed target, finalize current chunk
		if currentTokens > 0 && currentTokens+sectionTokens > c.config.TargetTokens {
			chunks = append(chunks, c.finalizeChunk(currentChunk, len(chunks)))
			currentChunk = Chunk{ParentID: parentID}
		}

		if currentChunk.Section == "" {
			currentChunk.Section = section.Heading
		}
		if currentChunk.Content != "" {
			currentChunk.Content += "\n\n"
		}
		currentChunk.Content += section.Content
	}

	if EstimateTokens(currentChunk.Content) > 0 {
		chunks = append(chunks, c.finalizeChunk(currentChunk, len(chunks)))
	}

	chunks = c.mergeSmallChunks(chunks)

	return chunks
}

// section represents a document section (heading + content).
type section struct {
	Heading string
	Content string
	Level   int // Heading level (1-6, 0 for no heading)
}

// parseSections extracts sections from markdown content.
func (c *Chunker) parseSections(content string) []section {
	lines := strings.Split(content, "\n")
	var sections []section
	var current section
	inCodeBlock := false

	for _, line := range lines {
		// Track code blocks to avoid splitting inside them
		if isCodeFence(line) {
			inCodeBlock = !inCodeBlock
		}

		if !inCodeBlock && isHeading(line) {
			if strings.TrimSpace(current.Content) != "" {
				sections = append(sections, current)
			}

			level, heading := parseHeading(line)
			current = section{
				Heading: heading,
				Level:   level,
				Content: line,
			}
		} else {
			if current.Content != "" {
				current.Content += "\n"
			}
			current.Content += line
		}
	}

	if strings.TrimSpace(current.Content) != "" {
		sections = append(sections, current)
	}

	return sections
}

// splitLargeSection splits a section that exceeds max tokens.
func (c *Chunker) splitLargeSection(parentID string, sec section, startIndex int) []Chunk {
	var chunks []Chunk
	paragraphs := c.splitIntoParagraphs(sec.Content)

	var current Chunk
	current.ParentID = parentID
	current.Section = sec.Heading

	for _, para := range paragraphs {
		paraTokens := EstimateTokens(para)

		// If single paragraph exceeds max, split by sentences
		if paraTokens > c.config.MaxTokens {
			if EstimateTokens(current.Content) >= c.config.MinTokens {
				chunks = append(chunks, c.finalizeChunk(current, startIndex+len(chunks)))
				current = Chunk{ParentID: parentID, Section: sec.Heading}
			}

			sentenceChunks := c.splitBySentences(parentID, sec.Heading, para, startIndex+len(chunks))
			chunks = append(chunks, sentenceChunks...)
			continue
		}

		currentTokens := EstimateTokens(current.Content)
		if currentTokens > 0 && currentTokens+paraTokens > c.config.TargetTokens {
			chunks = append(chunks, c.finalizeChunk(current, startIndex+len(chunks)))
			current = Chunk{ParentID: parentID, Section: sec.Heading}
		}

		if current.Content != "" {
			current.Content += "\n\n"
		}
		current.Content += para
	}

	if EstimateTokens(current.Content) > 0 {
		chunks = append(chunks, c.finalizeChunk(current, startIndex+len(chunks)))
	}

	return chunks
}

// splitIntoParagraphs splits content by double newlines, preserving code blocks.
func (c *Chunker) splitIntoParagraphs(content string) []string {
	var paragraphs []string
	var current strings.Builder
	lines := strings.Split(content, "\n")
	inCodeBlock := false
	lastWasEmpty := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Track code blocks (using trimmed to handle indented fences)
		if isCodeFence(trimmed) {
			inCodeBlock = !inCodeBlock
		}

		if !inCodeBlock && trimmed == "" {
			if !lastWasEmpty && current.Len() > 0 {
				paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
				current.Reset()
			}
			lastWasEmpty = true
		} else {
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(line)
			lastWasEmpty = false
		}
	}

	if current.Len() > 0 {
		paragraphs = append(paragraphs, strings.TrimSpace(current.String()))
	}

	return paragraphs
}

// splitBySentences splits a paragraph by sentences as a last resort.
func (c *Chunker) splitBySentences(parentID, sectionName, content string, startIndex int) []Chunk {
	var chunks []Chunk
	var current Chunk
	current.ParentID = parentID
	current.Section = sectionName

	// For very long content without sentence breaks, use hard split
	sentences := splitSentences(content)
	if len(sentences) <= 1 && EstimateTokens(content) > c.config.MaxTokens {
		return c.hardSplit(parentID, sectionName, content, startIndex)
	}

	if len(sentences) <= 1 {
		current.Content = content
		current.TokenCount = EstimateTokens(content)
		current.Index = startIndex
		return []Chunk{current}
	}

	for _, sentence := range sentences {
		sentenceTokens := EstimateTokens(sentence)
		currentTokens := EstimateTokens(current.Content)

		if currentTokens > 0 && currentTokens+sentenceTokens > c.config.TargetTokens {
			chunks = append(chunks, c.finalizeChunk(current, startIndex+len(chunks)))
			current = Chunk{ParentID: parentID, Section: sectionName}
		}

		if current.Content != "" {
			current.Content += " "
		}
		current.Content += sentence
	}

	if EstimateTokens(current.Content) > 0 {
		chunks = append(chunks, c.finalizeChunk(current, startIndex+len(chunks)))
	}

	return chunks
}

// hardSplit splits content at character boundaries when no natural breaks exist.
// This is a last resort to ensure MaxTokens is never exceeded.
func (c *Chunker) hardSplit(parentID, sectionName, content string, startIndex int) []Chunk {
	var chunks []Chunk
	maxChars := c.config.MaxTokens * charsPerToken

	runes := []rune(content)
	for i := 0; i < len(runes); i += maxChars {
		end := i + maxChars
		if end > len(runes) {
			end = len(runes)
		}

		chunkContent := string(runes[i:end])
		chunks = append(chunks, Chunk{
			ParentID:   parentID,
			Section:    sectionName,
			Index:      startIndex + len(chunks),
			Content:    chunkContent,
			TokenCount: EstimateTokens(chunkContent),
		})
	}

	return chunks
}

// mergeSmallChunks combines chunks that are below minimum size.
func (c *Chunker) mergeSmallChunks(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	var result []Chunk
	for i := 0; i < len(chunks); i++ {
		ch := chunks[i]

		// If chunk is too small and there's a next chunk, merge
		if ch.TokenCount < c.config.MinTokens && i < len(chunks)-1 {
			next := chunks[i+1]
			combined := ch.Content + "\n\n" + next.Content
			combinedTokens := EstimateTokens(combined)

			// Only merge if combined doesn't exceed max
			if combinedTokens <= c.config.MaxTokens {
				chunks[i+1] = Chunk{
					ParentID:   ch.ParentID,
					Section:    ch.Section,
					Content:    combined,
					TokenCount: combinedTokens,
				}
				continue
			}
		}

		result = append(result, ch)
	}

	// Re-index after merge
	for i := range result {
		result[i].Index = i
	}

	return result
}

// finalizeChunk sets the index and token count for a chunk.
func (c *Chunker) finalizeChunk(ch Chunk, index int) Chunk {
	ch.Index = index
	ch.TokenCount = EstimateTokens(ch.Content)
	return ch
}

// isCodeFence checks if a line is a code fence (``` or ~~~).
func isCodeFence(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// isHeading checks if a line is a markdown heading.
func isHeading(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "#")
}

// parseHeading extracts the level and text from a heading line.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for _, ch := range trimmed {
		if ch == '#' {
			level++
		} else {
			break
		}
	}
	if level > 6 {
		level = 6
	}

	text := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
	return level, text
}

// splitSentences splits text into sentences.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			// Look ahead for space or end of text
			if i == len(runes)-1 || (i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n')) {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
				if i+1 < len(runes) && runes[i+1] == ' ' {
					i++
				}
			}
		}
	}

	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}

	return sentences
}
