package confluence

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Converter normalizes wiki page HTML into markdown for indexing.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates an HTML to markdown converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert extracts the main content of a page and renders it as markdown.
// Full HTML documents go through readability first; storage-format fragments
// are converted directly.
func (c *Converter) Convert(htmlContent, pageURL string) (string, error) {
	cleaned := styleRe.ReplaceAllString(scriptRe.ReplaceAllString(htmlContent, ""), "")

	if strings.Contains(cleaned, "<html") {
		parsed, err := url.Parse(pageURL)
		if err == nil {
			article, err := readability.FromReader(strings.NewReader(cleaned), parsed)
			if err == nil && article.Content != "" {
				cleaned = article.Content
			}
		}
	}

	markdown, err := c.converter.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	markdown = excessiveLinesRe.ReplaceAllString(markdown, "\n\n\n")
	return strings.TrimSpace(markdown), nil
}
