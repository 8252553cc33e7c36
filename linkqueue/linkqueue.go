// Package linkqueue is the in-process hand-off of URLs discovered by one
// indexer that belong to another. Submissions are idempotent by normalized
// URL; a link that keeps failing is surfaced as a user task instead of
// retrying forever.
package linkqueue

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// maxFailures is how many delivery failures a link survives before it is
// dropped and surfaced as a user task.
const maxFailures = 3

// urlPattern finds http(s) URLs inside free text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs returns all http(s) URLs found in text.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// classifiers map URL substrings to the indexer that owns them.
var classifiers = []struct {
	pattern string
	indexer string
}{
	{"/browse/", "jira"},
	{"/wiki/spaces/", "confluence"},
	{"/display/", "confluence"},
	{"/-/merge_requests/", "git"},
	{"/pull/", "git"},
	{"/commit/", "git"},
}

// Classify returns the indexer responsible for a URL, or "" when no known
// pattern matches.
func Classify(rawURL string) string {
	lower := strings.ToLower(rawURL)
	for _, c := range classifiers {
		if strings.Contains(lower, c.pattern) {
			return c.indexer
		}
	}
	return ""
}

// Normalize canonicalizes a URL for dedup: trim, lowercase, strip the
// trailing slash, and drop query and fragment. Normalizing an already
// normalized URL is the identity.
func Normalize(rawURL string) string {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if parsed, err := url.Parse(s); err == nil {
		parsed.RawQuery = ""
		parsed.Fragment = ""
		s = parsed.String()
	}
	return strings.TrimSuffix(s, "/")
}

// Link is one pending cross-indexer hand-off.
type Link struct {
	URL           string
	ClientID      string
	ProjectID     string
	SourceIndexer string
	SourceRef     string

	// TargetIndexer is derived from the URL on submit.
	TargetIndexer string
	Failures      int
}

// UserTaskFunc is invoked when a link exhausts its retries and needs manual
// attention.
type UserTaskFunc func(link Link)

// Queue is the concurrent-safe link queue.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*Link
	onTask  UserTaskFunc
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithUserTaskFunc sets the callback for exhausted links.
func WithUserTaskFunc(fn UserTaskFunc) Option {
	return func(q *Queue) { q.onTask = fn }
}

// New creates an empty link queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		pending: make(map[string]*Link),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit registers a link for hand-off. Duplicate submissions of the same
// normalized URL are no-ops; a hand-off back to the submitting indexer is
// refused; URLs no classifier recognizes are rejected.
func (q *Queue) Submit(link Link) error {
	target := Classify(link.URL)
	if target == "" {
		return fmt.Errorf("unclassifiable URL: %s", link.URL)
	}
	if target == link.SourceIndexer {
		return fmt.Errorf("self hand-off refused: %s already owns %s", target, link.URL)
	}

	key := Normalize(link.URL)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[key]; exists {
		return nil
	}

	link.URL = key
	link.TargetIndexer = target
	q.pending[key] = &link

	q.logger.Debug("Link queued",
		"url", key, "from", link.SourceIndexer, "to", target)
	return nil
}

// Drain removes and returns all pending links for the given indexer.
func (q *Queue) Drain(indexer string) []Link {
	q.mu.Lock()
	defer q.mu.Unlock()

	var links []Link
	for key, link := range q.pending {
		if link.TargetIndexer != indexer {
			continue
		}
		links = append(links, *link)
		delete(q.pending, key)
	}
	return links
}

// MarkFailed re-registers a link after a failed delivery. The third failure
// removes it and signals a user task.
func (q *Queue) MarkFailed(link Link) {
	key := Normalize(link.URL)

	q.mu.Lock()
	defer q.mu.Unlock()

	stored, exists := q.pending[key]
	if !exists {
		link.Failures++
		stored = &link
		q.pending[key] = stored
	} else {
		stored.Failures++
	}

	if stored.Failures >= maxFailures {
		delete(q.pending, key)
		q.logger.Warn("Link exhausted retries, surfacing as user task",
			"url", key, "failures", stored.Failures)
		if q.onTask != nil {
			q.onTask(*stored)
		}
	}
}

// Pending returns the number of queued links.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
