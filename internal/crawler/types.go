package crawler

import "time"

// DiscoveryRecord is the intermediate record written by the discovery pass.
// Links holds every absolute URL referenced by the page.
type DiscoveryRecord struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	H1    []string `json:"h1"`
	Links []string `json:"links"`
}

// LinkRecord returns the source page and its discovered links.
func (r DiscoveryRecord) LinkRecord() LinkRecord {
	return LinkRecord{SourcePage: r.URL, DiscoveredLinks: append([]string(nil), r.Links...)}
}

// LinkRecord is the link set produced by one discovery pass over a page.
type LinkRecord struct {
	SourcePage      string
	DiscoveredLinks []string
}

// PageRecord is persisted for each successfully fetched URL.
type PageRecord struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Links     []string  `json:"links"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ChunkRecord is one token-bounded slice of a page's content. The pair
// (SourceURL, Index) is unique and Index starts at 1.
type ChunkRecord struct {
	SourceURL string `json:"url"`
	Title     string `json:"title"`
	Index     int    `json:"chunk_id"`
	Text      string `json:"chunk_content"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Attempt int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	FetchedAt  time.Time
	Attempts   int
}

// FetchFailure records a URL whose retry budget was exhausted.
type FetchFailure struct {
	URL      string
	Attempts int
	Err      error
}

// BatchOutcome classifies the result of one fetch batch.
type BatchOutcome string

// Batch outcomes reported by the fetch pool.
const (
	BatchEmpty     BatchOutcome = "empty"
	BatchComplete  BatchOutcome = "complete"
	BatchPartial   BatchOutcome = "partial"
	BatchAllFailed BatchOutcome = "all_failed"
)

// ClassifyBatch derives the outcome from success and failure counts.
func ClassifyBatch(successes, failures int) BatchOutcome {
	switch {
	case successes == 0 && failures == 0:
		return BatchEmpty
	case successes == 0:
		return BatchAllFailed
	case failures == 0:
		return BatchComplete
	default:
		return BatchPartial
	}
}
