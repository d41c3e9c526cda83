package crawler

import (
	"fmt"
	"strings"
)

// ValidatePage checks the columns a sink requires for a page row.
func ValidatePage(p PageRecord) error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: page url is required", ErrInvalidRecord)
	}
	return nil
}

// ValidateChunk checks the columns a sink requires for a chunk row.
func ValidateChunk(c ChunkRecord) error {
	if strings.TrimSpace(c.SourceURL) == "" {
		return fmt.Errorf("%w: chunk url is required", ErrInvalidRecord)
	}
	if c.Index < 1 {
		return fmt.Errorf("%w: chunk %s index %d must be >= 1", ErrInvalidRecord, c.SourceURL, c.Index)
	}
	if c.Text == "" {
		return fmt.Errorf("%w: chunk %s#%d has no text", ErrInvalidRecord, c.SourceURL, c.Index)
	}
	return nil
}

// ValidatedBatch holds the rows of one write that passed schema checks.
type ValidatedBatch struct {
	Pages    []PageRecord
	Chunks   []ChunkRecord
	Rejected []error
}

// ValidateBatch filters pages and chunks down to rows a sink may write.
// Duplicate page URLs keep the first occurrence. A chunk is rejected when its
// page was not accepted or its (url, index) key repeats.
func ValidateBatch(pages []PageRecord, chunks []ChunkRecord) ValidatedBatch {
	out := ValidatedBatch{
		Pages:  make([]PageRecord, 0, len(pages)),
		Chunks: make([]ChunkRecord, 0, len(chunks)),
	}
	seenPages := make(map[string]struct{}, len(pages))
	for _, p := range pages {
		if err := ValidatePage(p); err != nil {
			out.Rejected = append(out.Rejected, err)
			continue
		}
		if _, dup := seenPages[p.URL]; dup {
			out.Rejected = append(out.Rejected, fmt.Errorf("%w: duplicate page url %s", ErrInvalidRecord, p.URL))
			continue
		}
		seenPages[p.URL] = struct{}{}
		out.Pages = append(out.Pages, p)
	}

	type chunkKey struct {
		url   string
		index int
	}
	seenChunks := make(map[chunkKey]struct{}, len(chunks))
	for _, c := range chunks {
		if err := ValidateChunk(c); err != nil {
			out.Rejected = append(out.Rejected, err)
			continue
		}
		if _, ok := seenPages[c.SourceURL]; !ok {
			out.Rejected = append(out.Rejected, fmt.Errorf("%w: chunk references unknown page %s", ErrInvalidRecord, c.SourceURL))
			continue
		}
		key := chunkKey{url: c.SourceURL, index: c.Index}
		if _, dup := seenChunks[key]; dup {
			out.Rejected = append(out.Rejected, fmt.Errorf("%w: duplicate chunk %s#%d", ErrInvalidRecord, c.SourceURL, c.Index))
			continue
		}
		seenChunks[key] = struct{}{}
		out.Chunks = append(out.Chunks, c)
	}
	return out
}

// JoinLinks serializes a page's links for a single tabular column.
func JoinLinks(links []string) string {
	return strings.Join(links, LinkSeparator)
}

// SplitLinks reverses JoinLinks.
func SplitLinks(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, LinkSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LinkSeparator delimits links inside the pages file.
const LinkSeparator = "; "
