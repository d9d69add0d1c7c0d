package runner

import (
	"strings"

	"github.com/opencrawl/elastic-crawler-service/internal/crawl"
)

// extractStats scans the crawler's stdout for the known summary lines. The
// value is whatever follows the final colon on the line, trimmed. Lines that
// never appear leave their field empty.
func extractStats(stdout string) crawl.Stats {
	var stats crawl.Stats
	if stdout == "" {
		return stats
	}
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.Contains(line, "Pages visited:"):
			stats.PagesVisited = valueAfterLastColon(line)
		case strings.Contains(line, "Documents upserted:"):
			stats.DocumentsIndexed = valueAfterLastColon(line)
		case strings.Contains(line, "Crawl duration"):
			stats.DurationSeconds = valueAfterLastColon(line)
		}
	}
	return stats
}

func valueAfterLastColon(line string) string {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return strings.TrimSpace(line)
	}
	return strings.TrimSpace(line[idx+1:])
}
