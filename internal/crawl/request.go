package crawl

import (
	"fmt"
	"net/url"
)

// Validate checks the request against the crawler binary's input contract.
func (r Request) Validate() error {
	if len(r.Domains) == 0 {
		return fmt.Errorf("at least one domain required")
	}
	if r.OutputIndex == "" {
		return fmt.Errorf("output_index required")
	}
	for i, d := range r.Domains {
		if d.URL == "" {
			return fmt.Errorf("domains[%d].url required", i)
		}
		u, err := url.Parse(d.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("domains[%d].url must be an absolute http(s) URL", i)
		}
	}
	if r.MaxCrawlDepth != nil && *r.MaxCrawlDepth <= 0 {
		return fmt.Errorf("max_crawl_depth must be > 0")
	}
	if r.MaxDurationSeconds != nil && *r.MaxDurationSeconds <= 0 {
		return fmt.Errorf("max_duration_seconds must be > 0")
	}
	if r.MaxURLLength != nil && *r.MaxURLLength <= 0 {
		return fmt.Errorf("max_url_length must be > 0")
	}
	return nil
}

// ConfigMap renders the request as the generic mapping handed to the crawler
// binary. Unset optional fields are omitted so the binary applies its own
// defaults.
func (r Request) ConfigMap() map[string]any {
	domains := make([]map[string]any, 0, len(r.Domains))
	for _, d := range r.Domains {
		entry := map[string]any{"url": d.URL}
		if len(d.SeedURLs) > 0 {
			entry["seed_urls"] = d.SeedURLs
		}
		if len(d.SitemapURLs) > 0 {
			entry["sitemap_urls"] = d.SitemapURLs
		}
		domains = append(domains, entry)
	}
	cfg := map[string]any{
		"domains":      domains,
		"output_index": r.OutputIndex,
	}
	if len(r.CrawlRules) > 0 {
		cfg["crawl_rules"] = r.CrawlRules
	}
	if len(r.ExtractionRules) > 0 {
		cfg["extraction_rules"] = r.ExtractionRules
	}
	if r.MaxCrawlDepth != nil {
		cfg["max_crawl_depth"] = *r.MaxCrawlDepth
	}
	if r.MaxDurationSeconds != nil {
		cfg["max_duration_seconds"] = *r.MaxDurationSeconds
	}
	if r.MaxURLLength != nil {
		cfg["max_url_length"] = *r.MaxURLLength
	}
	if r.UserAgent != nil {
		cfg["user_agent"] = *r.UserAgent
	}
	return cfg
}

// DomainURLs lists the top-level URLs for the sanitized response.
func (r Request) DomainURLs() []string {
	urls := make([]string, 0, len(r.Domains))
	for _, d := range r.Domains {
		urls = append(urls, d.URL)
	}
	return urls
}
