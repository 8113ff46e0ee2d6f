package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPayload is returned for payloads that are not JSON objects.
var ErrInvalidPayload = errors.New("payload must be a JSON object")

// article holds the fields the pipeline reads from a news payload. Finnhub
// names are preferred, generic names are accepted as fallbacks.
type article struct {
	URL           string
	Title         string
	PublishedAt   *time.Time
	Content       *string
	Related       []string
	RequestTicker *string
}

type payloadFields struct {
	URL           json.RawMessage `json:"url"`
	Headline      json.RawMessage `json:"headline"`
	Title         json.RawMessage `json:"title"`
	Datetime      json.RawMessage `json:"datetime"`
	PublishedAt   json.RawMessage `json:"published_at"`
	Summary       json.RawMessage `json:"summary"`
	Content       json.RawMessage `json:"content"`
	Related       json.RawMessage `json:"related"`
	RequestTicker json.RawMessage `json:"request_ticker"`
}

func parseArticle(payload json.RawMessage) (article, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return article{}, ErrInvalidPayload
	}
	var f payloadFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return article{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	a := article{
		URL:   strings.TrimSpace(firstString(f.URL)),
		Title: strings.TrimSpace(firstString(f.Headline, f.Title)),
	}
	if ts := parseTimestamp(f.Datetime); ts != nil {
		a.PublishedAt = ts
	} else {
		a.PublishedAt = parseTimestamp(f.PublishedAt)
	}
	if content := strings.TrimSpace(firstString(f.Summary, f.Content)); content != "" {
		a.Content = &content
	}
	a.Related = parseSymbols(f.Related)
	if rt := strings.ToUpper(strings.TrimSpace(firstString(f.RequestTicker))); rt != "" {
		a.RequestTicker = &rt
	}
	return a, nil
}

// missingFields names the required fields absent from a.
func (a article) missingFields() []string {
	var missing []string
	if a.URL == "" {
		missing = append(missing, "url")
	}
	if a.Title == "" {
		missing = append(missing, "headline")
	}
	if a.PublishedAt == nil {
		missing = append(missing, "datetime")
	}
	return missing
}

// tickers returns the related symbols followed by the request ticker,
// de-duplicated in first-seen order.
func (a article) tickers() []string {
	symbols := append([]string(nil), a.Related...)
	if a.RequestTicker != nil {
		symbols = append(symbols, *a.RequestTicker)
	}
	return dedupe(symbols)
}

func firstString(values ...json.RawMessage) string {
	for _, raw := range values {
		var s string
		if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts unix seconds (number or digit string) and ISO-8601
// strings; zone-less values are read as UTC.
func parseTimestamp(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return fromUnix(string(num))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if ts := fromUnix(s); ts != nil {
		return ts
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func fromUnix(s string) *time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return nil
	}
	t := time.Unix(int64(f), 0).UTC()
	return &t
}

func parseSymbols(raw json.RawMessage) []string {
	var parts []string
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		parts = list
	} else {
		parts = strings.Split(firstString(raw), ",")
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if sym := strings.ToUpper(strings.TrimSpace(p)); sym != "" {
			out = append(out, sym)
		}
	}
	return dedupe(out)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
