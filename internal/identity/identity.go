// Package identity derives the deterministic keys that deduplicate news:
// the canonical URL, the news_id of an event and the dedup key of a raw item.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/alexduan-mel/SentinelStream/internal/hash/sha256"
)

var (
	// ErrEmptyURL is returned for blank input.
	ErrEmptyURL = errors.New("url is required")
	// ErrInvalidURL is returned when the input lacks a scheme or host.
	ErrInvalidURL = errors.New("url must be absolute")
)

var trackingParams = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"cmpid":   {},
}

type queryPair struct {
	key   string
	value string
}

// Canonicalize rewrites rawURL so that tracking, ordering and transport
// variants of the same article compare equal.
func Canonicalize(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", ErrEmptyURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" {
		scheme = "https"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(canonicalHost(u))
	b.WriteString(canonicalPath(u))
	if q := canonicalQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String(), nil
}

func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || port == "80" || port == "443" {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func canonicalPath(u *url.URL) string {
	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		return "/"
	}
	return path
}

func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := make([]queryPair, 0, strings.Count(rawQuery, "&")+1)
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = unescape(key)
		value = unescape(value)
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, ok := trackingParams[lower]; ok {
			continue
		}
		pairs = append(pairs, queryPair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})
	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = url.QueryEscape(p.key) + "=" + url.QueryEscape(p.value)
	}
	return strings.Join(encoded, "&")
}

func unescape(s string) string {
	out, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return out
}

// NewsID returns the hex SHA-256 of the canonical form of rawURL.
func NewsID(rawURL string) (string, error) {
	canonical, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	return sha256.Sum(canonical), nil
}

// DedupKey identifies a raw item within its source. Items with a URL are
// keyed by the canonical URL (or the trimmed raw URL when it cannot be
// canonicalized); items without one fall back to title and publish time.
func DedupKey(source, rawURL, title string, publishedAt *time.Time) string {
	if trimmed := strings.TrimSpace(rawURL); trimmed != "" {
		if canonical, err := Canonicalize(trimmed); err == nil {
			return sha256.SumParts(source, canonical)
		}
		return sha256.SumParts(source, trimmed)
	}
	published := ""
	if publishedAt != nil {
		published = publishedAt.UTC().Format(time.RFC3339)
	}
	return sha256.SumParts(source, strings.TrimSpace(title), published)
}
