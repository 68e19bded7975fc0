// Package feedparse converts RSS and Atom documents into canonical entries.
package feedparse

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

const defaultEnclosureType = "application/octet-stream"

var httpURL = regexp.MustCompile(`(?i)^https?://`)

type Sanitizer interface {
	Sanitize(html string) string
}

type Enclosure struct {
	URL      string
	MimeType string
	Title    string
	Length   int64 // 0 when unknown
}

type Entry struct {
	GUID       string
	Title      string
	Link       string
	Content    string
	Author     string
	Published  *time.Time
	Updated    *time.Time
	Categories []string
	Enclosures []Enclosure
}

type Result struct {
	Title   string
	SiteURL string
	Entries []Entry
	Err     error
}

type Parser struct {
	sanitizer Sanitizer
}

func NewParser(sanitizer Sanitizer) *Parser {
	return &Parser{sanitizer: sanitizer}
}

// Parse never panics and never returns a Go error; failures are reported in
// Result.Err.
func (p *Parser) Parse(body []byte, feedURL string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Err: fmt.Errorf("feed parser failed: %v", r)}
		}
	}()

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
			return Result{Err: errors.New("unsupported feed format")}
		}
		return Result{Err: fmt.Errorf("invalid feed document: %w", err)}
	}

	result.Title = strings.TrimSpace(feed.Title)
	result.SiteURL = siteURL(feed, feedURL)
	result.Entries = make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		result.Entries = append(result.Entries, p.normalizeItem(item))
	}

	return result
}

func siteURL(feed *gofeed.Feed, feedURL string) string {
	if httpURL.MatchString(feed.Link) {
		return feed.Link
	}
	for _, l := range feed.Links {
		if l != "" {
			return l
		}
	}
	if u, err := url.Parse(feedURL); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return ""
}

func (p *Parser) normalizeItem(item *gofeed.Item) Entry {
	entry := Entry{
		Title:      strings.TrimSpace(item.Title),
		Author:     author(item),
		Published:  parsedTime(item.PublishedParsed, item.Published),
		Updated:    parsedTime(item.UpdatedParsed, item.Updated),
		Categories: categories(item.Categories),
		Enclosures: enclosures(item),
	}

	if entry.Updated == nil && item.DublinCoreExt != nil && len(item.DublinCoreExt.Date) > 0 {
		entry.Updated = parsedTime(nil, item.DublinCoreExt.Date[0])
	}

	entry.Link = link(item, entry.Enclosures)
	entry.GUID = guid(item, entry.Link, entry.Title)

	content := item.Content
	if strings.TrimSpace(content) == "" {
		content = item.Description
	}
	entry.Content = p.sanitizer.Sanitize(unwrapCDATA(content))

	return entry
}

func link(item *gofeed.Item, enclosures []Enclosure) string {
	candidates := append([]string{item.Link}, item.Links...)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if httpURL.MatchString(c) {
			return c
		}
	}
	for _, e := range enclosures {
		if httpURL.MatchString(e.URL) {
			return e.URL
		}
	}
	return ""
}

// guid prefers an explicit id, then the item's own URL, then the normalized
// link. Items with none of these get a hash of title and publication time so
// the identifier is stable across polls.
func guid(item *gofeed.Item, link, title string) string {
	for _, c := range []string{item.GUID, item.Link, link} {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}

	published := item.Published
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC().Format(time.RFC3339)
	}
	return FallbackGUID(title, published)
}

func FallbackGUID(title, published string) string {
	sum := sha1.Sum([]byte(title + published))
	return "sha1:" + hex.EncodeToString(sum[:])
}

func author(item *gofeed.Item) string {
	people := item.Authors
	if item.Author != nil {
		people = append([]*gofeed.Person{item.Author}, people...)
	}
	for _, p := range people {
		if p == nil {
			continue
		}
		if name := strings.TrimSpace(p.Name); name != "" {
			return name
		}
		if email := strings.TrimSpace(p.Email); email != "" {
			return email
		}
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return strings.TrimSpace(item.DublinCoreExt.Creator[0])
	}
	return ""
}

// parsedTime uses gofeed's parsed value when it managed one and otherwise
// gives the raw string a second chance with a free-form date parser.
func parsedTime(parsed *time.Time, raw string) *time.Time {
	if parsed != nil {
		t := parsed.UTC()
		return &t
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func categories(raw []string) []string {
	cats := make([]string, 0, len(raw))
	for _, c := range raw {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, c)
		}
	}
	return cats
}

func enclosures(item *gofeed.Item) []Enclosure {
	var encs []Enclosure
	seen := make(map[string]bool)

	add := func(rawURL, mimeType, title, length string) {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" || seen[rawURL] {
			return
		}
		seen[rawURL] = true

		e := Enclosure{
			URL:      rawURL,
			MimeType: strings.TrimSpace(mimeType),
			Title:    strings.TrimSpace(title),
		}
		if e.MimeType == "" {
			e.MimeType = defaultEnclosureType
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(length), 10, 64); err == nil && n > 0 {
			e.Length = n
		}
		encs = append(encs, e)
	}

	for _, e := range item.Enclosures {
		if e != nil {
			add(e.URL, e.Type, "", e.Length)
		}
	}

	media := item.Extensions["media"]
	for _, c := range mediaContents(media) {
		add(c.Attrs["url"], c.Attrs["type"], childValue(c, "title"), c.Attrs["fileSize"])
	}

	return encs
}

// mediaContents collects media:content elements whether they sit directly in
// the item or inside media:group.
func mediaContents(media map[string][]ext.Extension) []ext.Extension {
	if media == nil {
		return nil
	}
	contents := append([]ext.Extension{}, media["content"]...)
	for _, g := range media["group"] {
		contents = append(contents, g.Children["content"]...)
	}
	return contents
}

func childValue(e ext.Extension, name string) string {
	for _, c := range e.Children[name] {
		if c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// unwrapCDATA removes one layer of CDATA wrapping that malformed feeds leave
// inside already decoded text, escaped or not.
func unwrapCDATA(s string) string {
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "&lt;![CDATA[") && strings.HasSuffix(trimmed, "]]&gt;") {
		inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "&lt;![CDATA["), "]]&gt;")
		return html.UnescapeString(inner)
	}

	if strings.HasPrefix(trimmed, "<![CDATA[") && strings.HasSuffix(trimmed, "]]>") {
		return strings.TrimSuffix(strings.TrimPrefix(trimmed, "<![CDATA["), "]]>")
	}

	return s
}
