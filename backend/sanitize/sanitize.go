// Package sanitize neutralizes feed-supplied HTML before it is stored.
package sanitize

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// Embeds from these providers are the only iframes that survive.
var iframeSrc = regexp.MustCompile(`^(?:https?:)?//(?:www\.)?(?:` +
	`youtube\.com/embed/|youtube-nocookie\.com/embed/|` +
	`player\.vimeo\.com/video/|` +
	`w\.soundcloud\.com/player/|` +
	`open\.spotify\.com/embed/|` +
	`embed\.podcasts\.apple\.com/|` +
	`bandcamp\.com/EmbeddedPlayer/|` +
	`player\.twitch\.tv/|` +
	`(?:www\.)?dailymotion\.com/embed/video/)`)

type Sanitizer struct {
	policy *bluemonday.Policy
}

func New() *Sanitizer {
	p := bluemonday.UGCPolicy()

	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowDataURIImages()

	p.AllowElements("figure", "figcaption", "picture", "source", "audio", "video", "track")
	p.AllowAttrs("src", "srcset", "type", "media").OnElements("source")
	p.AllowAttrs("src", "controls", "poster", "preload", "loop", "muted", "width", "height").OnElements("audio", "video")
	p.AllowAttrs("src", "kind", "srclang", "label").OnElements("track")

	p.AllowAttrs("src").Matching(iframeSrc).OnElements("iframe")
	p.AllowAttrs("width", "height", "allowfullscreen", "frameborder").OnElements("iframe")

	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &Sanitizer{policy: p}
}

// Sanitize returns html with everything outside the allowlist removed: script
// and style elements, event handler attributes, javascript: URLs and data:
// URLs that are not images.
func (s *Sanitizer) Sanitize(html string) string {
	return s.policy.Sanitize(html)
}
