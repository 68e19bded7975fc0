package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Field selects which part of an article a TextRule inspects.
type Field int

const (
	FieldTitle Field = iota + 1
	FieldContent
	FieldBoth
	FieldLink
	FieldAuthor
)

func (f Field) String() string {
	switch f {
	case FieldTitle:
		return "title"
	case FieldContent:
		return "content"
	case FieldBoth:
		return "both"
	case FieldLink:
		return "link"
	case FieldAuthor:
		return "author"
	default:
		return fmt.Sprintf("Field(%d)", int(f))
	}
}

// Scope restricts a rule to articles arriving through a particular feed or category. A zero ID means unrestricted.
type Scope struct {
	FeedID     int32
	CategoryID int32
}

func (s Scope) includes(a *Article) bool {
	if s.FeedID != 0 && s.FeedID != a.FeedID {
		return false
	}
	if s.CategoryID != 0 && s.CategoryID != a.CategoryID {
		return false
	}
	return true
}

// Rule is one predicate of a filter. The variants are TextRule, DateRule, and TagRule.
type Rule interface {
	// Err reports why the rule can never match, or nil when the rule is usable.
	Err() error

	scope() Scope
	inverse() bool
	match(a *Article) bool
}

// TextRule matches a regular expression against a text field of the article.
type TextRule struct {
	Field   Field
	Pattern *regexp.Regexp
	Scope   Scope
	Inverse bool

	err error
}

func (r TextRule) Err() error    { return r.err }
func (r TextRule) scope() Scope  { return r.Scope }
func (r TextRule) inverse() bool { return r.Inverse }
func (r TextRule) match(a *Article) bool {
	if r.Pattern == nil {
		return false
	}

	switch r.Field {
	case FieldTitle:
		return r.Pattern.MatchString(a.Title)
	case FieldContent:
		return r.Pattern.MatchString(a.Content)
	case FieldBoth:
		return r.Pattern.MatchString(a.Title) || r.Pattern.MatchString(a.Content)
	case FieldLink:
		return r.Pattern.MatchString(a.Link)
	case FieldAuthor:
		return r.Pattern.MatchString(a.Author)
	}
	return false
}

// DateRule compares the article's published time against a fixed instant.
type DateRule struct {
	Before  bool
	Time    time.Time
	Scope   Scope
	Inverse bool

	err error
}

func (r DateRule) Err() error    { return r.err }
func (r DateRule) scope() Scope  { return r.Scope }
func (r DateRule) inverse() bool { return r.Inverse }
func (r DateRule) match(a *Article) bool {
	if r.err != nil || a.Published == nil {
		return false
	}
	if r.Before {
		return a.Published.Before(r.Time)
	}
	return a.Published.After(r.Time)
}

// TagRule matches when any of the user's tags on the entry matches Pattern.
type TagRule struct {
	Pattern *regexp.Regexp
	Scope   Scope
	Inverse bool

	err error
}

func (r TagRule) Err() error    { return r.err }
func (r TagRule) scope() Scope  { return r.Scope }
func (r TagRule) inverse() bool { return r.Inverse }
func (r TagRule) match(a *Article) bool {
	if r.Pattern == nil {
		return false
	}
	for _, t := range a.Tags {
		if r.Pattern.MatchString(t) {
			return true
		}
	}
	return false
}

// evaluate applies scope and the rule's own inverse flag. A rule whose scope excludes the article is false no
// matter how it is inverted.
func evaluate(r Rule, a *Article) bool {
	if !r.scope().includes(a) {
		return false
	}
	return r.match(a) != r.inverse()
}

// RuleSpec is the stored form of a rule.
type RuleSpec struct {
	Type       string
	Pattern    string
	FeedID     int32
	CategoryID int32
	Inverse    bool
}

// ParseRule converts a stored rule into its typed variant. An unknown type is an error. An unusable pattern is not:
// the returned rule never matches and reports the problem through Err.
func ParseRule(spec RuleSpec) (Rule, error) {
	scope := Scope{FeedID: spec.FeedID, CategoryID: spec.CategoryID}

	switch spec.Type {
	case "title", "content", "both", "link", "author":
		r := TextRule{Field: textFields[spec.Type], Scope: scope, Inverse: spec.Inverse}
		r.Pattern, r.err = compilePattern(spec.Pattern)
		return r, nil
	case "tag":
		r := TagRule{Scope: scope, Inverse: spec.Inverse}
		r.Pattern, r.err = compilePattern(spec.Pattern)
		return r, nil
	case "date":
		r := DateRule{Scope: scope, Inverse: spec.Inverse}
		r.Before, r.Time, r.err = parseDatePattern(spec.Pattern)
		return r, nil
	default:
		return nil, fmt.Errorf("unknown rule type %q", spec.Type)
	}
}

var textFields = map[string]Field{
	"title":   FieldTitle,
	"content": FieldContent,
	"both":    FieldBoth,
	"link":    FieldLink,
	"author":  FieldAuthor,
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

// parseDatePattern accepts "before <date>" or "after <date>".
func parseDatePattern(pattern string) (before bool, t time.Time, err error) {
	op, operand, _ := strings.Cut(strings.TrimSpace(pattern), " ")
	switch strings.ToLower(op) {
	case "before":
		before = true
	case "after":
	default:
		return false, time.Time{}, fmt.Errorf("invalid date pattern %q: expected before or after", pattern)
	}

	t, err = dateparse.ParseIn(strings.TrimSpace(operand), time.UTC)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("invalid date pattern %q: %w", pattern, err)
	}
	return before, t, nil
}
