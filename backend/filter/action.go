package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Colors given to tags the tag action creates.
const (
	DefaultTagFgColor = "#ffffff"
	DefaultTagBgColor = "#8a6d3b"
)

// Action is a side effect run when a filter matches. The variants are MarkRead, Delete, Star, Publish, Score,
// Label, Tag, IgnoreTag, and Stop.
type Action interface {
	Kind() string
	isAction()
}

type MarkRead struct{}

type Delete struct{}

type Star struct{}

type Publish struct{}

// Score adds Delta to the user entry's score.
type Score struct {
	Delta int32
}

// Label attaches an existing tag by ID.
type Label struct {
	TagID int32
}

// Tag attaches a tag by name, creating it when the user does not have one.
type Tag struct {
	Name string
}

// IgnoreTag detaches a tag by name.
type IgnoreTag struct {
	Name string
}

// Stop prevents later filters from running against the article.
type Stop struct{}

func (MarkRead) Kind() string  { return "mark_read" }
func (Delete) Kind() string    { return "delete" }
func (Star) Kind() string      { return "star" }
func (Publish) Kind() string   { return "publish" }
func (Score) Kind() string     { return "score" }
func (Label) Kind() string     { return "label" }
func (Tag) Kind() string       { return "tag" }
func (IgnoreTag) Kind() string { return "ignore_tag" }
func (Stop) Kind() string      { return "stop" }

func (MarkRead) isAction()  {}
func (Delete) isAction()    {}
func (Star) isAction()      {}
func (Publish) isAction()   {}
func (Score) isAction()     {}
func (Label) isAction()     {}
func (Tag) isAction()       {}
func (IgnoreTag) isAction() {}
func (Stop) isAction()      {}

// ParseAction converts a stored action type and parameter into its typed variant.
func ParseAction(actionType, param string) (Action, error) {
	param = strings.TrimSpace(param)

	switch actionType {
	case "mark_read":
		return MarkRead{}, nil
	case "delete":
		return Delete{}, nil
	case "star":
		return Star{}, nil
	case "publish":
		return Publish{}, nil
	case "stop":
		return Stop{}, nil
	case "score":
		n, err := strconv.ParseInt(param, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid score %q: %w", param, err)
		}
		return Score{Delta: int32(n)}, nil
	case "label":
		n, err := strconv.ParseInt(param, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid label tag id %q: %w", param, err)
		}
		return Label{TagID: int32(n)}, nil
	case "tag":
		if param == "" {
			return nil, fmt.Errorf("tag action requires a tag name")
		}
		return Tag{Name: param}, nil
	case "ignore_tag":
		if param == "" {
			return nil, fmt.Errorf("ignore_tag action requires a tag name")
		}
		return IgnoreTag{Name: param}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}
