// ABOUTME: TestFilter parses the <filter> XML fragment that selects tests to explore, count or run.
// ABOUTME: Supports test/name leaves (optionally regex) combined with and/or/not.

package engine

import (
	"encoding/xml"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidFilter is returned for filter text that cannot be parsed.
var ErrInvalidFilter = errors.New("invalid test filter")

// TestFilter selects tests by full name. The zero value matches every test.
type TestFilter struct {
	text  string
	match func(fullName string) bool
}

// EmptyFilter matches every test.
var EmptyFilter = TestFilter{}

type filterNode struct {
	XMLName  xml.Name
	Re       string       `xml:"re,attr"`
	Text     string       `xml:",chardata"`
	Children []filterNode `xml:",any"`
}

// ParseFilter parses text. Blank text and an empty <filter/> element
// both produce a filter that matches everything.
func ParseFilter(text string) (TestFilter, error) {
	if strings.TrimSpace(text) == "" {
		return EmptyFilter, nil
	}

	var root filterNode
	if err := xml.Unmarshal([]byte(text), &root); err != nil {
		return TestFilter{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	if root.XMLName.Local != "filter" {
		return TestFilter{}, fmt.Errorf("%w: root element is <%s>, want <filter>", ErrInvalidFilter, root.XMLName.Local)
	}
	if len(root.Children) == 0 {
		return TestFilter{text: text}, nil
	}

	match, err := compileAll(root.Children, true)
	if err != nil {
		return TestFilter{}, err
	}
	return TestFilter{text: text, match: match}, nil
}

// MustParseFilter is like ParseFilter but panics on error. For tests and constants.
func MustParseFilter(text string) TestFilter {
	f, err := ParseFilter(text)
	if err != nil {
		panic(err)
	}
	return f
}

// TestNameFilter builds a filter selecting the given full names.
func TestNameFilter(fullNames ...string) TestFilter {
	var b strings.Builder
	b.WriteString("<filter>")
	if len(fullNames) > 1 {
		b.WriteString("<or>")
	}
	for _, name := range fullNames {
		b.WriteString("<test>")
		_ = xml.EscapeText(&b, []byte(name))
		b.WriteString("</test>")
	}
	if len(fullNames) > 1 {
		b.WriteString("</or>")
	}
	b.WriteString("</filter>")
	return MustParseFilter(b.String())
}

// Match reports whether the test with the given full name is selected.
func (f TestFilter) Match(fullName string) bool {
	if f.match == nil {
		return true
	}
	return f.match(fullName)
}

// IsEmpty reports whether the filter selects everything.
func (f TestFilter) IsEmpty() bool {
	return f.match == nil
}

// String returns the filter XML, "<filter />" for the empty filter.
func (f TestFilter) String() string {
	if f.text == "" {
		return "<filter />"
	}
	return f.text
}

func compileAll(nodes []filterNode, and bool) (func(string) bool, error) {
	matchers := make([]func(string) bool, 0, len(nodes))
	for _, n := range nodes {
		m, err := compileNode(n)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	if and {
		return func(name string) bool {
			for _, m := range matchers {
				if !m(name) {
					return false
				}
			}
			return true
		}, nil
	}
	return func(name string) bool {
		for _, m := range matchers {
			if m(name) {
				return true
			}
		}
		return false
	}, nil
}

func compileNode(n filterNode) (func(string) bool, error) {
	switch n.XMLName.Local {
	case "and":
		return compileAll(n.Children, true)
	case "or":
		return compileAll(n.Children, false)
	case "not":
		if len(n.Children) != 1 {
			return nil, fmt.Errorf("%w: <not> takes exactly one element", ErrInvalidFilter)
		}
		inner, err := compileNode(n.Children[0])
		if err != nil {
			return nil, err
		}
		return func(name string) bool { return !inner(name) }, nil
	case "test":
		return compileLeaf(n, func(fullName string) string { return fullName })
	case "name":
		return compileLeaf(n, func(fullName string) string { return filepath.Base(fullName) })
	default:
		return nil, fmt.Errorf("%w: unsupported element <%s>", ErrInvalidFilter, n.XMLName.Local)
	}
}

func compileLeaf(n filterNode, subject func(string) string) (func(string) bool, error) {
	value := strings.TrimSpace(n.Text)
	if value == "" {
		return nil, fmt.Errorf("%w: empty <%s>", ErrInvalidFilter, n.XMLName.Local)
	}

	if n.Re == "1" || strings.EqualFold(n.Re, "true") {
		re, err := regexp.Compile(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		return func(name string) bool { return re.MatchString(subject(name)) }, nil
	}
	return func(name string) bool { return subject(name) == value }, nil
}
