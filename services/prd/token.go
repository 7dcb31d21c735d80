package prd

import (
	"regexp"
	"strings"
)

// Kind classifies a PRD line.
type Kind int

const (
	Blank Kind = iota
	Heading
	Field
	Property
	Fence
	Text
)

func (k Kind) String() string {
	switch k {
	case Blank:
		return "blank"
	case Heading:
		return "heading"
	case Field:
		return "field"
	case Property:
		return "property"
	case Fence:
		return "fence"
	default:
		return "text"
	}
}

// Token is one classified line.
type Token struct {
	Kind  Kind
	Line  int
	Level int    // heading depth
	Text  string // heading text, field body or trimmed line
	Key   string // property key
	Value string // property value
	Open  bool   // fence opens a block
	Raw   string
}

var (
	headingPattern  = regexp.MustCompile(`^(#{1,3})(?:\s+|$)(.*)$`)
	fieldPattern    = regexp.MustCompile(`(?i)^(?:[-*]\s*)?(?:field|column)\s*:\s*(.*)$`)
	propertyPattern = regexp.MustCompile(`^(?:[-*]\s*)?([A-Za-z][A-Za-z ]{0,24}?)\s*:\s*(.*)$`)
)

// Tokenize splits text into classified lines. Lines inside a fenced block are
// always Text so their content cannot open or close sections.
func Tokenize(text string) []Token {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	tokens := make([]Token, 0, len(lines))

	inFence := false
	fenceMarker := ""
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		tok := Token{Line: i + 1, Raw: raw, Text: line}

		if marker := fenceOf(line); marker != "" && (!inFence || marker == fenceMarker) {
			tok.Kind = Fence
			tok.Open = !inFence
			tok.Text = strings.TrimSpace(strings.TrimPrefix(line, marker))
			inFence = !inFence
			fenceMarker = marker
			tokens = append(tokens, tok)
			continue
		}
		if inFence {
			tok.Kind = Text
			tokens = append(tokens, tok)
			continue
		}

		switch {
		case line == "":
			tok.Kind = Blank
		case headingPattern.MatchString(line):
			m := headingPattern.FindStringSubmatch(line)
			tok.Kind = Heading
			tok.Level = len(m[1])
			tok.Text = strings.TrimSpace(m[2])
		case fieldPattern.MatchString(line):
			tok.Kind = Field
			tok.Text = strings.TrimSpace(fieldPattern.FindStringSubmatch(line)[1])
		case propertyPattern.MatchString(line):
			m := propertyPattern.FindStringSubmatch(line)
			tok.Kind = Property
			tok.Key = strings.ToLower(strings.TrimSpace(m[1]))
			tok.Value = strings.TrimSpace(m[2])
		default:
			tok.Kind = Text
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

func fenceOf(line string) string {
	for _, marker := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, marker) {
			return marker
		}
	}
	return ""
}
