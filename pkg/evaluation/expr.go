package evaluation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Call is a parsed call expression: name(arg, ...). Arguments are string,
// int64 or bool.
type Call struct {
	Name string
	Args []any
}

// String formats c back into call syntax.
func (c Call) String() string {
	return FormatCall(c.Name, c.Args...)
}

// Arg returns argument i as a string, or "" when it is absent or not a
// string.
func (c Call) Arg(i int) string {
	if i >= len(c.Args) {
		return ""
	}
	s, _ := c.Args[i].(string)
	return s
}

// StringLiteral quotes s so that ParseCall reads it back unchanged.
func StringLiteral(s string) string {
	return strconv.Quote(s)
}

// FormatCall renders name(args...) with each argument as a literal. Strings
// are quoted, integers and booleans are written bare, and anything else is
// quoted through its fmt representation.
func FormatCall(name string, args ...any) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch v := a.(type) {
		case string:
			sb.WriteString(StringLiteral(v))
		case int:
			sb.WriteString(strconv.Itoa(v))
		case int64:
			sb.WriteString(strconv.FormatInt(v, 10))
		case bool:
			sb.WriteString(strconv.FormatBool(v))
		default:
			sb.WriteString(StringLiteral(fmt.Sprint(v)))
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

var errSyntax = errors.New("evaluation: syntax error")

// ParseCall parses an expression produced by FormatCall.
func ParseCall(expr string) (Call, error) {
	p := &callParser{src: strings.TrimSpace(expr)}

	name := p.ident()
	if name == "" {
		return Call{}, p.fail("expected function name")
	}

	p.space()
	if !p.consume('(') {
		return Call{}, p.fail("expected '('")
	}

	call := Call{Name: name}
	p.space()
	if p.consume(')') {
		return call, p.end()
	}

	for {
		p.space()
		arg, err := p.literal()
		if err != nil {
			return Call{}, err
		}
		call.Args = append(call.Args, arg)

		p.space()
		if p.consume(')') {
			return call, p.end()
		}
		if !p.consume(',') {
			return Call{}, p.fail("expected ',' or ')'")
		}
	}
}

type callParser struct {
	src string
	pos int
}

func (p *callParser) fail(msg string) error {
	return fmt.Errorf("%w at offset %d: %s", errSyntax, p.pos, msg)
}

func (p *callParser) end() error {
	p.space()
	if p.pos != len(p.src) {
		return p.fail("unexpected trailing input")
	}
	return nil
}

func (p *callParser) space() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *callParser) consume(c byte) bool {
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *callParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := rune(p.src[p.pos])
		if c == '_' || c == '.' || c == ':' || unicode.IsLetter(c) || (p.pos > start && unicode.IsDigit(c)) {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *callParser) literal() (any, error) {
	if p.pos >= len(p.src) {
		return nil, p.fail("expected argument")
	}

	switch c := p.src[p.pos]; {
	case c == '"':
		return p.quoted()
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
		if err != nil {
			return nil, p.fail("invalid integer")
		}
		return n, nil
	default:
		switch word := p.ident(); word {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, p.fail(fmt.Sprintf("unexpected %q", word))
		}
	}
}

func (p *callParser) quoted() (any, error) {
	start := p.pos
	p.pos++ // opening quote
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			s, err := strconv.Unquote(p.src[start:p.pos])
			if err != nil {
				return nil, p.fail("invalid string literal")
			}
			return s, nil
		}
		p.pos++
	}
	return nil, p.fail("unterminated string literal")
}
