package validate

import (
	"fmt"

	"github.com/protofab/protofab/runtime/forge/session"
)

// QuickSyntaxCheck runs the fast in-process syntax probe over every source
// file: delimiter balance and string/template termination, tracked outside
// comments. It catches the truncated-generation failures LLM output is prone
// to; the type checker handles everything subtler. At most one finding is
// recorded per file.
func QuickSyntaxCheck(files []session.StoredFile) []ParsedError {
	var errs []ParsedError
	for _, f := range files {
		if !isSourceFile(f.Path) {
			continue
		}
		if e := checkSyntax(f.Path, f.Content); e != nil {
			errs = append(errs, *e)
		}
	}
	return errs
}

type delim struct {
	ch   byte
	line int
}

func checkSyntax(path, content string) *ParsedError {
	var stack []delim
	line := 1
	// mode tracks the enclosing lexical context.
	const (
		code = iota
		lineComment
		blockComment
		singleQuote
		doubleQuote
		template
	)
	mode := code
	stringStart := 0

	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
			switch mode {
			case lineComment:
				mode = code
			case singleQuote, doubleQuote:
				return syntaxFinding(path, stringStart, "unterminated string literal")
			}
			continue
		}
		switch mode {
		case lineComment:
		case blockComment:
			if c == '*' && i+1 < len(content) && content[i+1] == '/' {
				mode = code
				i++
			}
		case singleQuote:
			if c == '\\' {
				i++
			} else if c == '\'' {
				mode = code
			}
		case doubleQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				mode = code
			}
		case template:
			if c == '\\' {
				i++
			} else if c == '`' {
				mode = code
			}
		default:
			switch c {
			case '/':
				if i+1 < len(content) {
					switch content[i+1] {
					case '/':
						mode = lineComment
						i++
					case '*':
						mode = blockComment
						i++
					}
				}
			case '\'':
				mode, stringStart = singleQuote, line
			case '"':
				mode, stringStart = doubleQuote, line
			case '`':
				mode, stringStart = template, line
			case '(', '[', '{':
				stack = append(stack, delim{ch: c, line: line})
			case ')', ']', '}':
				if len(stack) == 0 {
					return syntaxFinding(path, line, fmt.Sprintf("unexpected closing %q", c))
				}
				open := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if closer(open.ch) != c {
					return syntaxFinding(path, line, fmt.Sprintf("mismatched %q closed by %q", open.ch, c))
				}
			}
		}
	}
	switch mode {
	case singleQuote, doubleQuote:
		return syntaxFinding(path, stringStart, "unterminated string literal")
	case template:
		return syntaxFinding(path, stringStart, "unterminated template literal")
	case blockComment:
		return syntaxFinding(path, line, "unterminated block comment")
	}
	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return syntaxFinding(path, open.line, fmt.Sprintf("unclosed %q", open.ch))
	}
	return nil
}

func closer(open byte) byte {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}

func syntaxFinding(path string, line int, msg string) *ParsedError {
	return &ParsedError{
		Category: CategorySyntaxError,
		Message:  msg,
		Raw:      fmt.Sprintf("%s:%d: %s", path, line, msg),
		File:     path,
		Line:     line,
	}
}
