// Package body holds the text rules of a post body, shared by the composing
// client and the server. Both sides enforce the same bounds, always by
// truncation.
package body

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxLenBody is the maximum number of characters in a post body
	MaxLenBody = 2000
	// MaxLinesBody is the maximum number of lines in a post body
	MaxLinesBody = 30
)

var (
	ErrInvalidSplice = errors.New("invalid splice coordinates")
	ErrSpliceNOOP    = errors.New("splice NOOP")
	ErrLineEmpty     = errors.New("line empty")
)

// Count returns the number of characters and lines in s. An empty body has
// one line.
func Count(s string) (chars, lines int) {
	return utf8.RuneCountInString(s), strings.Count(s, "\n") + 1
}

// Clip returns the longest prefix of add, that can be appended to existing
// without exceeding MaxLenBody or MaxLinesBody.
func Clip(existing, add string) string {
	chars, lines := Count(existing)
	i := 0
	for i < len(add) {
		r, size := utf8.DecodeRuneInString(add[i:])
		if chars+1 > MaxLenBody {
			break
		}
		if r == '\n' {
			if lines+1 > MaxLinesBody {
				break
			}
			lines++
		}
		chars++
		i += size
	}
	return add[:i]
}

// Truncate bounds a complete body
func Truncate(s string) string {
	return Clip("", s)
}

// LineStart returns the byte offset of the last line in s
func LineStart(s string) int {
	return strings.LastIndexByte(s, '\n') + 1
}

// LastLine returns the line still open for editing
func LastLine(s string) string {
	return s[LineStart(s):]
}

// Backspace removes the last character of the open line. Committed lines are
// never modified.
func Backspace(s string) (string, error) {
	line := LastLine(s)
	if line == "" {
		return s, ErrLineEmpty
	}
	_, size := utf8.DecodeLastRuneInString(line)
	return s[:len(s)-size], nil
}

// Splice replaces length characters starting at character start of the open
// line with text. A length of -1 replaces everything till the line end. Text
// containing a newline is rejected, as lines are only committed by Append.
func Splice(s string, start, length int, text string) (string, error) {
	prefix := s[:LineStart(s)]
	line := []rune(LastLine(s))
	switch {
	case start < 0, start > len(line), length < -1, length >= 0 && start+length > len(line):
		return s, ErrInvalidSplice
	case length == 0 && text == "":
		return s, ErrSpliceNOOP
	case strings.ContainsRune(text, '\n'):
		return s, ErrInvalidSplice
	}

	var tail []rune
	if length >= 0 {
		tail = line[start+length:]
	}
	head := string(line[:start])
	rest := Clip(prefix+head, text+string(tail))
	return prefix + head + rest, nil
}

// SplitCommit splits the input field's text into a part ready to be committed
// and the part that stays in the input field. Everything up to the last
// newline is committed. Without a newline, all but the last two words are
// committed, or all but the last word, when the input ends with a space. This
// avoids committing words still being typed.
func SplitCommit(input string) (commit, rest string) {
	if i := strings.LastIndexByte(input, '\n'); i != -1 {
		return input[:i+1], input[i+1:]
	}

	var starts []int
	inWord := false
	for i, r := range input {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			starts = append(starts, i)
		}
		inWord = !space
	}

	n := len(starts)
	endsWithSpace := n > 0 && !inWord
	switch {
	case endsWithSpace && n > 1:
		return input[:starts[n-1]], input[starts[n-1]:]
	case n > 2:
		return input[:starts[n-2]], input[starts[n-2]:]
	default:
		return "", input
	}
}
