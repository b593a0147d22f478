package repl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Responses from the device carry no framing, so every check on their text
// lives in this file. Callers only see Outcome values and parsed numbers.

const (
	// RawBanner is printed when the interpreter enters raw mode
	RawBanner = "raw REPL; CTRL-B to exit"
	// FriendlyBanner is part of the greeting of the interactive prompt
	FriendlyBanner = "for more information"
	// ExistsMarker is printed by generated statements when the target already exists
	ExistsMarker = "MPYSYNC:EEXIST"

	tracebackMarker = "Traceback (most recent call last)"
)

// Kind tags the outcome of a remote statement
type Kind int

const (
	KindOK Kind = iota
	KindAlreadyExists
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindAlreadyExists:
		return "already-exists"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of a remote statement
type Outcome struct {
	Kind   Kind
	Detail string
}

// Classify inspects a response and reports whether the statement failed.
// Raw-mode execution replies are laid out as "OK<stdout>\x04<stderr>\x04>";
// a non-empty stderr section or a traceback anywhere is an error.
func Classify(resp string) Outcome {
	if stderr := rawStderr(resp); stderr != "" {
		return Outcome{Kind: KindError, Detail: lastLine(stderr)}
	}
	if i := strings.Index(resp, tracebackMarker); i >= 0 {
		return Outcome{Kind: KindError, Detail: lastLine(resp[i:])}
	}
	if strings.Contains(resp, ExistsMarker) {
		return Outcome{Kind: KindAlreadyExists}
	}
	return Outcome{Kind: KindOK}
}

// ReplyComplete reports whether resp holds a whole raw-mode execution
// reply: "OK" followed by the terminators of both the stdout and the stderr
// section.
func ReplyComplete(resp string) bool {
	i := strings.Index(resp, "OK")
	return i >= 0 && strings.Count(resp[i+2:], string(CtrlExecute)) >= 2
}

// HasBanner reports whether resp contains banner.
func HasBanner(resp, banner string) bool {
	return banner != "" && strings.Contains(resp, banner)
}

// ParseSize extracts the integer printed right after the echoed statement
// in a friendly-prompt response. Anchoring on the statement keeps banners,
// stray prompts and earlier output from being mistaken for the value.
func ParseSize(resp, statement string) (int64, bool) {
	pattern := regexp.QuoteMeta(statement) + `[ \t]*\r?\n[\r\n]*[ \t]*(-?\d+)[ \t]*(?:\r?\n|$)`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, false
	}
	m := re.FindStringSubmatch(resp)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// rawStderr returns the trimmed stderr section of a raw-mode reply.
func rawStderr(resp string) string {
	first := strings.IndexByte(resp, CtrlExecute)
	if first < 0 {
		return ""
	}
	rest := resp[first+1:]
	second := strings.IndexByte(rest, CtrlExecute)
	if second < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:second])
}

func lastLine(s string) string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' })
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(strings.Trim(lines[i], "\x04>"))
		if line != "" {
			return line
		}
	}
	return strings.TrimSpace(s)
}
