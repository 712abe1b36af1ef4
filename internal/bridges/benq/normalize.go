package benq

import (
	"strings"
)

// whitespace is trimmed from frames; projectors pad with NUL as well.
const whitespace = " \t\r\n\x00"

// Error tokens sent instead of a reply. Matching is case-insensitive and
// ignores the surrounding '*' and '#'.
const (
	TokenIllegalFormat   = "Illegal format"
	TokenBlockItem       = "Block item"
	TokenUnsupportedItem = "Unsupported item"
)

var errorTokens = []string{TokenIllegalFormat, TokenBlockItem, TokenUnsupportedItem}

// FrameKind classifies a normalized frame.
type FrameKind int

const (
	// FrameMalformed could not be repaired by the profile.
	FrameMalformed FrameKind = iota

	// FrameReply is a `*key=value#` reply.
	FrameReply

	// FrameError is one of the error tokens.
	FrameError

	// FrameBare is a value without key, only meaningful for keys the
	// profile lists in BareValueKeys.
	FrameBare

	// FrameEmpty is an empty line, sent by some models instead of an echo.
	FrameEmpty
)

func (k FrameKind) String() string {
	switch k {
	case FrameReply:
		return "reply"
	case FrameError:
		return "error"
	case FrameBare:
		return "bare"
	case FrameEmpty:
		return "empty"
	default:
		return "malformed"
	}
}

// ResponseFrame is one frame after quirk normalization.
type ResponseFrame struct {
	// Raw is the frame as received, trimmed.
	Raw string

	// Line is Raw with a leading prompt removed; echoes are compared
	// against it.
	Line string

	Kind  FrameKind
	Key   string
	Value string
	Token string
}

// Malformed reports whether the frame could not be normalized.
func (f ResponseFrame) Malformed() bool {
	return f.Kind == FrameMalformed
}

// Normalize repairs a raw frame using profile. Frames the profile does not
// anticipate come back with Kind FrameMalformed.
func Normalize(raw []byte, profile *QuirkProfile) ResponseFrame {
	s := strings.Trim(string(raw), whitespace)
	frame := ResponseFrame{Raw: s, Line: s}

	if profile.Prompt {
		s = strings.Trim(strings.TrimLeft(s, string(promptChar)), whitespace)
		frame.Line = s
	}
	if s == "" {
		frame.Kind = FrameEmpty
		return frame
	}

	if tok, ok := matchErrorToken(s); ok {
		frame.Kind = FrameError
		frame.Token = tok
		return frame
	}

	body := s
	hasStar := strings.HasPrefix(body, "*")
	body = strings.TrimPrefix(body, "*")
	hasHash := strings.HasSuffix(body, "#")
	body = strings.TrimSuffix(body, "#")

	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		value := strings.Trim(body, whitespace)
		if value != "" && !strings.ContainsAny(value, "*#") {
			frame.Kind = FrameBare
			frame.Value = value
		}
		return frame
	}

	if !hasStar && !profile.MissingStar {
		return frame
	}
	// A missing star also allows a missing terminator: standby replies on
	// such models come as a bare KEY=VALUE line.
	if !hasHash && !profile.TolerantTerminator && (hasStar || !profile.MissingStar) {
		return frame
	}

	key, value := body[:eq], body[eq+1:]
	if profile.StripSpaces {
		key = strings.Trim(key, whitespace)
		value = strings.Trim(value, whitespace)
	} else if strings.Trim(value, whitespace) != value {
		return frame
	}

	key = strings.ToLower(key)
	if !isKey(key) || strings.ContainsAny(value, "*#=") {
		return frame
	}

	frame.Kind = FrameReply
	frame.Key = key
	frame.Value = value
	return frame
}

func matchErrorToken(s string) (string, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "*"), "#")
	s = strings.Trim(s, whitespace)
	for _, tok := range errorTokens {
		if strings.EqualFold(s, tok) {
			return tok, true
		}
	}
	return "", false
}
