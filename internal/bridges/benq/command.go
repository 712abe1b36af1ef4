package benq

import (
	"fmt"
	"strings"
	"time"
)

// Action distinguishes queries from set commands.
type Action int

const (
	// ActionQuery asks the projector for the current value (`*key=?#`).
	ActionQuery Action = iota

	// ActionSet changes a value (`*key=value#`).
	ActionSet
)

// queryValue is the value sent on the wire for queries.
const queryValue = "?"

// Command is a single request issued to the projector.
//
// A Command is owned by the dispatcher from the moment it is passed to
// Execute until Execute returns.
type Command struct {
	Key    string
	Value  string
	Action Action

	// Issued is stamped by the dispatcher when the first attempt is written.
	Issued time.Time
}

// Query returns a command reading the current value of key.
func Query(key string) Command {
	return Command{Key: strings.ToLower(key), Action: ActionQuery}
}

// Set returns a command changing key to value.
func Set(key, value string) Command {
	return Command{Key: strings.ToLower(key), Value: value, Action: ActionSet}
}

// IsQuery reports whether the command carries no value.
func (c Command) IsQuery() bool {
	return c.Action == ActionQuery
}

// WireValue is the value as written on the wire.
func (c Command) WireValue() string {
	if c.IsQuery() {
		return queryValue
	}
	return c.Value
}

// String renders the command without framing, e.g. "pow=?".
func (c Command) String() string {
	return c.Key + "=" + c.WireValue()
}

// Validate checks that the command can be framed unambiguously.
func (c Command) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidCommand)
	}
	if !isKey(c.Key) {
		return fmt.Errorf("%w: key %q must be alphanumeric", ErrInvalidCommand, c.Key)
	}
	if c.Action == ActionSet && strings.ContainsAny(c.Value, "*#=\r\n\x00>") {
		return fmt.Errorf("%w: value %q contains framing characters", ErrInvalidCommand, c.Value)
	}
	return nil
}

// Encode frames a command for the wire: <CR>*key=value#<CR>.
func Encode(c Command) []byte {
	line := encodeLine(c)
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, '\r')
	buf = append(buf, line...)
	return append(buf, '\r')
}

// encodeLine returns the command line as the projector echoes it.
func encodeLine(c Command) string {
	return "*" + c.Key + "=" + c.WireValue() + "#"
}

// isKey reports whether s is a lower-case alphanumeric protocol key.
func isKey(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b < 'a' || b > 'z') && (b < '0' || b > '9') {
			return false
		}
	}
	return true
}
