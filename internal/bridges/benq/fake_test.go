package benq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeLink is a half-duplex Transport driven by a respond function. Every
// Write is answered by queuing whatever respond returns for the written
// command line.
type fakeLink struct {
	mu       sync.Mutex
	prompt   bool
	detect   bool
	respond  func(line string) string
	pending  []byte
	chunk    int
	writes   []string
	overlaps int
	openErr  error
	readErr  error
	writeErr error
	opened   int
	closed   int
}

func newFakeLink(respond func(line string) string) *fakeLink {
	return &fakeLink{respond: respond}
}

func (f *fakeLink) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return f.openErr
}

func (f *fakeLink) Read(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			n := len(f.pending)
			if f.chunk > 0 && n > f.chunk {
				n = f.chunk
			}
			out := append([]byte(nil), f.pending[:n]...)
			f.pending = f.pending[n:]
			f.mu.Unlock()
			return out, nil
		}
		if f.readErr != nil {
			err := f.readErr
			f.mu.Unlock()
			return nil, err
		}
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrReadTimeout
		}
		time.Sleep(min(remaining, time.Millisecond))
	}
}

func (f *fakeLink) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	// Unread bytes mean the previous exchange was still on the wire.
	if len(f.pending) > 0 {
		f.overlaps++
	}
	line := strings.Trim(string(p), "\r")
	f.writes = append(f.writes, line)
	if f.respond != nil {
		f.pending = append(f.pending, f.respond(line)...)
	}
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.pending = nil
	return nil
}

func (f *fakeLink) Prompt() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

func (f *fakeLink) DetectPrompt() bool { return f.detect }

func (f *fakeLink) SetPrompt(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = on
}

func (f *fakeLink) String() string { return "fake" }

func (f *fakeLink) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeLink) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeLink) Overlaps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlaps
}

// fail drops the link: nothing more is answered and every Read returns
// err once the bytes already received are consumed.
func (f *fakeLink) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
	f.respond = nil
}

// simProjector answers like a projector on the default profile: the
// command line is echoed, then the reply follows.
type simProjector struct {
	mu sync.Mutex

	// values answer queries and are updated by accepted sets.
	values map[string]string

	// reject answers any command for the key with the error token.
	reject map[string]string

	// accept limits the values a set may use; keys without an entry
	// accept anything.
	accept map[string][]string

	// silent keys are echoed but never answered.
	silent map[string]bool

	// echoOnly keys are echoed on set and never answered.
	echoOnly map[string]bool

	// bare keys are answered with the value alone.
	bare map[string]bool

	// stepOnly keys accept + and - but reject a direct level.
	stepOnly map[string]bool

	echo   int
	prompt bool
}

func newSimProjector(values map[string]string) *simProjector {
	if values == nil {
		values = make(map[string]string)
	}
	return &simProjector{
		values:   values,
		reject:   make(map[string]string),
		accept:   make(map[string][]string),
		silent:   make(map[string]bool),
		echoOnly: make(map[string]bool),
		bare:     make(map[string]bool),
		stepOnly: make(map[string]bool),
		echo:     1,
	}
}

// link returns a fakeLink answering through the simulator.
func (s *simProjector) link() *fakeLink {
	f := newFakeLink(s.respond)
	f.prompt = s.prompt
	return f
}

func (s *simProjector) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *simProjector) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *simProjector) respond(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	// A bare carriage return only brings up a fresh prompt.
	if line == "" {
		b.WriteString("\r\n")
		if s.prompt {
			b.WriteString(">")
		}
		return b.String()
	}
	for range s.echo {
		b.WriteString(line + "\r\n")
	}
	b.WriteString(s.answer(line))
	if s.prompt {
		b.WriteString(">")
	}
	return b.String()
}

func (s *simProjector) answer(line string) string {
	body := strings.TrimSuffix(strings.TrimPrefix(line, "*"), "#")
	key, value, ok := strings.Cut(body, "=")
	if !ok {
		return "*" + TokenIllegalFormat + "#\r\n"
	}
	if token, ok := s.reject[key]; ok {
		return "*" + token + "#\r\n"
	}
	if s.silent[key] {
		return ""
	}

	if value == "?" {
		current, ok := s.values[key]
		if !ok {
			return "*" + TokenUnsupportedItem + "#\r\n"
		}
		if s.bare[key] {
			return current + "\r\n"
		}
		return fmt.Sprintf("*%s=%s#\r\n", strings.ToUpper(key), current)
	}

	if s.echoOnly[key] {
		s.values[key] = value
		return ""
	}
	if allowed, ok := s.accept[key]; ok && !containsFold(allowed, value) {
		return "*" + TokenIllegalFormat + "#\r\n"
	}
	if value == "+" || value == "-" {
		level, err := strconv.Atoi(s.values[key])
		if err != nil {
			return "*" + TokenBlockItem + "#\r\n"
		}
		if value == "+" {
			level++
		} else {
			level--
		}
		s.values[key] = strconv.Itoa(level)
		return fmt.Sprintf("*%s=%s#\r\n", strings.ToUpper(key), value)
	}
	if s.stepOnly[key] {
		return "*" + TokenUnsupportedItem + "#\r\n"
	}
	s.values[key] = value
	return fmt.Sprintf("*%s=%s#\r\n", strings.ToUpper(key), value)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// newTestDispatcher wires a dispatcher with short timeouts to link.
func newTestDispatcher(link Transport, retries int) *Dispatcher {
	return NewDispatcher(link, nil, DispatcherOptions{
		Timeout: 50 * time.Millisecond,
		Retries: retries,
	})
}
