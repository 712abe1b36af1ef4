package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingPruner struct {
	mu    sync.Mutex
	calls int
	ages  []time.Duration
	err   error
}

func (p *countingPruner) PruneHistory(_ context.Context, olderThan time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.ages = append(p.ages, olderThan)
	return 3, p.err
}

func (p *countingPruner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func TestRunPruner_RunsImmediatelyAndOnInterval(t *testing.T) {
	p := &countingPruner{}
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunPruner(ctx, p, 90*24*time.Hour, 10*time.Millisecond, logger)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.Calls() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPruner did not return after cancel")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 90*24*time.Hour, p.ages[0])

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.NotEmpty(t, logger.infos)
}

func TestRunPruner_DisabledRetention(t *testing.T) {
	p := &countingPruner{}

	RunPruner(context.Background(), p, 0, time.Millisecond, nil)
	assert.Equal(t, 0, p.Calls())
}

func TestRunPruner_LogsErrors(t *testing.T) {
	p := &countingPruner{err: errors.New("disk I/O error")}
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Already cancelled: the initial prune still runs, then the loop exits.
	RunPruner(ctx, p, time.Hour, time.Hour, logger)

	assert.Equal(t, 1, p.Calls())
	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Equal(t, []string{"pruning state history failed"}, logger.errors)
}
