package benq

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor issues commands. *Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, cmd Command, timeout time.Duration) (Reply, error)
	State() *DeviceState
}

var _ Executor = (*Dispatcher)(nil)

// Outcome classifies one query.
type Outcome string

// Examination outcomes.
const (
	OutcomeSupported   Outcome = "supported"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeUnknown     Outcome = "unknown"
)

// ExamineEvent reports progress of an examination.
type ExamineEvent struct {
	// Key is the command or mode key queried.
	Key string

	// Value is set while trying the values of a mode family.
	Value string

	Result Outcome
}

// ExaminationReport is what a single examination run discovered.
type ExaminationReport struct {
	ID         string    `json:"id"`
	Model      string    `json:"model,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Complete is false when the run was cancelled or the connection was
	// lost; everything recorded up to that point is still valid.
	Complete bool `json:"complete"`

	SupportedCommands []string `json:"supported_commands"`

	// UnsupportedCommands maps a key to the error token it was rejected with.
	UnsupportedCommands map[string]string `json:"unsupported_commands"`

	// UnknownCommands exhausted their retries; nothing is asserted about them.
	UnknownCommands []string `json:"unknown_commands"`

	SupportedSources      []string `json:"supported_sources"`
	SupportedPictureModes []string `json:"supported_picture_modes"`

	// Modes holds the supported values of every queried mode family,
	// sources and picture modes included.
	Modes map[string][]string `json:"modes"`

	// SkippedModes lists supported mode keys that were not queried because
	// the projector was not powered on.
	SkippedModes []string `json:"skipped_modes,omitempty"`

	// Samples holds the raw value each supported key answered with.
	Samples map[string]string `json:"samples"`
}

// Supports reports whether key was found supported.
func (r *ExaminationReport) Supports(key string) bool {
	return slices.Contains(r.SupportedCommands, key)
}

func newReport() *ExaminationReport {
	return &ExaminationReport{
		ID:                    uuid.NewString(),
		StartedAt:             time.Now().UTC(),
		SupportedCommands:     []string{},
		UnsupportedCommands:   make(map[string]string),
		UnknownCommands:       []string{},
		SupportedSources:      []string{},
		SupportedPictureModes: []string{},
		Modes:                 make(map[string][]string),
		Samples:               make(map[string]string),
	}
}

// ExaminerOptions tune an examination.
type ExaminerOptions struct {
	// Timeout is the per-attempt timeout for queries. Zero uses the
	// dispatcher default.
	Timeout time.Duration

	// QueryDelay separates consecutive queries; some models refuse
	// commands sent back to back.
	QueryDelay time.Duration

	// Progress, when set, is called after every query.
	Progress func(ExamineEvent)
}

// Examiner discovers which commands and mode values a projector supports.
type Examiner struct {
	exec Executor
	opts ExaminerOptions

	logger   Logger
	loggerMu sync.RWMutex
}

// NewExaminer creates an examiner issuing queries through exec.
func NewExaminer(exec Executor, opts ExaminerOptions) *Examiner {
	return &Examiner{exec: exec, opts: opts}
}

// SetLogger sets the logger for this examiner.
func (e *Examiner) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

// Examine queries every candidate key in tables, then the values of each
// supported mode family. Queries are strictly sequential.
//
// Cancellation is checked between queries. A cancelled run, or one that
// lost the connection, returns the partial report with Complete set to
// false together with the error.
//
// Parameters:
//   - ctx: Cancels the run between queries
//   - tables: Candidate keys and mode values
//
// Returns:
//   - *ExaminationReport: Never nil
//   - error: ctx error or ErrConnectionLost when the run did not complete
func (e *Examiner) Examine(ctx context.Context, tables *CandidateTables) (*ExaminationReport, error) {
	report := newReport()
	defer func() {
		report.FinishedAt = time.Now().UTC()
		if model, ok := e.exec.State().Get("modelname"); ok {
			report.Model = strings.ToLower(model)
		}
	}()

	e.logInfo("examining supported commands", "candidates", len(tables.Examined()))
	first := true
	for _, key := range tables.Examined() {
		if err := e.pause(ctx, first); err != nil {
			return report, err
		}
		first = false

		reply, err := e.exec.Execute(ctx, Query(key), e.opts.Timeout)
		result, fatal := e.classify(err)
		if fatal != nil {
			return report, fatal
		}

		switch result {
		case OutcomeSupported:
			report.SupportedCommands = append(report.SupportedCommands, key)
			report.Samples[key] = reply.Value
		case OutcomeUnsupported:
			report.UnsupportedCommands[key] = rejectionToken(err)
		default:
			report.UnknownCommands = append(report.UnknownCommands, key)
		}
		e.progress(ExamineEvent{Key: key, Result: result})
	}

	for _, family := range tables.Modes {
		if !report.Supports(family.Key) {
			continue
		}
		if !e.exec.State().PoweredOn() {
			report.SkippedModes = append(report.SkippedModes, family.Key)
			continue
		}

		e.logInfo("examining "+family.Name, "key", family.Key, "candidates", len(family.Values))
		values, err := e.tryModeValues(ctx, family, report.Samples[family.Key])
		report.Modes[family.Key] = values
		switch family.Key {
		case SourceKey:
			report.SupportedSources = values
		case PictureModeKey:
			report.SupportedPictureModes = values
		}
		if err != nil {
			return report, err
		}
	}

	report.Complete = true
	return report, nil
}

// tryModeValues sets each candidate value and confirms it reads back. The
// value active before the run is restored afterwards.
func (e *Examiner) tryModeValues(ctx context.Context, family ModeFamily, original string) ([]string, error) {
	supported := []string{}
	current := original
	lost := false

	defer func() {
		if lost || original == "" || strings.EqualFold(current, original) {
			return
		}
		// Restore even when the run was cancelled.
		restoreCtx := context.WithoutCancel(ctx)
		if _, err := e.exec.Execute(restoreCtx, Set(family.Key, original), e.opts.Timeout); err != nil {
			e.logWarn("restoring mode failed", "key", family.Key, "value", original, "error", err)
		}
	}()

	for _, value := range family.Values {
		if err := e.pause(ctx, false); err != nil {
			return supported, err
		}

		_, err := e.exec.Execute(ctx, Set(family.Key, value), e.opts.Timeout)
		result, fatal := e.classify(err)
		if fatal != nil {
			lost = errors.Is(fatal, ErrConnectionLost)
			return supported, fatal
		}
		if result == OutcomeSupported {
			current = value
			reply, qerr := e.exec.Execute(ctx, Query(family.Key), e.opts.Timeout)
			result, fatal = e.classify(qerr)
			if fatal != nil {
				lost = errors.Is(fatal, ErrConnectionLost)
				return supported, fatal
			}
			if result == OutcomeSupported {
				current = reply.Value
				if !strings.EqualFold(reply.Value, value) {
					result = OutcomeUnsupported
				}
			}
		}

		if result == OutcomeSupported {
			supported = append(supported, value)
		}
		e.progress(ExamineEvent{Key: family.Key, Value: value, Result: result})
	}
	return supported, nil
}

// classify maps an Execute error to an outcome. Cancellation and
// connection loss are returned as fatal.
func (e *Examiner) classify(err error) (Outcome, error) {
	switch {
	case err == nil:
		return OutcomeSupported, nil
	case errors.Is(err, ErrConnectionLost):
		return "", err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	case errors.Is(err, ErrCommandRejected):
		return OutcomeUnsupported, nil
	default:
		return OutcomeUnknown, nil
	}
}

func rejectionToken(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Token
	}
	return ""
}

// pause waits the query delay, returning early when ctx ends.
func (e *Examiner) pause(ctx context.Context, first bool) error {
	if first || e.opts.QueryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(e.opts.QueryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Examiner) progress(ev ExamineEvent) {
	if e.opts.Progress != nil {
		e.opts.Progress(ev)
	}
}

func (e *Examiner) logInfo(msg string, keysAndValues ...any) {
	e.loggerMu.RLock()
	logger := e.logger
	e.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (e *Examiner) logWarn(msg string, keysAndValues ...any) {
	e.loggerMu.RLock()
	logger := e.logger
	e.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
