package benq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Audio keys and the volume range shared by all BenQ models.
const (
	VolumeKey = "vol"
	MuteKey   = "mute"
	MaxVolume = 20
)

// Step values for relative commands such as vol=+.
const (
	StepUp   = "+"
	StepDown = "-"
)

func isStep(value string) bool {
	return value == StepUp || value == StepDown
}

// SetCapabilities records what the projector supports. Until a report is
// set every command is allowed. Incomplete reports are ignored.
func (p *Projector) SetCapabilities(report *ExaminationReport) {
	if report != nil && !report.Complete {
		return
	}
	p.mu.Lock()
	p.capabilities = report
	p.mu.Unlock()
}

// Capabilities returns the report set with SetCapabilities, nil if none.
func (p *Projector) Capabilities() *ExaminationReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilities
}

// Supports reports whether key may be sent to the projector. It is true
// when nothing is known about the model.
func (p *Projector) Supports(key string) bool {
	report := p.Capabilities()
	return report == nil || report.Supports(strings.ToLower(key))
}

func (p *Projector) checkSupported(key string) error {
	if !p.Supports(key) {
		return fmt.Errorf("%w: %s", ErrUnsupported, key)
	}
	return nil
}

// Volume returns the cached volume level, querying it when nothing is
// cached.
func (p *Projector) Volume(ctx context.Context) (int, error) {
	value, ok := p.state.Get(VolumeKey)
	if !ok || isStep(value) {
		v, err := p.Query(ctx, VolumeKey)
		if err != nil {
			return 0, err
		}
		value = v
	}
	level, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: volume %q", ErrMalformedReply, value)
	}
	return level, nil
}

// VolumeUp raises the volume by one step and returns the new level.
func (p *Projector) VolumeUp(ctx context.Context) (int, error) {
	return p.stepVolume(ctx, 1)
}

// VolumeDown lowers the volume by one step and returns the new level.
func (p *Projector) VolumeDown(ctx context.Context) (int, error) {
	return p.stepVolume(ctx, -1)
}

func (p *Projector) stepVolume(ctx context.Context, delta int) (int, error) {
	if err := p.checkSupported(VolumeKey); err != nil {
		return 0, err
	}
	current, err := p.Volume(ctx)
	if err != nil {
		return 0, err
	}
	if next := current + delta; next < 0 || next > MaxVolume {
		return current, fmt.Errorf("%w: volume %d outside 0-%d", ErrInvalidCommand, next, MaxVolume)
	}

	step := StepUp
	if delta < 0 {
		step = StepDown
	}
	if _, err := p.Execute(ctx, Set(VolumeKey, step), 0); err != nil {
		return current, err
	}
	return p.refreshVolume(ctx)
}

// refreshVolume reads the level back after a step.
func (p *Projector) refreshVolume(ctx context.Context) (int, error) {
	value, err := p.Query(ctx, VolumeKey)
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: volume %q", ErrMalformedReply, value)
	}
	return level, nil
}

// SetVolume moves the volume to level. Models that reject a direct level
// with "Unsupported item" are stepped there one vol=+ or vol=- at a time,
// and the session keeps stepping from then on.
//
// Parameters:
//   - ctx: Bounds every command sent
//   - level: Target level, 0 to MaxVolume
//
// Returns:
//   - int: The level reached
//   - error: ErrInvalidCommand for an out of range level, or the first
//     command error
func (p *Projector) SetVolume(ctx context.Context, level int) (int, error) {
	if err := p.checkSupported(VolumeKey); err != nil {
		return 0, err
	}
	if level < 0 || level > MaxVolume {
		return 0, fmt.Errorf("%w: volume %d outside 0-%d", ErrInvalidCommand, level, MaxVolume)
	}

	current, err := p.Volume(ctx)
	if err != nil {
		return 0, err
	}
	if current == level {
		return level, nil
	}

	if !p.volumeSteps.Load() {
		_, err := p.Execute(ctx, Set(VolumeKey, strconv.Itoa(level)), 0)
		if err == nil {
			return level, nil
		}
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.Token != TokenUnsupportedItem {
			return current, err
		}
		p.volumeSteps.Store(true)
		p.logInfo("direct volume level unsupported, stepping instead", "model", p.Model())
	}

	for current != level {
		if current < level {
			current, err = p.VolumeUp(ctx)
		} else {
			current, err = p.VolumeDown(ctx)
		}
		if err != nil {
			return current, err
		}
	}
	return current, nil
}

// Mute mutes or unmutes the audio.
func (p *Projector) Mute(ctx context.Context, muted bool) error {
	if err := p.checkSupported(MuteKey); err != nil {
		return err
	}
	value := "off"
	if muted {
		value = "on"
	}
	_, err := p.Execute(ctx, Set(MuteKey, value), 0)
	return err
}

// SelectSource switches the video input. The source is checked against
// the sources the last examination found.
func (p *Projector) SelectSource(ctx context.Context, source string) error {
	if err := p.checkSupported(SourceKey); err != nil {
		return err
	}
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidCommand)
	}
	if report := p.Capabilities(); report != nil && len(report.SupportedSources) > 0 &&
		!slices.Contains(report.SupportedSources, source) {
		return fmt.Errorf("%w: source %s", ErrUnsupported, source)
	}
	_, err := p.Execute(ctx, Set(SourceKey, source), 0)
	return err
}
