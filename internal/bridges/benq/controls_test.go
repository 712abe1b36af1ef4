package benq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioSim() *simProjector {
	sim := w1070()
	sim.set("vol", "5")
	sim.set("mute", "OFF")
	sim.set("sour", "HDMI")
	return sim
}

func capabilities(commands []string, sources []string) *ExaminationReport {
	report := newReport()
	report.Complete = true
	report.SupportedCommands = commands
	report.SupportedSources = sources
	return report
}

func TestProjector_VolumeUpDown(t *testing.T) {
	sim := audioSim()
	p, link := newTestProjector(t, sim, ProjectorOptions{})
	ctx := context.Background()

	level, err := p.VolumeUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, level)
	assert.Equal(t, "6", sim.get("vol"))

	level, err = p.VolumeDown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, level)

	value, ok := p.State().Get(VolumeKey)
	require.True(t, ok)
	assert.Equal(t, "5", value, "the cache holds the level, not the step")
	assert.Contains(t, link.Writes(), "*vol=+#")
	assert.Contains(t, link.Writes(), "*vol=-#")
}

func TestProjector_VolumeBounds(t *testing.T) {
	tests := []struct {
		name  string
		level string
		up    bool
	}{
		{"above maximum", "20", true},
		{"below minimum", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := audioSim()
			sim.set("vol", tt.level)
			p, link := newTestProjector(t, sim, ProjectorOptions{})
			before := link.WriteCount()

			var err error
			if tt.up {
				_, err = p.VolumeUp(context.Background())
			} else {
				_, err = p.VolumeDown(context.Background())
			}
			assert.ErrorIs(t, err, ErrInvalidCommand)
			assert.Equal(t, tt.level, sim.get("vol"))
			assert.Equal(t, []string{"*vol=?#"}, link.Writes()[before:], "only the level is read")
		})
	}
}

func TestProjector_SetVolumeDirect(t *testing.T) {
	sim := audioSim()
	p, link := newTestProjector(t, sim, ProjectorOptions{})

	level, err := p.SetVolume(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, 12, level)
	assert.Equal(t, "12", sim.get("vol"))
	assert.Contains(t, link.Writes(), "*vol=12#")
}

func TestProjector_SetVolumeAlreadyAtLevel(t *testing.T) {
	p, link := newTestProjector(t, audioSim(), ProjectorOptions{})
	before := link.WriteCount()

	level, err := p.SetVolume(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, level)
	assert.Equal(t, []string{"*vol=?#"}, link.Writes()[before:])
}

func TestProjector_SetVolumeFallsBackToSteps(t *testing.T) {
	sim := audioSim()
	sim.stepOnly["vol"] = true
	p, link := newTestProjector(t, sim, ProjectorOptions{})
	ctx := context.Background()

	level, err := p.SetVolume(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, level)
	assert.Equal(t, "7", sim.get("vol"))

	before := link.WriteCount()
	level, err = p.SetVolume(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, level)
	assert.NotContains(t, link.Writes()[before:], "*vol=6#", "a rejected direct level is not tried again")
	assert.Contains(t, link.Writes()[before:], "*vol=-#")
}

func TestProjector_SetVolumeOutOfRange(t *testing.T) {
	p, link := newTestProjector(t, audioSim(), ProjectorOptions{})
	before := link.WriteCount()

	_, err := p.SetVolume(context.Background(), MaxVolume+1)
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, before, link.WriteCount())
}

func TestProjector_SetVolumeOtherRejection(t *testing.T) {
	sim := audioSim()
	p, _ := newTestProjector(t, sim, ProjectorOptions{})
	sim.accept["vol"] = []string{"+", "-"}

	_, err := p.SetVolume(context.Background(), 9)
	assert.ErrorIs(t, err, ErrCommandRejected)
	assert.Equal(t, "5", sim.get("vol"))
}

func TestProjector_Mute(t *testing.T) {
	sim := audioSim()
	p, link := newTestProjector(t, sim, ProjectorOptions{})
	ctx := context.Background()

	require.NoError(t, p.Mute(ctx, true))
	assert.Equal(t, "on", sim.get("mute"))
	require.NoError(t, p.Mute(ctx, false))
	assert.Equal(t, "off", sim.get("mute"))
	assert.Contains(t, link.Writes(), "*mute=on#")
	assert.Contains(t, link.Writes(), "*mute=off#")
}

func TestProjector_SelectSource(t *testing.T) {
	tests := []struct {
		name    string
		sources []string
		source  string
		wantErr error
		want    string
	}{
		{"no report allows anything", nil, "rgb", nil, "rgb"},
		{"supported source", []string{"hdmi", "hdmi2"}, "HDMI2", nil, "hdmi2"},
		{"unsupported source", []string{"hdmi"}, "usb", ErrUnsupported, "HDMI"},
		{"empty source", nil, " ", ErrInvalidCommand, "HDMI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := audioSim()
			p, _ := newTestProjector(t, sim, ProjectorOptions{})
			if tt.sources != nil {
				p.SetCapabilities(capabilities([]string{"pow", "sour"}, tt.sources))
			}

			err := p.SelectSource(context.Background(), tt.source)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, sim.get("sour"))
		})
	}
}

func TestProjector_CapabilitiesGateControls(t *testing.T) {
	p, link := newTestProjector(t, audioSim(), ProjectorOptions{})
	p.SetCapabilities(capabilities([]string{"pow", "sour"}, []string{"hdmi"}))
	ctx := context.Background()
	before := link.WriteCount()

	_, err := p.VolumeUp(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = p.SetVolume(ctx, 3)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, p.Mute(ctx, true), ErrUnsupported)
	assert.Equal(t, before, link.WriteCount(), "unsupported commands never reach the wire")

	assert.True(t, p.Supports("SOUR"))
	assert.False(t, p.Supports("vol"))
}

func TestProjector_IncompleteReportIgnored(t *testing.T) {
	p, _ := newTestProjector(t, audioSim(), ProjectorOptions{})
	report := capabilities([]string{"pow"}, nil)
	report.Complete = false

	p.SetCapabilities(report)
	assert.Nil(t, p.Capabilities())
	assert.True(t, p.Supports("vol"))
}
