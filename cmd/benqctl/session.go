package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/logging"
)

// recordingLayout names recording files, e.g. 20261017-203015.txt.
const recordingLayout = "20060102-150405"

// session is a connected projector plus whatever has to be released with it.
type session struct {
	projector *benq.Projector
	recording *os.File
	log       *logging.Logger
}

// openSession builds the configured transport and connects to the projector.
//
// Parameters:
//   - ctx: Bounds connecting and model discovery
//   - cfg: Application configuration (transport, protocol, recording)
//   - log: Logger for the session
//
// Returns:
//   - *session: Connected session; call Close when done
//   - error: If the transport is misconfigured or the projector cannot be reached
func openSession(ctx context.Context, cfg *config.Config, log *logging.Logger) (*session, error) {
	s := &session{log: log}

	tcfg := transportConfig(cfg)
	if cfg.Recording.Enabled {
		f, err := createRecording(cfg.Recording.Directory, time.Now())
		if err != nil {
			return nil, err
		}
		s.recording = f
		tcfg.Record = f
		log.Info("recording projector output", "file", f.Name())
	}

	transport, err := benq.NewTransport(tcfg)
	if err != nil {
		s.closeRecording()
		return nil, err
	}

	quirks, err := benq.NewQuirkRegistry(cfg.Protocol.QuirksFile)
	if err != nil {
		s.closeRecording()
		return nil, err
	}

	s.projector = benq.NewProjector(transport, benq.ProjectorOptions{
		ModelHint:    cfg.Device.ModelHint,
		Quirks:       quirks,
		Timeout:      cfg.Protocol.ResponseTimeout,
		Retries:      cfg.Protocol.Retries,
		PowerOnTime:  cfg.Protocol.PowerOnTime,
		PowerOffTime: cfg.Protocol.PowerOffTime,
	})
	s.projector.SetLogger(log.Component("projector"))

	log.Info("connecting to projector", "transport", transport.String())
	if err := s.projector.Connect(ctx); err != nil {
		// The transport may have opened before discovery failed.
		if cerr := s.projector.Close(); cerr != nil {
			log.Debug("closing transport after failed connect", "error", cerr)
		}
		s.closeRecording()
		return nil, fmt.Errorf("connecting to projector: %w", err)
	}
	log.Info("projector connected",
		"model", s.projector.Model(),
		"power", s.projector.PowerStatus().String(),
	)

	return s, nil
}

// Close disconnects from the projector and closes the recording.
func (s *session) Close() error {
	s.log.Info("disconnecting from projector")
	err := s.projector.Close()
	s.closeRecording()
	return err
}

func (s *session) closeRecording() {
	if s.recording == nil {
		return
	}
	if err := s.recording.Close(); err != nil {
		s.log.Error("closing recording", "error", err)
	}
	s.recording = nil
}

// transportConfig maps the transport section onto the engine's settings.
func transportConfig(cfg *config.Config) benq.TransportConfig {
	return benq.TransportConfig{
		Type: cfg.Transport.Type,
		Serial: benq.SerialConfig{
			Port:     cfg.Transport.Serial.Port,
			BaudRate: cfg.Transport.Serial.BaudRate,
		},
		Telnet: benq.TelnetConfig{
			Host:        cfg.Transport.Telnet.Host,
			Port:        cfg.Transport.Telnet.Port,
			DialTimeout: cfg.Transport.Telnet.DialTimeout,
			Prompt:      cfg.Transport.Telnet.Prompt,
		},
	}
}

// createRecording creates dir/YYYYMMDD-HHMMSS.txt.
func createRecording(dir string, now time.Time) (*os.File, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}
	name := filepath.Join(dir, now.Format(recordingLayout)+".txt")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // Path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	return f, nil
}
