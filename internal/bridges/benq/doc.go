// Package benq implements the BenQ projector protocol engine and its
// Gray Logic bridge.
//
// BenQ projectors accept ASCII commands of the form "*key=value#" over
// RS232 or a network port (usually 8000). Replies echo the command and
// answer with "*key=value#", or with an error token such as
// "*Block item#". Firmware differs widely in the details: some models
// send a '>' prompt, some drop the leading '*', some omit the
// terminator, some pad values with spaces, some echo twice. This package
// hides those differences behind quirk profiles.
//
// # Architecture
//
//	┌─────────────┐  MQTT  ┌──────────────────────────┐  serial/telnet  ┌───────────┐
//	│ Gray Logic  │◄──────►│ Bridge                   │◄───────────────►│ Projector │
//	│    Core     │        │  Monitor, Examiner       │                 └───────────┘
//	└─────────────┘        │  Dispatcher ─► Transport │
//	                       │  Framer ─► Normalize     │
//	                       │  DeviceState             │
//	                       └──────────────────────────┘
//
// # Key Responsibilities
//
//   - Split the byte stream into frames (Framer)
//   - Map model-specific replies to canonical frames (Normalize, QuirkProfile)
//   - Serialise commands with timeout and retry (Dispatcher)
//   - Track the last confirmed value of every key (DeviceState)
//   - Discover supported commands and modes (Examiner)
//   - Poll for changes and report them (Monitor)
//   - Publish state, acknowledgments and health over MQTT (Bridge)
//
// # Example
//
//	t, err := benq.NewTelnetTransport(benq.TelnetConfig{Host: "10.0.0.40"})
//	if err != nil {
//	    return err
//	}
//	p := benq.NewProjector(t, benq.ProjectorOptions{Retries: benq.DefaultRetries})
//	if err := p.Connect(ctx); err != nil {
//	    return err
//	}
//	defer p.Close()
//	value, err := p.Query(ctx, "ltim") // lamp hours
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// The dispatcher admits one command at a time in arrival order.
package benq
