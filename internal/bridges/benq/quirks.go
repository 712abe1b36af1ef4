package benq

import (
	"embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultModel is the profile used for unknown models.
const DefaultModel = "default"

//go:embed profiles/quirks.yaml
var builtinProfiles embed.FS

// QuirkProfile describes how one projector model deviates from canonical
// `*key=value#` replies.
//
// Profiles are immutable once loaded and are shared between connections.
type QuirkProfile struct {
	// Model is the lower-case model name the profile applies to.
	Model string `yaml:"model" json:"model"`

	// Prompt strips a leading '>' from replies.
	Prompt bool `yaml:"prompt" json:"prompt"`

	// Echo is how many times the command line is echoed back (0, 1 or 2).
	Echo int `yaml:"echo" json:"echo"`

	// MissingStar accepts KEY=VALUE without the leading '*'. Seen while
	// the projector is in standby.
	MissingStar bool `yaml:"missing_star" json:"missing_star"`

	// TolerantTerminator accepts replies without the trailing '#'.
	TolerantTerminator bool `yaml:"tolerant_terminator" json:"tolerant_terminator"`

	// StripSpaces trims whitespace around '=' and the value.
	StripSpaces bool `yaml:"strip_spaces" json:"strip_spaces"`

	// DoubleEchoKeys lists keys whose command line is echoed twice.
	DoubleEchoKeys []string `yaml:"double_echo_keys" json:"double_echo_keys,omitempty"`

	// BareValueKeys lists keys that may be answered with a bare value,
	// e.g. "W1110" for modelname.
	BareValueKeys []string `yaml:"bare_value_keys" json:"bare_value_keys,omitempty"`

	// Sample is a reply captured from the model.
	Sample string `yaml:"sample" json:"sample,omitempty"`
}

// EchoCount returns how many echoes of key's command line to expect.
func (p *QuirkProfile) EchoCount(key string) int {
	if slices.Contains(p.DoubleEchoKeys, key) {
		return 2
	}
	return p.Echo
}

// AcceptsBareValue reports whether key may be answered without `key=`.
func (p *QuirkProfile) AcceptsBareValue(key string) bool {
	return slices.Contains(p.BareValueKeys, key)
}

func (p *QuirkProfile) validate() error {
	if p.Model == "" {
		return fmt.Errorf("%w: quirk profile without model", ErrInvalidConfig)
	}
	if p.Echo < 0 || p.Echo > 2 {
		return fmt.Errorf("%w: profile %s: echo must be 0, 1 or 2, got %d", ErrInvalidConfig, p.Model, p.Echo)
	}
	return nil
}

// DefaultProfile returns the built-in default profile.
func DefaultProfile() *QuirkProfile {
	return builtinRegistry().Lookup(DefaultModel)
}

// LenientProfile accepts every known deviation. It is used for the
// bootstrap queries issued before the model is known.
func LenientProfile() *QuirkProfile {
	return &QuirkProfile{
		Model:              "lenient",
		Prompt:             true,
		Echo:               1,
		MissingStar:        true,
		TolerantTerminator: true,
		StripSpaces:        true,
		BareValueKeys:      []string{"modelname"},
	}
}

// QuirkRegistry maps model names to profiles.
type QuirkRegistry struct {
	version  int
	profiles map[string]*QuirkProfile
}

type quirkFile struct {
	Version  int            `yaml:"version"`
	Profiles []QuirkProfile `yaml:"profiles"`
}

var (
	builtinOnce sync.Once
	builtin     *QuirkRegistry
)

func builtinRegistry() *QuirkRegistry {
	builtinOnce.Do(func() {
		data, err := builtinProfiles.ReadFile("profiles/quirks.yaml")
		if err != nil {
			panic(fmt.Sprintf("benq: reading embedded quirk profiles: %v", err))
		}
		reg := &QuirkRegistry{profiles: make(map[string]*QuirkProfile)}
		if err := reg.merge(data); err != nil {
			panic(fmt.Sprintf("benq: parsing embedded quirk profiles: %v", err))
		}
		builtin = reg
	})
	return builtin
}

// NewQuirkRegistry returns the built-in profiles, overlaid with the
// profiles in path when path is not empty. Profiles from the file replace
// built-in profiles with the same model name.
func NewQuirkRegistry(path string) (*QuirkRegistry, error) {
	base := builtinRegistry()
	reg := &QuirkRegistry{
		version:  base.version,
		profiles: make(map[string]*QuirkProfile, len(base.profiles)),
	}
	for k, v := range base.profiles {
		reg.profiles[k] = v
	}
	if path == "" {
		return reg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // Path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading quirk profiles: %w", err)
	}
	if err := reg.merge(data); err != nil {
		return nil, fmt.Errorf("parsing quirk profiles %s: %w", path, err)
	}
	return reg, nil
}

func (r *QuirkRegistry) merge(data []byte) error {
	var f quirkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	var errs []string
	for i := range f.Profiles {
		p := f.Profiles[i]
		p.Model = ModelKey(p.Model)
		if err := p.validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		r.profiles[p.Model] = &p
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid profiles: %s", strings.Join(errs, "; "))
	}
	if f.Version > r.version {
		r.version = f.Version
	}
	return nil
}

// Lookup returns the profile for model, or the default profile.
func (r *QuirkRegistry) Lookup(model string) *QuirkProfile {
	if p, ok := r.profiles[ModelKey(model)]; ok {
		return p
	}
	return r.profiles[DefaultModel]
}

// Has reports whether a dedicated profile exists for model.
func (r *QuirkRegistry) Has(model string) bool {
	_, ok := r.profiles[ModelKey(model)]
	return ok
}

// Models returns the model names with a profile, sorted.
func (r *QuirkRegistry) Models() []string {
	models := make([]string, 0, len(r.profiles))
	for m := range r.profiles {
		models = append(models, m)
	}
	slices.Sort(models)
	return models
}

// Version returns the highest version of the loaded profile files.
func (r *QuirkRegistry) Version() int {
	return r.version
}

// ModelKey normalizes a model name for lookup: lower case, anything other
// than letters and digits replaced by '_'.
func ModelKey(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	var b strings.Builder
	b.Grow(len(model))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
