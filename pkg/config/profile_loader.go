package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML deployment profile: the operator-tunable knobs that
// vary between deployments of the same binary.
type Profile struct {
	Name             string           `yaml:"name" json:"name"`
	Thresholds       ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
	Quotas           QuotasConfig     `yaml:"quotas" json:"quotas"`
	Breaker          BreakerConfig    `yaml:"breaker" json:"breaker"`
	Anchor           AnchorConfig     `yaml:"anchor" json:"anchor"`
	MACIMode         string           `yaml:"maci_mode,omitempty" json:"maci_mode,omitempty"` // "strict" | "permissive"
	FallbackRole     string           `yaml:"fallback_role,omitempty" json:"fallback_role,omitempty"`
	ForcedPredicates []string         `yaml:"forced_predicates,omitempty" json:"forced_predicates,omitempty"`
}

// ThresholdsConfig seeds the router. Zero values fall back to defaults.
type ThresholdsConfig struct {
	Fast        float64 `yaml:"fast" json:"fast"`
	HumanReview float64 `yaml:"human_review" json:"human_review"`
	Vote        float64 `yaml:"vote" json:"vote"`
}

// QuotasConfig sets the default ingress quota for agents registered
// without an explicit one.
type QuotasConfig struct {
	DefaultRatePerMinute int `yaml:"default_rate_per_minute" json:"default_rate_per_minute"`
}

// Duration wraps time.Duration so YAML profiles can write "20s".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BreakerConfig tunes circuit breakers on external dependencies.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	Window           Duration `yaml:"window" json:"window"`
	Cooldown         Duration `yaml:"cooldown" json:"cooldown"`
}

// AnchorConfig selects and configures the anchoring backend.
type AnchorConfig struct {
	Backend   string `yaml:"backend" json:"backend"` // "s3" | "gcs" | "memory" | ""
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// LoadProfile reads and parses one profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("config: profile %s: %w", path, err)
	}
	p.fillDefaults()
	return &p, nil
}

// fillDefaults backfills knobs a profile leaves unset so a partial file
// never produces a breaker that trips on the first failure or a zero
// quota.
func (p *Profile) fillDefaults() {
	def := DefaultProfile()
	if p.Quotas.DefaultRatePerMinute == 0 {
		p.Quotas.DefaultRatePerMinute = def.Quotas.DefaultRatePerMinute
	}
	if p.Breaker.FailureThreshold == 0 {
		p.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if p.Breaker.Window == 0 {
		p.Breaker.Window = def.Breaker.Window
	}
	if p.Breaker.Cooldown == 0 {
		p.Breaker.Cooldown = def.Breaker.Cooldown
	}
}

// DefaultProfile returns the built-in profile used when no file is
// configured.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Quotas: QuotasConfig{
			DefaultRatePerMinute: 600,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           Duration(30 * time.Second),
			Cooldown:         Duration(15 * time.Second),
		},
		Anchor: AnchorConfig{
			Backend:   "memory",
			BatchSize: 64,
		},
		MACIMode: "strict",
	}
}

func (p *Profile) validate() error {
	for name, v := range map[string]float64{
		"fast": p.Thresholds.Fast, "human_review": p.Thresholds.HumanReview, "vote": p.Thresholds.Vote,
	} {
		if v != 0 && (v < 0.5 || v > 0.99) {
			return fmt.Errorf("threshold %s %.2f outside [0.50, 0.99]", name, v)
		}
	}
	switch p.Anchor.Backend {
	case "", "memory", "s3", "gcs":
	default:
		return fmt.Errorf("unknown anchor backend %q", p.Anchor.Backend)
	}
	switch p.MACIMode {
	case "", "strict", "permissive":
	default:
		return fmt.Errorf("unknown maci_mode %q", p.MACIMode)
	}
	return nil
}
