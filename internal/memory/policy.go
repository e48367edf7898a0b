package memory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// Policy is the optional YAML tuning file for the memory router.
// Decoding is strict: unknown keys are rejected rather than ignored, so
// a typo fails loudly at startup instead of silently running defaults.
type Policy struct {
	Namespaces  map[string]NamespacePolicy `yaml:"namespaces"`
	Tiers       TiersPolicy                `yaml:"tiers"`
	Performance PerformancePolicy          `yaml:"performance"`
}

type NamespacePolicy struct {
	Patterns []string `yaml:"patterns"`
	// Isolation "strict" keeps the built-in visibility rule; "none"
	// opens the namespace to every reader.
	Isolation string `yaml:"isolation"`
	// CrossRead lists extra namespaces this one may read. "*" grants
	// all of them; grants are direct, never transitive.
	CrossRead []string `yaml:"cross_read"`
}

type TiersPolicy struct {
	L1Ephemeral  L1TierPolicy `yaml:"L1_ephemeral"`
	L2Vector     L2TierPolicy `yaml:"L2_vector"`
	L3Structured TierPolicy   `yaml:"L3_structured"`
	L4Cold       TierPolicy   `yaml:"L4_cold"`
}

type TierPolicy struct {
	Primary string `yaml:"primary"`
}

type L1TierPolicy struct {
	Primary    string   `yaml:"primary"`
	TTLDefault Duration `yaml:"ttl_default"`
}

type L2TierPolicy struct {
	Primary     string   `yaml:"primary"`
	HybridAlpha *float64 `yaml:"hybrid_alpha"`
}

type PerformancePolicy struct {
	BatchSizes BatchSizes `yaml:"batch_sizes"`
	Cache      CacheTTLs  `yaml:"cache"`
}

type BatchSizes struct {
	Embedding int `yaml:"embedding"`
	Upsert    int `yaml:"upsert"`
	Search    int `yaml:"search"`
}

type CacheTTLs struct {
	SearchTTL    Duration `yaml:"search_ttl"`
	FactTTL      Duration `yaml:"fact_ttl"`
	EmbeddingTTL Duration `yaml:"embedding_ttl"`
}

// Duration decodes either a Go duration string ("90s", "5m") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadPolicy reads and validates a policy file. An empty file is a
// valid empty policy.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open memory policy: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return &Policy{}, nil
		}
		return nil, fault.Wrap(fault.Validation, err, "memory policy rejected")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("namespaces", len(p.Namespaces)).Msg("memory policy loaded")
	return &p, nil
}

// Validate checks value ranges. Unknown keys never get this far; the
// decoder already rejected them.
func (p *Policy) Validate() error {
	for name, ns := range p.Namespaces {
		if !models.Domain(name).IsValid() {
			return fault.Newf(fault.Validation, "memory policy: unknown namespace %q", name)
		}
		switch ns.Isolation {
		case "", "strict", "none":
		default:
			return fault.Newf(fault.Validation, "memory policy: namespace %s: isolation must be strict or none, got %q", name, ns.Isolation)
		}
		for _, g := range ns.CrossRead {
			if g != "*" && !models.Domain(g).IsValid() {
				return fault.Newf(fault.Validation, "memory policy: namespace %s: unknown cross_read target %q", name, g)
			}
		}
	}
	if a := p.Tiers.L2Vector.HybridAlpha; a != nil && (*a < 0 || *a > 1) {
		return fault.Newf(fault.Validation, "memory policy: hybrid_alpha must be within [0, 1], got %g", *a)
	}
	switch p.Tiers.L2Vector.Primary {
	case "", "embedded", "pgvector", "milvus":
	default:
		return fault.Newf(fault.Validation, "memory policy: unknown L2 driver %q", p.Tiers.L2Vector.Primary)
	}
	bs := p.Performance.BatchSizes
	if bs.Embedding < 0 || bs.Upsert < 0 || bs.Search < 0 {
		return fault.New(fault.Validation, "memory policy: batch sizes must not be negative")
	}
	return nil
}

// Visible reports whether a query scoped to from may see chunks stored
// in to, combining the built-in rule with policy grants. A "*" grant
// opens every namespace to from, but only directly: it never cascades
// through another namespace's grants.
func (p *Policy) Visible(from, to models.Domain) bool {
	if searchVisible(from, to) {
		return true
	}
	if p == nil {
		return false
	}
	ns, ok := p.Namespaces[string(from)]
	if !ok {
		return false
	}
	if ns.Isolation == "none" {
		return true
	}
	for _, g := range ns.CrossRead {
		if g == "*" || g == string(to) {
			return true
		}
	}
	return false
}

// ── Effective values ─────────────────────────────────────────

// Alpha returns the hybrid mixing weight, falling back when unset.
func (p *Policy) Alpha(fallback float64) float64 {
	if p != nil && p.Tiers.L2Vector.HybridAlpha != nil {
		return *p.Tiers.L2Vector.HybridAlpha
	}
	return fallback
}

// EmbedBatch returns the embedding batch size, falling back when unset.
func (p *Policy) EmbedBatch(fallback int) int {
	if p != nil && p.Performance.BatchSizes.Embedding > 0 {
		return p.Performance.BatchSizes.Embedding
	}
	return fallback
}

// SearchCacheTTL returns the search result cache TTL.
func (p *Policy) SearchCacheTTL(fallback time.Duration) time.Duration {
	if p != nil && p.Performance.Cache.SearchTTL > 0 {
		return p.Performance.Cache.SearchTTL.Std()
	}
	return fallback
}

// EphemeralTTL returns the default TTL for L1 writes that do not name one.
func (p *Policy) EphemeralTTL(fallback time.Duration) time.Duration {
	if p != nil && p.Tiers.L1Ephemeral.TTLDefault > 0 {
		return p.Tiers.L1Ephemeral.TTLDefault.Std()
	}
	return fallback
}

// VectorDriverKind returns the configured L2 driver kind, empty when
// the policy leaves the choice to configuration.
func (p *Policy) VectorDriverKind() string {
	if p == nil {
		return ""
	}
	return p.Tiers.L2Vector.Primary
}
