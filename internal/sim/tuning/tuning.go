package tuning

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"voxelgrid.dev/internal/protocol"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// Seed is only used when the world database is created.
	Seed   int64  `yaml:"seed"`
	DBPath string `yaml:"db_path"`

	Listen    string `yaml:"listen"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	SentryDSN string `yaml:"sentry_dsn"`
	AuditDir  string `yaml:"audit_dir"`

	Cache   Cache   `yaml:"cache"`
	Session Session `yaml:"session"`
}

type Cache struct {
	MaxResident     int           `yaml:"max_resident"`
	Workers         int           `yaml:"workers"`
	FlushRetries    int           `yaml:"flush_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	CheckpointEvery time.Duration `yaml:"checkpoint_every"`
}

type Session struct {
	MaxRegionBlocks     int           `yaml:"max_region_blocks"`
	MaxRegionRadius     float64       `yaml:"max_region_radius"`
	AuthTimeout         time.Duration `yaml:"auth_timeout"`
	FullBlocksPerSecond float64       `yaml:"full_blocks_per_second"`
	FullBlockBurst      int           `yaml:"full_block_burst"`
	Coalesce            time.Duration `yaml:"coalesce"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: protocol.Version,
		Seed:            1337,
		DBPath:          "./data/world.sqlite",
		Listen:          ":8080",
		AuditDir:        "./data/audit",
		Cache: Cache{
			MaxResident:     4096,
			Workers:         4,
			FlushRetries:    3,
			RetryBackoff:    50 * time.Millisecond,
			CheckpointEvery: 30 * time.Second,
		},
		Session: Session{
			MaxRegionBlocks:     1024,
			MaxRegionRadius:     8,
			AuthTimeout:         10 * time.Second,
			FullBlocksPerSecond: 256,
			FullBlockBurst:      64,
		},
	}
}

// Load reads path on top of Defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.ProtocolVersion != "" && t.ProtocolVersion != protocol.Version {
		errs = append(errs, fmt.Errorf("protocol_version %q, server speaks %q", t.ProtocolVersion, protocol.Version))
	}
	if t.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	if (t.TLSCert == "") != (t.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if t.Cache.MaxResident < 1 {
		errs = append(errs, fmt.Errorf("cache.max_resident %d < 1", t.Cache.MaxResident))
	}
	if t.Cache.Workers < 1 {
		errs = append(errs, fmt.Errorf("cache.workers %d < 1", t.Cache.Workers))
	}
	if t.Cache.FlushRetries < 0 {
		errs = append(errs, fmt.Errorf("cache.flush_retries %d < 0", t.Cache.FlushRetries))
	}
	if t.Cache.CheckpointEvery <= 0 {
		errs = append(errs, fmt.Errorf("cache.checkpoint_every %s must be positive", t.Cache.CheckpointEvery))
	}
	if t.Session.MaxRegionBlocks < 1 {
		errs = append(errs, fmt.Errorf("session.max_region_blocks %d < 1", t.Session.MaxRegionBlocks))
	}
	if r := t.Session.MaxRegionRadius; math.IsNaN(r) || r < 0 {
		errs = append(errs, fmt.Errorf("session.max_region_radius %v", r))
	}
	if t.Session.AuthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.auth_timeout %s must be positive", t.Session.AuthTimeout))
	}
	if t.Session.FullBlocksPerSecond < 0 {
		errs = append(errs, fmt.Errorf("session.full_blocks_per_second %v < 0", t.Session.FullBlocksPerSecond))
	}
	if t.Session.Coalesce < 0 {
		errs = append(errs, fmt.Errorf("session.coalesce %s < 0", t.Session.Coalesce))
	}
	return errors.Join(errs...)
}
