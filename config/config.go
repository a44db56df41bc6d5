package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration accepts "10s" style YAML values, which yaml.v3 does not do
// for time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full node configuration. Zero values fall back to
// Default(); a YAML file overrides field by field.
type Config struct {
	DataDir    string   `yaml:"data_dir"`
	ListenAddr string   `yaml:"listen_addr"`
	Seeds      []string `yaml:"seeds"`
	MaxPeers   int      `yaml:"max_peers"`
	LogLevel   string   `yaml:"log_level"`

	BlockInterval Duration `yaml:"block_interval"`
	PegInterval   Duration `yaml:"peg_interval"`
	MaxBlockTxs   int      `yaml:"max_block_txs"`
	MempoolSize   int      `yaml:"mempool_size"`

	Consensus ConsensusConfig `yaml:"consensus"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Peg       PegConfig       `yaml:"peg"`
}

type ConsensusConfig struct {
	MinStake        int64   `yaml:"min_stake"`
	SlashFraction   float64 `yaml:"slash_fraction"`
	SlashReputation int     `yaml:"slash_reputation"`
	EpochBlocks     uint64  `yaml:"epoch_blocks"`
	EpochRewardPool int64   `yaml:"epoch_reward_pool"`
}

type OracleConfig struct {
	FreshnessWindow     Duration `yaml:"freshness_window"`
	StressThreshold     float64  `yaml:"stress_threshold"`
	IssuanceCoefficient float64  `yaml:"issuance_coefficient"`
	TrustedMeters       []string `yaml:"trusted_meters"`
}

type PegConfig struct {
	BasePrice        float64 `yaml:"base_price"`
	PriceSensitivity float64 `yaml:"price_sensitivity"`
	BandDelta        float64 `yaml:"band_delta"`
	Gamma            float64 `yaml:"gamma"`
	MaxAdjustment    float64 `yaml:"max_adjustment"`
}

func Default() *Config {
	return &Config{
		DataDir:       "./data",
		ListenAddr:    "0.0.0.0:7351",
		MaxPeers:      32,
		LogLevel:      "info",
		BlockInterval: Duration(10 * time.Second),
		PegInterval:   Duration(30 * time.Second),
		MaxBlockTxs:   500,
		MempoolSize:   5000,
		Consensus: ConsensusConfig{
			MinStake:        1000,
			SlashFraction:   0.10,
			SlashReputation: 10,
			EpochBlocks:     100,
			EpochRewardPool: 50,
		},
		Oracle: OracleConfig{
			FreshnessWindow:     Duration(24 * time.Hour),
			StressThreshold:     0.95,
			IssuanceCoefficient: 1.0,
		},
		Peg: PegConfig{
			BasePrice:        0.08,
			PriceSensitivity: 0.5,
			BandDelta:        0.05,
			Gamma:            0.3,
			MaxAdjustment:    0.10,
		},
	}
}

// Load reads path over the defaults. A missing file returns defaults
// untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}
