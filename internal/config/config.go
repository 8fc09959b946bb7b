// Package config binds the capsule storage core's environment configuration:
// the SPACE_ prefixed environment variables and an optional non-secret
// config file, via github.com/spf13/viper.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

// Config is the fully-resolved set of knobs the daemon entrypoint needs to
// open a store. MasterKey and KyberKeyPath are deliberately excluded from
// whatever gets marshaled back out to a config file: they are read from the
// environment (or a key file) only, never written through viper's config-file
// path, so secrets never round-trip through a file this repo controls.
type Config struct {
	DataDir            string
	MasterKey          []byte
	KyberKeyPath       string
	BloomCapacity      uint64
	BloomFPR           float64
	DisableModularPipe bool
	MaxConcurrency     int
	ListenAddr         string
}

// Load reads SPACE_-prefixed environment variables and, if configPath is
// non-empty, a YAML/JSON config file for the non-secret subset (data
// directory, bloom sizing, concurrency bound, listen address).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("space")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("data_dir", "./space-data")
	v.SetDefault("bloom_capacity", uint64(10_000_000))
	v.SetDefault("bloom_fpr", 0.001)
	v.SetDefault("disable_modular_pipeline", false)
	v.SetDefault("max_concurrency", 0)
	v.SetDefault("listen_addr", ":8080")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, spaceerr.New(spaceerr.InvalidInput, "config.Load", err)
		}
	}

	// SPACE_MASTER_KEY is optional: its presence enables encryption, its
	// absence is fine for stores whose policies request encryption:disabled
	// (types.DefaultPolicy's own default), per spec.md §6.3.
	var masterKey []byte
	if masterKeyHex := os.Getenv("SPACE_MASTER_KEY"); masterKeyHex != "" {
		decoded, err := hex.DecodeString(masterKeyHex)
		if err != nil {
			return nil, spaceerr.New(spaceerr.InvalidInput, "config.Load", fmt.Errorf("SPACE_MASTER_KEY must be hex-encoded: %w", err))
		}
		if len(decoded) != 32 {
			return nil, spaceerr.New(spaceerr.InvalidInput, "config.Load", fmt.Errorf("SPACE_MASTER_KEY must decode to 32 bytes, got %d", len(decoded)))
		}
		masterKey = decoded
	}

	return &Config{
		DataDir:            v.GetString("data_dir"),
		MasterKey:          masterKey,
		KyberKeyPath:       os.Getenv("SPACE_KYBER_KEY_PATH"),
		BloomCapacity:      v.GetUint64("bloom_capacity"),
		BloomFPR:           v.GetFloat64("bloom_fpr"),
		DisableModularPipe: v.GetBool("disable_modular_pipeline"),
		MaxConcurrency:     v.GetInt("max_concurrency"),
		ListenAddr:         v.GetString("listen_addr"),
	}, nil
}

// DefaultPolicy returns the write policy a freshly opened store should use
// when the caller does not override it, honoring DisableModularPipe by
// turning compression and dedup off when set.
func (c *Config) DefaultPolicy() types.Policy {
	policy := types.DefaultPolicy()
	if c.DisableModularPipe {
		policy.Compression.Codec = types.CodecNone
		policy.DedupEnabled = false
	}
	return policy
}
