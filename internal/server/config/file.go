package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/texcouncil/internal/flagx"
	"github.com/dmitrijs2005/texcouncil/internal/timex"
)

// FileConfig is the on-disk shape of the configuration. It is decoded from
// JSON (comments allowed) or YAML and then overlaid onto Config: only values
// present in the file replace what is already set.
type FileConfig struct {
	HTTPAddr              string         `json:"http_addr" yaml:"http_addr"`
	DatabaseDSN           string         `json:"database_dsn" yaml:"database_dsn"`
	SecretKey             string         `json:"secret_key" yaml:"secret_key"`
	TokenValidityDuration timex.Duration `json:"token_validity_duration" yaml:"token_validity_duration"`

	StorageBackend  string `json:"storage_backend" yaml:"storage_backend"`
	StoragePrefix   string `json:"storage_prefix" yaml:"storage_prefix"`
	S3RootUser      string `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword  string `json:"s3_root_password" yaml:"s3_root_password"`
	S3Bucket        string `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region        string `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint  string `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
	GCSBucket       string `json:"gcs_bucket" yaml:"gcs_bucket"`
	LocalStorageDir string `json:"local_storage_dir" yaml:"local_storage_dir"`

	GitHubBaseURL     string            `json:"github_base_url" yaml:"github_base_url"`
	GitHubToken       string            `json:"github_token" yaml:"github_token"`
	UpstreamOwner     string            `json:"upstream_owner" yaml:"upstream_owner"`
	UpstreamRepo      string            `json:"upstream_repo" yaml:"upstream_repo"`
	Branches          map[string]string `json:"branches" yaml:"branches"`
	TrackedExtensions []string          `json:"tracked_extensions" yaml:"tracked_extensions"`

	ForkWorkers      int            `json:"fork_workers" yaml:"fork_workers"`
	ForkPollAttempts int            `json:"fork_poll_attempts" yaml:"fork_poll_attempts"`
	ForkPollInterval timex.Duration `json:"fork_poll_interval" yaml:"fork_poll_interval"`

	ReconcileInterval    timex.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
	ReconcileParallelism int            `json:"reconcile_parallelism" yaml:"reconcile_parallelism"`

	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`

	LogFormat string `json:"log_format" yaml:"log_format"`
	LogLevel  string `json:"log_level" yaml:"log_level"`

	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// parseFile overlays the config file named by -c/-config onto config.
// Without the flag nothing is loaded. A file that cannot be read or decoded
// panics, as a misconfigured server must not start.
func parseFile(config *Config) {
	path := flagx.ConfigFile(os.Args[1:])
	if path == "" {
		return
	}
	if err := overlayFile(config, path); err != nil {
		panic(err)
	}
}

func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	fc, err := decodeFile(path, data)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	fc.apply(config)
	return nil
}

func decodeFile(path string, data []byte) (*FileConfig, error) {
	fc := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, fc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), fc); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.DatabaseDSN, fc.DatabaseDSN)
	setString(&c.SecretKey, fc.SecretKey)
	setDuration(&c.TokenValidityDuration, fc.TokenValidityDuration)

	setString(&c.StorageBackend, fc.StorageBackend)
	setString(&c.StoragePrefix, fc.StoragePrefix)
	setString(&c.S3RootUser, fc.S3RootUser)
	setString(&c.S3RootPassword, fc.S3RootPassword)
	setString(&c.S3Bucket, fc.S3Bucket)
	setString(&c.S3Region, fc.S3Region)
	setString(&c.S3BaseEndpoint, fc.S3BaseEndpoint)
	setString(&c.GCSBucket, fc.GCSBucket)
	setString(&c.LocalStorageDir, fc.LocalStorageDir)

	setString(&c.GitHubBaseURL, fc.GitHubBaseURL)
	setString(&c.GitHubToken, fc.GitHubToken)
	setString(&c.UpstreamOwner, fc.UpstreamOwner)
	setString(&c.UpstreamRepo, fc.UpstreamRepo)
	if len(fc.Branches) > 0 {
		c.Branches = fc.Branches
	}
	if len(fc.TrackedExtensions) > 0 {
		c.TrackedExtensions = fc.TrackedExtensions
	}

	setInt(&c.ForkWorkers, fc.ForkWorkers)
	setInt(&c.ForkPollAttempts, fc.ForkPollAttempts)
	setDuration(&c.ForkPollInterval, fc.ForkPollInterval)

	setDuration(&c.ReconcileInterval, fc.ReconcileInterval)
	setInt(&c.ReconcileParallelism, fc.ReconcileParallelism)

	setString(&c.RedisAddr, fc.RedisAddr)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.LogLevel, fc.LogLevel)

	if fc.MaxUploadBytes > 0 {
		c.MaxUploadBytes = fc.MaxUploadBytes
	}
}
