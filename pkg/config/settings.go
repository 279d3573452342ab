// Package config loads the engine's CloudSettings: the option surface a
// deployment uses to point the engine at a BlobStore backend, size its
// caches, and pick compression/behavior policy.
package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

// CompressionCodec tags the compression algorithm applied to a class of
// stored objects. The engine treats it as an opaque integer the way the
// source does; 0 means "no compression".
type CompressionCodec uint32

// Settings mirrors the CloudSettings option surface: where the blob
// backend lives, how the data-encryption key is derived, cache sizing,
// and per-object-class compression policy.
type Settings struct {
	Endpoint      string `yaml:"endpoint"`
	EncryptionKey string `yaml:"encryption_key"`

	AccessKey       string `yaml:"access_key"`
	SecretAccessKey string `yaml:"secret_access_key"`
	BucketName      string `yaml:"bucket_name"`
	Region          string `yaml:"region"`
	StorageClass    string `yaml:"storage_class"`
	CacheDBPath     string `yaml:"cache_db_path"`

	Size                     int64   `yaml:"size"`
	MemcacheSize             int64   `yaml:"memcache_size"`
	ReservedCacheDeviceSpace int64   `yaml:"reserved_cache_device_space"`
	MinMetadataCacheFree     int64   `yaml:"min_metadata_cache_free"`
	MemoryUsageFactor        float64 `yaml:"memory_usage_factor"`

	BackgroundCompression       CompressionCodec `yaml:"background_compression"`
	CacheObjectCompression      CompressionCodec `yaml:"cache_object_compression"`
	MetadataCacheObjectCompression CompressionCodec `yaml:"metadata_cache_object_compression"`
	SubmitCompression           CompressionCodec `yaml:"submit_compression"`
	MetadataSubmitCompression   CompressionCodec `yaml:"metadata_submit_compression"`

	VerifyCache              bool    `yaml:"verify_cache"`
	BackgroundCompress       bool    `yaml:"background_compress"`
	NoCompressCPUMult        float64 `yaml:"no_compress_cpu_mult"`
	CPUMultiplier            float64 `yaml:"cpu_multiplier"`
	WithPrevLink             bool    `yaml:"with_prev_link"`
	AllowEvict               bool    `yaml:"allow_evict"`
	WithSubmittedFiles       bool    `yaml:"with_submitted_files"`
	ResubmitCompressedRatio  float64 `yaml:"resubmit_compressed_ratio"`
	OnlyMemfiles             bool    `yaml:"only_memfiles"`
}

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
)

// DeriveDataKey runs the configured EncryptionKey through
// PBKDF2-HMAC-SHA256 with an empty salt and 100,000 iterations to produce
// the 32-byte data-encryption key the blob envelope uses.
func (s Settings) DeriveDataKey() []byte {
	return pbkdf2.Key([]byte(s.EncryptionKey), nil, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

// Load reads Settings from a YAML file at path, then applies any
// CLOUDKV_<FIELD>-prefixed environment variable overrides.
func Load(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyEnvOverrides(&s)
	return s, nil
}

// applyEnvOverrides replaces the string, integer and bool fields listed
// below with values from CLOUDKV_<UPPER_SNAKE_FIELD> environment variables
// when present, named after the yaml tags. Float fields and the
// compression codec fields have no environment override.
func applyEnvOverrides(s *Settings) {
	str := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	num := func(env string, dst *int64) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	flag := func(env string, dst *bool) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("CLOUDKV_ENDPOINT", &s.Endpoint)
	str("CLOUDKV_ENCRYPTION_KEY", &s.EncryptionKey)
	str("CLOUDKV_ACCESS_KEY", &s.AccessKey)
	str("CLOUDKV_SECRET_ACCESS_KEY", &s.SecretAccessKey)
	str("CLOUDKV_BUCKET_NAME", &s.BucketName)
	str("CLOUDKV_REGION", &s.Region)
	str("CLOUDKV_STORAGE_CLASS", &s.StorageClass)
	str("CLOUDKV_CACHE_DB_PATH", &s.CacheDBPath)

	num("CLOUDKV_SIZE", &s.Size)
	num("CLOUDKV_MEMCACHE_SIZE", &s.MemcacheSize)
	num("CLOUDKV_RESERVED_CACHE_DEVICE_SPACE", &s.ReservedCacheDeviceSpace)
	num("CLOUDKV_MIN_METADATA_CACHE_FREE", &s.MinMetadataCacheFree)

	flag("CLOUDKV_VERIFY_CACHE", &s.VerifyCache)
	flag("CLOUDKV_BACKGROUND_COMPRESS", &s.BackgroundCompress)
	flag("CLOUDKV_WITH_PREV_LINK", &s.WithPrevLink)
	flag("CLOUDKV_ALLOW_EVICT", &s.AllowEvict)
	flag("CLOUDKV_WITH_SUBMITTED_FILES", &s.WithSubmittedFiles)
	flag("CLOUDKV_ONLY_MEMFILES", &s.OnlyMemfiles)
}
