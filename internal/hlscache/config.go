package hlscache

import (
	"mime"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		OriginParam string `yaml:"originParam"`
	} `yaml:"server"`

	Storage struct {
		Dir  string `yaml:"dir"`
		Name string `yaml:"name"`
		RAM  struct {
			Max   string `yaml:"max"`
			Items int    `yaml:"items"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Upstream struct {
		Timeout       string   `yaml:"timeout"`
		UserAgent     string   `yaml:"userAgent"`
		ManifestTypes []string `yaml:"manifestTypes"`
	} `yaml:"upstream"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Prefetch struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"prefetch"`

	// compiled
	ramMax        int64
	diskMax       int64
	timeout       time.Duration
	statsEvery    time.Duration
	manifestTypes map[string]struct{}
}

// DefaultConfig mirrors the layout of an empty config file.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 1234
	cfg.Server.OriginParam = "__origin"
	cfg.Storage.Dir = "./data"
	cfg.Storage.Name = "HLS_Video"
	cfg.Storage.RAM.Max = "32MiB"
	cfg.Storage.RAM.Items = 25
	cfg.Storage.Disk.Max = "200MiB"
	cfg.Upstream.Timeout = "30s"
	cfg.Upstream.UserAgent = "hlscache"
	cfg.Upstream.ManifestTypes = []string{
		"application/x-mpegurl",
		"application/vnd.apple.mpegurl",
		"audio/mpegurl",
		"audio/x-mpegurl",
	}
	cfg.Logging.Level = "info"
	cfg.Prefetch.Concurrency = 4
	return cfg
}

// LoadConfig reads path over the defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Config{}, errors.Wrapf(err, "read %s", path)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	c.Server.OriginParam = strings.TrimSpace(c.Server.OriginParam)
	if c.Server.OriginParam == "" {
		return errors.New("server.originParam is required")
	}
	if c.Storage.Name == "" {
		return errors.New("storage.name is required")
	}

	var err error
	if c.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return errors.Wrap(err, "storage.ram.max")
	}
	if c.diskMax, err = parseBytes(c.Storage.Disk.Max); err != nil {
		return errors.Wrap(err, "storage.disk.max")
	}
	if c.Storage.RAM.Items < 0 {
		return errors.New("storage.ram.items: negative")
	}

	if c.Upstream.Timeout != "" {
		if c.timeout, err = time.ParseDuration(c.Upstream.Timeout); err != nil {
			return errors.Wrap(err, "upstream.timeout")
		}
	}
	if c.Logging.StatsEvery != "" {
		if c.statsEvery, err = time.ParseDuration(c.Logging.StatsEvery); err != nil {
			return errors.Wrap(err, "logging.statsEvery")
		}
	}

	if len(c.Upstream.ManifestTypes) == 0 {
		return errors.New("upstream.manifestTypes must not be empty")
	}
	c.manifestTypes = make(map[string]struct{}, len(c.Upstream.ManifestTypes))
	for i, t := range c.Upstream.ManifestTypes {
		mt := normalizeMediaType(t)
		if mt == "" {
			return errors.Errorf("upstream.manifestTypes[%d]: invalid %q", i, t)
		}
		c.manifestTypes[mt] = struct{}{}
	}

	if c.Prefetch.Concurrency <= 0 {
		c.Prefetch.Concurrency = 1
	}
	return nil
}

// Addr is the configured listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c Config) isManifestType(contentType string) bool {
	_, ok := c.manifestTypes[normalizeMediaType(contentType)]
	return ok
}

// normalizeMediaType strips parameters and lowercases, so
// "Application/X-MpegURL; charset=utf-8" matches "application/x-mpegurl".
func normalizeMediaType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
