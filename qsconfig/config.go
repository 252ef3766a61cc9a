// Package qsconfig loads and validates qsflow's client configuration,
// generalizing the defaulting and fatal-on-missing-credentials rules
// of the original client's Configuration class.
package qsconfig

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/yunify/qsflow/qserrors"
)

// Defaults for every optional field, mirroring the original client's
// built-in defaults.
const (
	DefaultHost             = "qingstor.com"
	DefaultLocation         = "pek3a"
	DefaultPort             = 443
	DefaultProtocol         = "https"
	DefaultConnectionRetries = 3
	DefaultNumConnections    = 3
	DefaultChunkSize         = 32 * 1024 * 1024
	DefaultLogLevel          = "debug"

	minConnectionRetries = 1
	maxConnectionRetries = 16
	minNumConnections    = 1
	maxNumConnections    = 8
)

// Config is the full set of knobs a qsflow client needs. AccessKeyID
// and SecretAccessKey are required; every other field falls back to
// its default when zero or out of range.
type Config struct {
	AccessKeyID       string `yaml:"access_key_id"`
	SecretAccessKey   string `yaml:"secret_access_key"`
	Host              string `yaml:"host"`
	Location          string `yaml:"location"`
	Port              int    `yaml:"port"`
	Protocol          string `yaml:"protocol"`
	ConnectionRetries int    `yaml:"connection_retries"`
	NumConnections    int    `yaml:"num_connections"`
	ChunkSize         int    `yaml:"chunk_size"`
	LogLevel          string `yaml:"log_level"`
}

// NewDefault returns a Config with every optional field set to its
// default and no credentials set.
func NewDefault() *Config {
	return &Config{
		Host:              DefaultHost,
		Location:          DefaultLocation,
		Port:              DefaultPort,
		Protocol:          DefaultProtocol,
		ConnectionRetries: DefaultConnectionRetries,
		NumConnections:    DefaultNumConnections,
		ChunkSize:         DefaultChunkSize,
		LogLevel:          DefaultLogLevel,
	}
}

// LoadFromContent parses YAML content into a Config, applying defaults
// to any missing or invalid optional field and failing with
// qserrors.ConfigInvalid if either credential field is empty.
func LoadFromContent(content []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(content, c); err != nil {
		return nil, qserrors.Wrap(qserrors.ConfigInvalid, err, "parsing configuration YAML")
	}
	applyDefaults(c)
	if err := c.Check(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile reads path and parses it as configuration YAML. A
// missing file is reported as qserrors.ConfigNotFound.
func LoadFromFile(path string) (*Config, error) {
	content, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, qserrors.Wrap(qserrors.ConfigNotFound, err, "reading configuration file "+path)
	}
	return LoadFromContent(content)
}

// applyDefaults substitutes the default for any optional field that is
// zero-valued or outside its accepted range. A value that was set but
// is invalid is replaced with a logged warning; a missing (zero) field
// takes its default silently.
func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Location == "" {
		c.Location = DefaultLocation
	}
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.Port <= 0 || c.Port > 65535 {
		if c.Port != 0 {
			logrus.Warnf("qsconfig: invalid port %d, falling back to default %d", c.Port, DefaultPort)
		}
		c.Port = DefaultPort
	}
	if c.ConnectionRetries < minConnectionRetries || c.ConnectionRetries > maxConnectionRetries {
		if c.ConnectionRetries != 0 {
			logrus.Warnf("qsconfig: invalid connection_retries %d, falling back to default %d", c.ConnectionRetries, DefaultConnectionRetries)
		}
		c.ConnectionRetries = DefaultConnectionRetries
	}
	if c.NumConnections < minNumConnections || c.NumConnections > maxNumConnections {
		if c.NumConnections != 0 {
			logrus.Warnf("qsconfig: invalid num_connections %d, falling back to default %d", c.NumConnections, DefaultNumConnections)
		}
		c.NumConnections = DefaultNumConnections
	}
	if c.ChunkSize <= 0 {
		if c.ChunkSize != 0 {
			logrus.Warnf("qsconfig: invalid chunk_size %d, falling back to default %d", c.ChunkSize, DefaultChunkSize)
		}
		c.ChunkSize = DefaultChunkSize
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Check validates the required fields, returning a qserrors.ConfigInvalid
// error if either credential is missing. Missing credentials are
// fatal, unlike every other field, which falls back to its default instead.
func (c *Config) Check() error {
	if c.AccessKeyID == "" {
		return qserrors.New(qserrors.ConfigInvalid, "access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return qserrors.New(qserrors.ConfigInvalid, "secret_access_key is required")
	}
	return nil
}
