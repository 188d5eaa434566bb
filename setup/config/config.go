package config

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ed25519"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/construct/matrix"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 2

// Construct contains all the config used by a construct process.
// Relative paths are resolved relative to the current working directory.
type Construct struct {
	// The version of the configuration file.
	// If the version in a file doesn't match the current construct config
	// version then we can give a clear error message telling the user to update
	// their config file to the current version.
	// The version of the file should only be different if there has been a
	// breaking change to the config file format.
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	RoomServer    RoomServer    `yaml:"room_server"`

	// The configuration for logging the output of this process.
	Logging []LogrusHook `yaml:"logging"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`

	// The filesystem paths this config was loaded from.
	ConfigFiles []string `yaml:"-"`
}

// Derived contains values derived from the config options, populated after
// loading so that handlers don't recompute them on every request.
type Derived struct {
	// The room versions this server will create rooms with by default.
	DefaultRoomVersion matrix.RoomVersion `yaml:"-"`
}

type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// Defaults sets default config values for anything not overridden by the
// config file.
func (c *Construct) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.Wire()
}

// Verify checks the config and adds anything wrong with it to configErrs.
func (c *Construct) Verify(configErrs *ConfigErrors) {
	type verifiable interface {
		Verify(configErrs *ConfigErrors)
	}
	for _, c := range []verifiable{
		&c.Global, &c.FederationAPI, &c.RoomServer,
	} {
		c.Verify(configErrs)
	}
}

// Wire points each section back at the global config. Must be called after
// unmarshalling as yaml can't populate the cross references itself.
func (c *Construct) Wire() {
	c.FederationAPI.Matrix = &c.Global
	c.RoomServer.Matrix = &c.Global
}

// Load loads the configuration from the given file, resolving relative paths
// against the directory containing it.
func Load(configPath string) (*Construct, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, err
	}
	basePath := filepath.Dir(absPath)
	return loadConfig(basePath, configData, os.ReadFile)
}

func loadConfig(
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*Construct, error) {
	var c Construct
	c.Defaults(DefaultOpts{})

	var err error
	if err = yaml.Unmarshal(configData, &c); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf(
			"config version mismatch: got %d, expected %d, please update your config file",
			c.Version, Version,
		)
	}
	c.Wire()

	privateKeyPath := absPath(basePath, c.Global.PrivateKeyPath)
	if c.Global.KeyID, c.Global.PrivateKey, err = LoadMatrixKey(privateKeyPath, readFile); err != nil {
		return nil, fmt.Errorf("failed to load private_key: %w", err)
	}

	for _, v := range c.Global.VirtualHosts {
		if v.KeyValidityTTL == 0 {
			v.KeyValidityTTL = c.Global.KeyValidityTTL
		}
	}

	c.Derived.DefaultRoomVersion = matrix.RoomVersionV10

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if configErrs != nil {
		return nil, configErrs
	}
	return &c, nil
}

// LoadMatrixKey reads and parses an ed25519 signing key in the matrix PEM
// format, returning the key ID from the Key-ID header.
func LoadMatrixKey(privateKeyPath string, readFile func(string) ([]byte, error)) (matrix.KeyID, ed25519.PrivateKey, error) {
	privateKeyData, err := readFile(privateKeyPath)
	if err != nil {
		return "", nil, err
	}
	keyBlock, _ := pem.Decode(privateKeyData)
	if keyBlock == nil {
		return "", nil, fmt.Errorf("no PEM data in %q", privateKeyPath)
	}
	if keyBlock.Type != "MATRIX PRIVATE KEY" {
		return "", nil, fmt.Errorf("unexpected PEM block type %q in %q", keyBlock.Type, privateKeyPath)
	}
	keyID := matrix.KeyID(keyBlock.Headers["Key-ID"])
	if keyID == "" {
		return "", nil, fmt.Errorf("missing Key-ID header in %q", privateKeyPath)
	}
	if !strings.HasPrefix(string(keyID), "ed25519:") {
		return "", nil, fmt.Errorf("key ID %q must start with \"ed25519:\"", keyID)
	}
	if len(keyBlock.Bytes) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("key in %q is not an ed25519 seed", privateKeyPath)
	}
	return keyID, ed25519.NewKeyFromSeed(keyBlock.Bytes), nil
}

// SaveMatrixKey writes a newly generated signing key to the given path in the
// matrix PEM format.
func SaveMatrixKey(privateKeyPath string, keyID matrix.KeyID, privateKey ed25519.PrivateKey) error {
	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{
		Type:    "MATRIX PRIVATE KEY",
		Headers: map[string]string{"Key-ID": string(keyID)},
		Bytes:   privateKey.Seed(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(privateKeyPath, buf.Bytes(), 0600)
}

func absPath(dir string, path Path) string {
	if filepath.IsAbs(string(path)) {
		return filepath.Clean(string(path))
	}
	return filepath.Join(dir, string(path))
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database connection.
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	return strings.HasPrefix(string(d), "postgres:") ||
		strings.HasPrefix(string(d), "postgresql:")
}

// DatabaseOptions contains the database connection options for a component.
type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

// MaxIdleConns returns maximum idle connections to the DB.
func (d DatabaseOptions) MaxIdleConns() int {
	return d.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB.
func (d DatabaseOptions) MaxOpenConns() int {
	return d.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused.
func (d DatabaseOptions) ConnMaxLifetime() int {
	return d.ConnMaxLifetimeSeconds
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
