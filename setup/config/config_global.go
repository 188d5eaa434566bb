package config

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/element-hq/construct/matrix"
)

type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName string `yaml:"server_name"`

	// The secondary server names, used for virtual hosting of multiple domains.
	VirtualHosts []*VirtualHost `yaml:"-"`

	// Path to the private key which will be used to sign events.
	PrivateKeyPath Path `yaml:"private_key"`

	// The private key which will be used to sign events, loaded from PrivateKeyPath.
	PrivateKey ed25519.PrivateKey `yaml:"-"`

	// An arbitrary string used to uniquely identify the PrivateKey. Must start with the
	// prefix "ed25519:".
	KeyID matrix.KeyID `yaml:"-"`

	// How long a remote server can cache our server key for before requesting it again.
	// Increasing this number will reduce the number of requests made by remote servers
	// for our key, but increases the period a compromised key will be considered valid
	// by remote servers.
	// Defaults to 24 hours.
	KeyValidityTTL time.Duration `yaml:"key_validity_ttl"`

	// Global pool of database connections, used if per-component connection
	// strings are not given.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// Embedded NATS JetStream options.
	JetStream JetStream `yaml:"jetstream"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`

	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`

	// Servers that the homeserver should trust to never send malformed room
	// history, skipping signature checks on backfilled events from them.
	TrustedServers []string `yaml:"trusted_servers"`

	// If set, the server runs standalone and neither sends nor processes
	// outbound federation traffic.
	DisableFederation bool `yaml:"disable_federation"`

	// Configuration for in-memory caches.
	Cache CacheOptions `yaml:"cache"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.PrivateKeyPath = "matrix_key.pem"
		_, c.PrivateKey, _ = ed25519.GenerateKey(rand.New(rand.NewSource(0)))
		c.KeyID = "ed25519:auto"
		if opts.SingleDatabase {
			c.DatabaseOptions.ConnectionString = "file:construct.db"
		}
	}
	c.KeyValidityTTL = time.Hour * 24
	c.JetStream.Defaults(opts)
	c.Metrics.Defaults(opts)
	c.Cache.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.ServerName)
	checkNotEmpty(configErrs, "global.private_key", string(c.PrivateKeyPath))

	for _, v := range c.VirtualHosts {
		v.Verify(configErrs)
	}

	c.JetStream.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	c.Cache.Verify(configErrs)
}

// IsLocalServerName reports whether the given server name is the local server
// or one of its virtual hosts.
func (c *Global) IsLocalServerName(serverName string) bool {
	if c.ServerName == serverName {
		return true
	}
	for _, v := range c.VirtualHosts {
		if v.ServerName == serverName {
			return true
		}
	}
	return false
}

// SigningIdentityFor returns the signing identity for the given server name.
func (c *Global) SigningIdentityFor(serverName string) (*matrix.SigningIdentity, error) {
	for _, id := range c.SigningIdentities() {
		if id.ServerName == serverName {
			return id, nil
		}
	}
	return nil, fmt.Errorf("no signing identity for %q", serverName)
}

// SigningIdentities returns all of our signing identities, the primary server
// name first.
func (c *Global) SigningIdentities() []*matrix.SigningIdentity {
	identities := make([]*matrix.SigningIdentity, 0, len(c.VirtualHosts)+1)
	identities = append(identities, &matrix.SigningIdentity{
		ServerName: c.ServerName,
		KeyID:      c.KeyID,
		PrivateKey: c.PrivateKey,
	})
	for _, v := range c.VirtualHosts {
		identities = append(identities, &matrix.SigningIdentity{
			ServerName: v.ServerName,
			KeyID:      v.KeyID,
			PrivateKey: v.PrivateKey,
		})
	}
	return identities
}

type VirtualHost struct {
	// The name of the virtual host, e.g. 'vhost.domain.com'.
	ServerName string `yaml:"server_name"`

	// The key ID and private key for signing events on behalf of this host.
	KeyID      matrix.KeyID       `yaml:"-"`
	PrivateKey ed25519.PrivateKey `yaml:"-"`

	// How long a remote server can cache our server key for before requesting it again.
	KeyValidityTTL time.Duration `yaml:"key_validity_ttl"`
}

func (v *VirtualHost) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.virtual_hosts.server_name", v.ServerName)
}

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

type CacheOptions struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
	EnablePrometheus bool          `yaml:"enable_prometheus"`
}

func (c *CacheOptions) Defaults() {
	c.EstimatedMaxSize = 1024 * 1024 * 1024 // 1GB
	c.MaxAge = time.Hour
}

func (c *CacheOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "global.cache.max_size_estimated", int64(c.EstimatedMaxSize))
}

// DataUnit represents a number of bytes. Yaml values like "32mb" are parsed
// into the byte count.
type DataUnit int64

func (d *DataUnit) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// A bare number is a byte count.
		var n int64
		if err = unmarshal(&n); err != nil {
			return err
		}
		*d = DataUnit(n)
		return nil
	}
	var magnitude float64
	submatches := dataUnitRegexp.FindStringSubmatch(s)
	if len(submatches) == 0 {
		return fmt.Errorf("%q is not a valid size", s)
	}
	if _, err := fmt.Sscanf(submatches[1], "%f", &magnitude); err != nil {
		return fmt.Errorf("can't parse %q: %v", s, err)
	}
	switch submatches[2] {
	case "tb":
		magnitude *= 1024
		fallthrough
	case "gb":
		magnitude *= 1024
		fallthrough
	case "mb":
		magnitude *= 1024
		fallthrough
	case "kb":
		magnitude *= 1024
	}
	*d = DataUnit(magnitude)
	return nil
}

var dataUnitRegexp = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*((?:t|g|m|k)?b)?$`)
