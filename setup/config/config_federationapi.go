package config

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// The database stores information used by the federation destination queues
	// and the backoff statistics for remote servers.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Federation failure threshold. How many consecutive failures that we should
	// tolerate when sending federation requests to a specific server. The backoff
	// is 2**x seconds, so 16 == 18 hours, 17 == 36 hours, 18 == 72 hours.
	FederationMaxRetries uint32 `yaml:"send_max_retries"`

	// How many consecutive failures that we should tolerate when sending
	// federation requests to a specific server until we should assume they
	// are offline. Queues for offline servers retry on a timer instead of
	// waking for every new event.
	FederationRetriesUntilAssumedOffline uint32 `yaml:"retries_until_assumed_offline"`

	// Whether the per-server backoff state is written to the database so
	// that it survives restarts.
	PersistRetryState bool `yaml:"persist_retry_state"`

	// Should we disable TLS verification when talking to remote servers?
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Should we validate the HTTP requests the other servers send, against the
	// IP ranges we allow?
	AllowNetworkCIDRs []string `yaml:"allow_network_cidrs"`
	DenyNetworkCIDRs  []string `yaml:"deny_network_cidrs"`

	// How long to wait for a remote server to answer a missing events
	// request before writing the event off as unreachable for now.
	BackfillTimeoutMilliseconds int64 `yaml:"backfill_timeout_ms"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.FederationMaxRetries = 16
	c.FederationRetriesUntilAssumedOffline = 8
	c.PersistRetryState = true
	c.DisableTLSValidation = false
	c.BackfillTimeoutMilliseconds = 30000
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:federationapi.db"
		}
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "federation_api.database.connection_string", string(c.Database.ConnectionString))
	}
	checkPositive(configErrs, "federation_api.backfill_timeout_ms", c.BackfillTimeoutMilliseconds)
}
