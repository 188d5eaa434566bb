package config

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// The database stores information about matrix rooms and events.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// How many events the input workers will process for a single room
	// before releasing it to another worker.
	MaxRoomsBatchSize int `yaml:"-"`

	// Options controlling how room state snapshots are stored as chains of
	// diffs against a parent snapshot.
	StateCompression StateCompression `yaml:"state_compression"`
}

// StateCompression tunes the room state snapshot storage. Snapshots are
// stored as diffs against a parent snapshot where the diff is small enough
// to be worth it, otherwise as a full snapshot.
type StateCompression struct {
	// How strongly to prefer diffing against the previous snapshot over
	// re-diffing against the parent's own base. A higher bias produces
	// longer diff chains and smaller rows. Must be at least 1.
	MergeBias int64 `yaml:"merge_bias"`

	// The maximum number of diff layers a snapshot may sit above a full
	// snapshot. Reads resolve one layer at a time, so this bounds read cost.
	MaxChainDepth int `yaml:"max_chain_depth"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.MaxRoomsBatchSize = 8
	c.StateCompression.MergeBias = 2
	c.StateCompression.MaxChainDepth = 3
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:roomserver.db"
		}
	}
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
	if c.StateCompression.MergeBias < 1 {
		configErrs.Add("invalid value for config key \"room_server.state_compression.merge_bias\": must be at least 1")
	}
	if c.StateCompression.MaxChainDepth < 0 {
		configErrs.Add("invalid value for config key \"room_server.state_compression.max_chain_depth\": must not be negative")
	}
}
