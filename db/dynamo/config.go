package dynamo

// Config holds configuration for the DynamoDB-backed client.
type Config struct {
	// Table is the name of the entity table. Its schema is pk (S, the
	// kind) and sk (S, the encoded key).
	// Default: "marrow_entities"
	Table string

	// TxRetries is how often an optimistic transaction is re-run after a
	// conflicting commit before giving up.
	// Default: 3
	// Max: 10
	TxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:     "marrow_entities",
		TxRetries: 3,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "marrow_entities"
	}
	if c.TxRetries < 1 {
		c.TxRetries = 3
	}
	if c.TxRetries > 10 {
		c.TxRetries = 10
	}
}
