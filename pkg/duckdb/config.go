package duck

type Config struct {
	Path string
}

// ToDBConnectionURI returns the connection string for the duckdb driver, an
// empty path means an in-memory database.
func (c Config) ToDBConnectionURI() string {
	return c.Path
}
