package config

// DbSettings holds configuration for the event store backend.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner"`
	DSN  string `mapstructure:"dsn"`  // postgres
	URI  string `mapstructure:"uri"`  // mongo connection string or spanner database path
	Name string `mapstructure:"name"` // mongo database name
}
