package config

import "time"

// ErpSettings holds the remote-system connection plus the static
// entity-to-record mapping tables the orchestrator applies. Mappings are
// configuration consumed by the core, never computed by it.
type ErpSettings struct {
	URL      string        `mapstructure:"url" validate:"required,url"`
	Database string        `mapstructure:"database" validate:"required"`
	Username string        `mapstructure:"username" validate:"required"`
	Password string        `mapstructure:"password" validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout"`

	Mappings map[string]EntityMapping `mapstructure:"mappings" validate:"required,dive"`
}

// EntityMapping describes how one entity type lands in the ERP.
type EntityMapping struct {
	// Model is the target record model, e.g. product.template.
	Model string `mapstructure:"model" validate:"required"`
	// KeyField is the ERP field holding the entity key for lookups.
	KeyField string `mapstructure:"key_field" validate:"required"`
	// Fields maps source payload field names to target record fields.
	Fields map[string]string `mapstructure:"fields" validate:"required"`
	// Required lists target fields that must be present after mapping;
	// an event missing any of them fails terminally.
	Required []string `mapstructure:"required"`
}
