package erp

import (
	"encoding/json"
	"fmt"

	"github.com/zoff-tech/erp-bridge/pkg/config"
	"github.com/zoff-tech/erp-bridge/pkg/event"
)

// Mapper applies the static entity-to-record field tables. It performs
// no semantic validation beyond "all required target fields present".
type Mapper struct {
	mappings map[string]config.EntityMapping
}

func NewMapper(mappings map[string]config.EntityMapping) *Mapper {
	return &Mapper{mappings: mappings}
}

// Map translates a payload into the target record shape for its entity
// type. A missing mapping table or a missing required target field is a
// MappingError, which the orchestrator treats as terminal.
func (m *Mapper) Map(entityType event.EntityType, payload json.RawMessage) (map[string]any, error) {
	mapping, ok := m.mappings[string(entityType)]
	if !ok {
		return nil, &MappingError{EntityType: entityType, Reason: "no mapping configured"}
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &MappingError{EntityType: entityType, Reason: fmt.Sprintf("payload not an object: %v", err)}
	}

	fields := make(map[string]any, len(mapping.Fields))
	for source, target := range mapping.Fields {
		if v, ok := data[source]; ok {
			fields[target] = v
		}
	}

	for _, required := range mapping.Required {
		if _, ok := fields[required]; !ok {
			return nil, &MappingError{EntityType: entityType, Reason: fmt.Sprintf("required target field %q missing", required)}
		}
	}

	return fields, nil
}

// Model returns the target record model for an entity type.
func (m *Mapper) Model(entityType event.EntityType) (string, error) {
	mapping, ok := m.mappings[string(entityType)]
	if !ok {
		return "", &MappingError{EntityType: entityType, Reason: "no mapping configured"}
	}
	return mapping.Model, nil
}

// KeyField returns the ERP field used for entity-key lookups.
func (m *Mapper) KeyField(entityType event.EntityType) (string, error) {
	mapping, ok := m.mappings[string(entityType)]
	if !ok {
		return "", &MappingError{EntityType: entityType, Reason: "no mapping configured"}
	}
	return mapping.KeyField, nil
}
