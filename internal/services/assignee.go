package services

import (
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	AssigneeUnassigned = "Unassigned"
	AssigneeUnknown    = "Unknown"
)

// DefaultAdminNames maps Intercom admin ids to the names shown in the CRM.
var DefaultAdminNames = map[string]string{
	"7364918": "Chloe",
	"7364922": "Marcus",
	"7365107": "Priya",
	"7401583": "Daniel",
	"7402216": "Sofia",
	"7418840": "Tom",
	"7419935": "Aisha",
	"7452671": "Lucas",
	"7460018": "Hannah",
}

// AssigneeMapper translates admin ids to display names and back.
type AssigneeMapper struct {
	names map[string]string
	ids   map[string]string
}

// NewAssigneeMapper copies table so later mutation by the caller has no effect.
func NewAssigneeMapper(table map[string]string) *AssigneeMapper {
	m := &AssigneeMapper{
		names: make(map[string]string, len(table)),
		ids:   make(map[string]string, len(table)),
	}
	for id, name := range table {
		m.names[id] = name
		m.ids[strings.ToLower(name)] = id
	}
	return m
}

// Map returns the display name for adminID: "Unassigned" when empty, the
// mapped name when known, "Unknown" otherwise.
func (m *AssigneeMapper) Map(adminID string) string {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return AssigneeUnassigned
	}
	if name, ok := m.names[adminID]; ok {
		return name
	}
	log.Warn().Str("adminID", adminID).Msg("Intercom admin id has no CRM name mapping")
	return AssigneeUnknown
}

// AdminIDFor is the reverse lookup, case-insensitive on the name.
func (m *AssigneeMapper) AdminIDFor(name string) (string, bool) {
	id, ok := m.ids[strings.ToLower(strings.TrimSpace(name))]
	return id, ok
}
