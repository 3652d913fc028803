package entity

import "fmt"

// MigrationFn rewrites a state payload from one schema version to the next.
type MigrationFn func(map[string]any) (map[string]any, error)

// MigrationRegistry is an in-process migration graph for state payloads.
// Migrations are registered per single-version hop and composed by Migrate.
type MigrationRegistry struct {
	migrations map[[2]int]MigrationFn
}

// NewMigrationRegistry returns an empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{migrations: map[[2]int]MigrationFn{}}
}

// Register adds a migration from one version to a strictly greater one.
func (r *MigrationRegistry) Register(from, to int, fn MigrationFn) error {
	if to <= from {
		return &StateError{Msg: fmt.Sprintf("migration target v%d must be greater than source v%d", to, from)}
	}
	r.migrations[[2]int{from, to}] = fn
	return nil
}

// Migrate walks the payload hop by hop from one version to another. A missing
// hop is a state error.
func (r *MigrationRegistry) Migrate(payload map[string]any, from, to int) (map[string]any, error) {
	if from == to {
		return payload, nil
	}
	current := from
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for current < to {
		fn, ok := r.migrations[[2]int{current, current + 1}]
		if !ok {
			return nil, &StateError{Msg: fmt.Sprintf("missing migration path from v%d to v%d", current, current+1)}
		}
		next, err := fn(out)
		if err != nil {
			return nil, fmt.Errorf("migrate v%d -> v%d: %w", current, current+1, err)
		}
		out = next
		current++
	}
	out["schema_version"] = to
	return out, nil
}
