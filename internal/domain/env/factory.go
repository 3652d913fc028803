package env

import (
	"strings"
	"sync"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// Factory builds an environment from an EnvSpec config.
type Factory func(config map[string]any, workspace string) (Env, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterType installs a factory for an EnvSpec type tag. Later
// registrations replace earlier ones; tags are case-insensitive. Aliases for
// the same backend register the same factory under each tag. The only
// factories in this repository are hostenv's repo, host and local tags;
// docker, container and text_web_env have none.
func RegisterType(tag string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[strings.ToLower(strings.TrimSpace(tag))] = factory
}

// FromSpec instantiates an environment for the spec's type tag. Unknown tags
// and nil specs yield a nil environment, never an error: a task without a
// usable env spec simply runs env-less.
func FromSpec(spec *entity.EnvSpec, fallbackWorkspace string) Env {
	if spec == nil {
		return nil
	}
	factoryMu.RLock()
	factory, ok := factories[strings.ToLower(strings.TrimSpace(spec.Type))]
	factoryMu.RUnlock()
	if !ok {
		return nil
	}
	config := spec.Config
	if config == nil {
		config = map[string]any{}
	}
	workspace := fallbackWorkspace
	if v, ok := config["workspace_root"].(string); ok && v != "" {
		workspace = v
	}
	e, err := factory(config, workspace)
	if err != nil {
		return nil
	}
	return e
}
