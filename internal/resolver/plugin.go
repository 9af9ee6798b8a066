package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/pai/internal/memory"
)

var ErrUnknownPlugin = errors.New("unknown plugin")

// Context is the read-only view a plugin gets of the conversation.
type Context struct {
	SessionID string
	History   []memory.TurnRecord
}

// Plugin is a side-effect-contained capability with its own trigger predicate.
// It returns ok=false when the command is not for it.
type Plugin interface {
	Name() string
	Resolve(ctx context.Context, command string, pc Context) (text string, ok bool, err error)
}

// PluginStatus describes one registered plugin.
type PluginStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// PluginRegistry is the ordered plugin list built at startup, with runtime
// enable/disable switches.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
	enabled map[string]bool
}

func NewPluginRegistry(plugins ...Plugin) *PluginRegistry {
	r := &PluginRegistry{enabled: make(map[string]bool, len(plugins))}
	for _, p := range plugins {
		if p == nil {
			continue
		}
		r.plugins = append(r.plugins, p)
		r.enabled[p.Name()] = true
	}
	return r
}

// Resolvers returns one chain entry per plugin, in registration order.
func (r *PluginRegistry) Resolvers() []Resolver {
	out := make([]Resolver, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, &PluginResolver{plugin: p, registry: r})
	}
	return out
}

func (r *PluginRegistry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled[name]
}

func (r *PluginRegistry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.enabled[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	r.enabled[name] = enabled
	return nil
}

func (r *PluginRegistry) List() []PluginStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginStatus, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, PluginStatus{Name: p.Name(), Enabled: r.enabled[p.Name()]})
	}
	return out
}

// Admin executes a plugin-management command such as "list" or "enable weather".
func (r *PluginRegistry) Admin(args string) string {
	fields := strings.Fields(strings.ToLower(args))
	if len(fields) == 0 {
		return adminUsage
	}
	switch fields[0] {
	case "list":
		list := r.List()
		if len(list) == 0 {
			return "No plugins are registered."
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		parts := make([]string, 0, len(list))
		for _, p := range list {
			state := "disabled"
			if p.Enabled {
				state = "enabled"
			}
			parts = append(parts, fmt.Sprintf("%s (%s)", p.Name, state))
		}
		return "Plugins: " + strings.Join(parts, ", ")
	case "enable", "disable":
		if len(fields) != 2 {
			return adminUsage
		}
		enable := fields[0] == "enable"
		if err := r.SetEnabled(fields[1], enable); err != nil {
			return fmt.Sprintf("Unknown plugin: %s", fields[1])
		}
		return fmt.Sprintf("Plugin %s %sd.", fields[1], fields[0])
	default:
		return adminUsage
	}
}

const adminUsage = "Usage: plugin list | plugin enable <name> | plugin disable <name>"

// PluginResolver adapts one plugin to the chain and honors its enable switch.
type PluginResolver struct {
	plugin   Plugin
	registry *PluginRegistry
}

func (p *PluginResolver) Name() string   { return p.plugin.Name() }
func (p *PluginResolver) Source() Source { return SourcePlugin }

func (p *PluginResolver) Resolve(ctx context.Context, req Request) (string, bool, error) {
	if p.registry != nil && !p.registry.Enabled(p.plugin.Name()) {
		return "", false, nil
	}
	return p.plugin.Resolve(ctx, req.Command, Context{SessionID: req.SessionID, History: req.History})
}
