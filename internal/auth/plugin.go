// Package auth implements the pluggable authentication strategies of the
// MySQL connection phase. A plugin is a capability set: the name the server
// recognises, whether the transport must be confidential, and a pure scramble
// function over the server challenge.
package auth

import (
	"github.com/myriadb/myriad/internal/sqlerr"
)

// Plugin is one authentication strategy.
type Plugin interface {
	// Name is the string the server uses to request this plugin.
	Name() string
	// RequiresConfidentiality reports whether the plugin may only run over
	// a TLS (or otherwise confidential) transport.
	RequiresConfidentiality() bool
	// HashPassword scrambles the password against the server challenge.
	HashPassword(password string, challenge []byte) ([]byte, error)
}

// Registry resolves server-requested plugin names against an ordered plugin
// list. The first plugin whose name matches wins.
type Registry struct {
	plugins []Plugin
}

// NewRegistry builds a registry. With no plugins given, the four built-in
// strategies are registered in their usual order.
func NewRegistry(plugins ...Plugin) *Registry {
	if len(plugins) == 0 {
		plugins = []Plugin{
			NativePassword{},
			CachingSHA2Password{},
			SHA256Password{},
			ClearPassword{},
		}
	}
	return &Registry{plugins: plugins}
}

// Register appends a custom plugin.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Lookup returns the first plugin matching name.
func (r *Registry) Lookup(name string) (Plugin, error) {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, sqlerr.New(sqlerr.KindInvalidAuthorization,
		"server requested unsupported auth plugin %q", name)
}
