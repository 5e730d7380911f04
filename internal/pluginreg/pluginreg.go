// Package pluginreg implements A4: the decoder/backend plugin registry.
// spec.md's RigCapabilities and Backend describe a fixed set of built-in
// implementations (CAT, SDR pipeline); SPEC_FULL.md's A4 generalizes that to
// a small versioned registry so an operator can register a decoder or
// backend implementation built out-of-tree, gated on a semantic-version
// compatibility range the way a plugin host negotiates protocol versions.
// Uses github.com/hashicorp/go-version, present in the teacher's go.mod.
package pluginreg

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-version"

	"github.com/n0call/trx-rs-go/internal/decoder"
)

// ProtocolVersion is this server's own control-protocol version; a plugin
// declares the range of server versions it's compatible with.
const ProtocolVersion = "1.0.0"

// Entry is one registered plugin's metadata.
type Entry struct {
	Name       string
	Kind       string // "backend" or "decoder"
	Version    string
	Constraint string // version.Constraints string the plugin requires of the server's ProtocolVersion
}

// DecoderFactory builds a symbol-level decoder bound to one SDR channel.
// The dynamic-loading mechanism that discovers these under TRX_PLUGIN_DIRS
// is external; the runtime only consumes the resulting table.
type DecoderFactory func(channelID string) decoder.Decoder

// Registry tracks registered plugins and gates registration on protocol
// compatibility (RigSnapshot.plugin_versions surfaces the accepted set).
type Registry struct {
	mu       sync.Mutex
	entries  map[string]Entry
	decoders map[string]DecoderFactory
	serverV  *version.Version
}

func New() (*Registry, error) {
	v, err := version.NewVersion(ProtocolVersion)
	if err != nil {
		return nil, err
	}
	return &Registry{
		entries:  make(map[string]Entry),
		decoders: make(map[string]DecoderFactory),
		serverV:  v,
	}, nil
}

// Register admits a plugin if its declared constraint is satisfied by this
// server's protocol version, rejecting it with an explanatory error otherwise.
func (r *Registry) Register(e Entry) error {
	constraints, err := version.NewConstraint(e.Constraint)
	if err != nil {
		return fmt.Errorf("pluginreg: %s: invalid constraint %q: %w", e.Name, e.Constraint, err)
	}
	if !constraints.Check(r.serverV) {
		return fmt.Errorf("pluginreg: %s requires protocol %s, server is %s", e.Name, e.Constraint, ProtocolVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return nil
}

// Versions returns name -> version for every registered plugin, the shape
// RigSnapshot.plugin_versions carries.
func (r *Registry) Versions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.Version
	}
	return out
}

// Get looks up a registered plugin by name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// RegisterDecoder admits a decoder plugin (same compatibility gate as
// Register) and records its factory for the runtime to bind per channel.
func (r *Registry) RegisterDecoder(e Entry, f DecoderFactory) error {
	if e.Kind == "" {
		e.Kind = "decoder"
	}
	if err := r.Register(e); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[e.Name] = f
	return nil
}

// DecoderFactoryFor returns the factory a decoder plugin registered under
// name, if any.
func (r *Registry) DecoderFactoryFor(name string) (DecoderFactory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.decoders[name]
	return f, ok
}
