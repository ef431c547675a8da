package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sentinel-Gate/credgate/internal/domain/credential"
)

// CredentialDirectory implements credential.MetadataLookup from a static,
// configuration-seeded list of credentials.
type CredentialDirectory struct {
	mu          sync.RWMutex
	credentials map[string]credential.Metadata
	plugins     map[string]string
}

// NewCredentialDirectory creates a directory holding the given credentials.
func NewCredentialDirectory(creds ...credential.Metadata) *CredentialDirectory {
	d := &CredentialDirectory{
		credentials: make(map[string]credential.Metadata, len(creds)),
		plugins:     make(map[string]string),
	}
	for _, c := range creds {
		d.credentials[c.ID] = c
	}
	return d
}

// Put adds or replaces a credential.
func (d *CredentialDirectory) Put(c credential.Metadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials[c.ID] = c
}

// SetPluginName registers a display name for a plugin type.
func (d *CredentialDirectory) SetPluginName(pluginType, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plugins[pluginType] = name
}

// Credential returns the metadata for a credential.
func (d *CredentialDirectory) Credential(ctx context.Context, credentialID string) (credential.Metadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.credentials[credentialID]
	if !ok {
		return credential.Metadata{}, fmt.Errorf("%s: %w", credentialID, credential.ErrCredentialNotFound)
	}
	return c, nil
}

// PluginName returns the registered display name, falling back to the type itself
// when at least one known credential uses it.
func (d *CredentialDirectory) PluginName(ctx context.Context, pluginType string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if name, ok := d.plugins[pluginType]; ok {
		return name
	}
	for _, c := range d.credentials {
		if c.PluginType == pluginType {
			return pluginType
		}
	}
	return ""
}

// Compile-time interface verification.
var _ credential.MetadataLookup = (*CredentialDirectory)(nil)
