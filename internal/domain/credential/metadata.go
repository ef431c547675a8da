// Package credential contains read-only credential metadata used for evaluation and display.
package credential

import (
	"context"
	"errors"
)

// ErrCredentialNotFound is returned when a credential id is unknown.
var ErrCredentialNotFound = errors.New("credential not found")

// Metadata describes a stored credential without its secret.
type Metadata struct {
	// ID is the credential identifier.
	ID string `json:"id" yaml:"id" mapstructure:"id"`
	// PluginType is the credential category (e.g., "aws", "oauth_github").
	PluginType string `json:"plugin_type" yaml:"plugin_type" mapstructure:"plugin_type"`
	// Name is the display name.
	Name string `json:"name,omitempty" yaml:"name" mapstructure:"name"`
}

// MetadataLookup resolves credential metadata and plugin display names.
// Lookups are best-effort: absence degrades trace readability, not correctness.
type MetadataLookup interface {
	// Credential returns the metadata for a credential or ErrCredentialNotFound.
	Credential(ctx context.Context, credentialID string) (Metadata, error)
	// PluginName returns the display name of a plugin type, or "" if unknown.
	PluginName(ctx context.Context, pluginType string) string
}
