// Package provider implements the provider client (C2): the boundary
// between the session broker and whatever actually owns sandbox compute.
// Two backends satisfy Client — a generic HTTP control-plane adapter and a
// Kubernetes-native one — selected by configuration, not code.
package provider

import (
	"context"
	"errors"
)

// Sandbox describes a provisioned or existing sandbox as returned by the
// provider, independent of which backend produced it.
type Sandbox struct {
	Name         string
	DataplaneURL string
}

// ErrNotFound is returned by Get when the named sandbox does not exist.
var ErrNotFound = errors.New("provider: sandbox not found")

// TemplateSpec describes the template ensure_template provisions or
// confirms. CPU, Memory, and Storage are optional resource hints; an empty
// string leaves the backend's own default in place.
type TemplateSpec struct {
	Name    string
	Image   string
	CPU     string
	Memory  string
	Storage string
}

// Client is the C2 contract used by the session manager's ensure/get_owned
// algorithm.
type Client interface {
	// ListTemplateNames returns the template names this provider can create
	// sandboxes from, used to pick a default when none is configured.
	ListTemplateNames(ctx context.Context) ([]string, error)

	// EnsureTemplate provisions the named template if it is absent.
	// Idempotent: a conflict/"already exists" signal from the backend is
	// treated as success, not an error.
	EnsureTemplate(ctx context.Context, spec TemplateSpec) error

	// Get looks up an existing sandbox by name. Returns ErrNotFound if it
	// does not exist.
	Get(ctx context.Context, name string) (*Sandbox, error)

	// Create provisions a new sandbox, optionally from the given template
	// name (empty uses the provider's configured default) and optionally
	// hinting a name.
	Create(ctx context.Context, templateName, nameHint string) (*Sandbox, error)

	// Healthy reports whether the provider's control plane is reachable.
	Healthy(ctx context.Context) bool
}
