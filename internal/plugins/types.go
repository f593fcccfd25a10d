// Package plugins is a small named-factory registry for the two backend
// categories SSAP selects by configuration rather than by code: the
// provider client (C2) and the principal extractor (C8).
package plugins

import "errors"

// Common errors returned by the registry.
var (
	ErrUnknownProviderBackend  = errors.New("plugins: unknown provider backend")
	ErrUnknownPrincipalBackend = errors.New("plugins: unknown principal backend")
)

// Category identifies which pluggable concern a factory belongs to.
type Category string

const (
	CategoryProvider  Category = "provider"
	CategoryPrincipal Category = "principal"
)
