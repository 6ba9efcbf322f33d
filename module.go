package devicecache

import "context"

// Module is a loaded code resource.
type Module interface {
	// Exports returns the module's exported values.
	Exports() map[string]any
}

// ModuleLoader turns cached bytes into a live Module. The host injects its
// own evaluator (an embedded scripting engine, a plugin host, ...); the cache
// itself stays language-agnostic and treats code resources as opaque bytes.
type ModuleLoader interface {
	Load(ctx context.Context, uri string, src []byte) (Module, error)
}
