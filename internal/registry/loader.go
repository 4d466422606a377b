package registry

import "context"

// Loader hands the gateway a point-in-time list of child servers to spawn.
// FileStore is the only production implementation; tests may supply a
// static slice-backed fake instead.
type Loader interface {
	Snapshot(ctx context.Context) ([]Descriptor, error)
}

// StaticLoader is a Loader over a fixed, in-memory list, used by tests that
// don't want a file on disk.
type StaticLoader []Descriptor

func (s StaticLoader) Snapshot(ctx context.Context) ([]Descriptor, error) {
	out := make([]Descriptor, len(s))
	copy(out, s)
	return out, nil
}
