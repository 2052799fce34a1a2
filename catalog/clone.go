package catalog

import (
	"maps"
	"slices"
)

// Clone returns a deep copy of the descriptor.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	out.Args = slices.Clone(d.Args)
	out.Headers = maps.Clone(d.Headers)
	out.Env = maps.Clone(d.Env)
	return out
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	out.Capabilities = slices.Clone(e.Capabilities)
	if out.Capabilities == nil {
		out.Capabilities = []string{}
	}
	return out
}

// Clone returns a deep copy of the agent.
func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = slices.Clone(a.Capabilities)
	if out.Capabilities == nil {
		out.Capabilities = []string{}
	}
	return out
}

// CloneDescriptors deep-copies a descriptor list.
func CloneDescriptors(in []Descriptor) []Descriptor {
	if in == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(in))
	for _, d := range in {
		out = append(out, d.Clone())
	}
	return out
}
