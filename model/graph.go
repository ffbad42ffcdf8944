package model

import (
	"imageflow/nn"
	"imageflow/tensor"
)

// LinearSlot is a declared linear unit awaiting its weight. Declaration
// records only the dimensions and an install callback; no float storage
// exists until the checkpoint pass materializes the slot.
type LinearSlot struct {
	Path    string
	In, Out int32

	install func(nn.LinearLayer)
	layer   nn.LinearLayer
}

// Layer returns the materialized layer, or nil before materialization.
func (s *LinearSlot) Layer() nn.LinearLayer { return s.layer }

// Quantized reports whether the slot was materialized as an FP8 unit.
func (s *LinearSlot) Quantized() bool {
	switch s.layer.(type) {
	case *nn.ScaledFP8Linear, *nn.FP8Linear:
		return true
	}
	return false
}

// ParamSlot is a declared non-linear parameter (norm scale, embedding
// table, pad token) awaiting its dense values.
type ParamSlot struct {
	Path  string
	Shape []int32

	// zeroFill marks parameters that may be absent from the checkpoint
	// and are then backed by zero storage instead of failing the load.
	zeroFill bool

	bind  func(*tensor.Tensor)
	bound bool
}

// GraphSpec is the declared topology of a model: every parameter the graph
// needs, keyed by canonical path. A spec is built once per model type and
// consumed by a Builder.
type GraphSpec struct {
	linears map[string]*LinearSlot
	params  map[string]*ParamSlot
	order   []string
}

// NewGraphSpec creates an empty topology declaration.
func NewGraphSpec() *GraphSpec {
	return &GraphSpec{
		linears: make(map[string]*LinearSlot),
		params:  make(map[string]*ParamSlot),
	}
}

// Linear declares a linear unit at path with the given dimensions. The
// install callback receives the materialized layer, dense or quantized.
// The path is the layer path without the ".weight" suffix.
func (g *GraphSpec) Linear(path string, in, out int32, install func(nn.LinearLayer)) {
	g.linears[path] = &LinearSlot{Path: path, In: in, Out: out, install: install}
	g.order = append(g.order, path)
}

// Param declares a dense parameter at path with the given shape. The bind
// callback receives the materialized tensor.
func (g *GraphSpec) Param(path string, shape []int32, bind func(*tensor.Tensor)) {
	g.params[path] = &ParamSlot{Path: path, Shape: shape, bind: bind}
	g.order = append(g.order, path)
}

// ParamZeroFill declares a dense parameter that is zero-filled when the
// checkpoint does not carry it. Reserved for parameters with a safe zero
// default, such as pad tokens.
func (g *GraphSpec) ParamZeroFill(path string, shape []int32, bind func(*tensor.Tensor)) {
	g.params[path] = &ParamSlot{Path: path, Shape: shape, zeroFill: true, bind: bind}
	g.order = append(g.order, path)
}

// LinearSlots returns the declared linear slots in declaration order.
func (g *GraphSpec) LinearSlots() []*LinearSlot {
	out := make([]*LinearSlot, 0, len(g.linears))
	for _, path := range g.order {
		if slot, ok := g.linears[path]; ok {
			out = append(out, slot)
		}
	}
	return out
}
