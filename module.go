package main

// Module is a network component with trainable parameters and fixed
// buffers. Forward is a pure function of its input, its parameters and ex;
// the only state a forward pass may mutate is batch-norm running
// statistics when ex is in training mode.
type Module interface {
	Forward(ex Exec, x *Tensor) *Tensor
	Parameters() []*Tensor
	Buffers() []*Tensor
}

// Sequential is a container for modules applied in order.
type Sequential struct {
	modules []Module
}

// NewSequential creates a container running modules in order.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

// Add appends a module to the sequence.
func (s *Sequential) Add(m Module) {
	s.modules = append(s.modules, m)
}

// Modules returns the contained modules.
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Forward performs the forward pass for the entire sequence of modules.
func (s *Sequential) Forward(ex Exec, x *Tensor) *Tensor {
	for _, m := range s.modules {
		x = m.Forward(ex, x)
	}
	return x
}

// Parameters returns all parameters from all modules in order.
func (s *Sequential) Parameters() []*Tensor {
	var params []*Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Buffers returns all fixed buffers from all modules in order.
func (s *Sequential) Buffers() []*Tensor {
	var bufs []*Tensor
	for _, m := range s.modules {
		bufs = append(bufs, m.Buffers()...)
	}
	return bufs
}

// collectParameters concatenates the parameters of several modules.
func collectParameters(modules ...Module) []*Tensor {
	return NewSequential(modules...).Parameters()
}

// collectBuffers concatenates the buffers of several modules.
func collectBuffers(modules ...Module) []*Tensor {
	return NewSequential(modules...).Buffers()
}

// countParameters returns the total number of trainable scalars.
func countParameters(params []*Tensor) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}
