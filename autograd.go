package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements reverse-mode automatic differentiation (autograd).
//
// INTENTION:
// Every operation in this package computes its forward value eagerly and,
// when the execution context tracks gradients, attaches a closure to the
// output tensor. The closure knows how to push the output's gradient back
// into the operation's inputs. Backward() walks that graph from the loss.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Want: ∂z/∂x (how z changes with x)
//
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// In backpropagation:
//   - Forward: Compute y = f(x), z = g(y), remembering the edges
//   - Backward: Seed ∂z/∂z = 1, visit nodes in reverse topological order,
//     each node adds its contribution into its parents' gradients
//
// WEIGHT SHARING:
// Gradients are always accumulated (+=), never assigned. A parameter used
// by two branches of the network (the two detector channels that share one
// extractor) therefore receives the sum of both contributions, and the
// optimizer sees a single owner for it.
//
// WHAT IS NOT HERE:
// No higher-order gradients. Once Backward() has visited a node it drops
// the node's closure and parents so the activations can be collected.
//
// ===========================================================================

// Backward computes gradients of root with respect to every tensor in its
// graph that requires them. root is seeded with ones, which for a scalar
// loss is ∂L/∂L = 1.
func Backward(root *Tensor) {
	backwardFrom(root, nil)
}

// backwardFrom runs the backward pass with an explicit output gradient.
// A nil seed means ones.
func backwardFrom(root *Tensor, seed []float64) {
	if !root.requiresGrad {
		return
	}
	order := topoSort(root)

	g := root.gradSink()
	for i := range g {
		if seed == nil {
			g[i] = 1
		} else {
			g[i] = seed[i]
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.backward != nil && node.grad != nil {
			node.backward()
		}
		node.backward = nil
		node.parents = nil
	}
}

// topoSort returns the nodes reachable from root that require gradients,
// parents before children. Iterative so deep graphs cannot blow the stack.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		node *Tensor
		next int
	}

	var order []*Tensor
	visited := make(map[*Tensor]bool)
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.parents) {
			p := top.node.parents[top.next]
			top.next++
			if p != nil && p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{node: p})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// ZeroGrads drops the gradients of every tensor in params. A parameter
// that takes no part in the next backward pass is left with a nil gradient,
// which optimizers read as "skip this step".
func ZeroGrads(params []*Tensor) {
	for _, p := range params {
		p.grad = nil
	}
}
