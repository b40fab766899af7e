// Package linear provides the piecewise-linear cost functions used by the
// protocol performance model. A Func models f(x) = C + M*x where x is a
// message length in bytes and f(x) an estimated completion time in seconds.
package linear

import (
	"fmt"
	"math"
)

// Func is a linear function f(x) = C + M*x.
type Func struct {
	C float64
	M float64
}

// Make returns the function c + m*x.
func Make(c, m float64) Func {
	return Func{C: c, M: m}
}

// Infinite returns a function that evaluates to +Inf for every x. It marks
// message-size ranges a protocol cannot serve.
func Infinite() Func {
	return Func{C: math.Inf(1)}
}

// IsInfinite reports whether f never yields a finite cost.
func (f Func) IsInfinite() bool {
	return math.IsInf(f.C, 1) || math.IsInf(f.M, 1)
}

// Apply evaluates f at x.
func (f Func) Apply(x float64) float64 {
	if f.IsInfinite() {
		return math.Inf(1)
	}
	return f.C + f.M*x
}

// Add returns f + g.
func (f Func) Add(g Func) Func {
	return Func{C: f.C + g.C, M: f.M + g.M}
}

// Compose returns outer(inner(x)).
func Compose(outer, inner Func) Func {
	if inner.IsInfinite() {
		return Infinite()
	}
	return Func{C: outer.C + outer.M*inner.C, M: outer.M * inner.M}
}

// Intersect returns the x where f and g are equal. ok is false when the
// functions are parallel.
func Intersect(f, g Func) (x float64, ok bool) {
	if f.M == g.M {
		return 0, false
	}
	return (g.C - f.C) / (f.M - g.M), true
}

// String formats f with nanosecond constant and bandwidth-style slope.
func (f Func) String() string {
	if f.IsInfinite() {
		return "inf"
	}
	if f.M == 0 {
		return fmt.Sprintf("%.2fns", f.C*1e9)
	}
	return fmt.Sprintf("%.2fns+%.3fns/KB", f.C*1e9, f.M*1e9*1024)
}
