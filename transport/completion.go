package transport

// Completion is a reference-counted completion shared by every operation a
// request posts. Func runs once, when the count drops to zero, with the first
// error reported by any operation.
type Completion struct {
	Count  int
	Status error
	Func   func(*Completion)
}

// Init resets the completion with an initial reference count.
func (c *Completion) Init(count int, fn func(*Completion)) {
	c.Count = count
	c.Status = nil
	c.Func = fn
}

// Add takes n additional references.
func (c *Completion) Add(n int) {
	c.Count += n
}

// Done drops one reference, recording err when it is the first failure.
func (c *Completion) Done(err error) {
	if err != nil && c.Status == nil {
		c.Status = err
	}
	c.Count--
	if c.Count == 0 && c.Func != nil {
		c.Func(c)
	}
}
