package proto

import "sync"

// ProgressStatus is the outcome of one progress invocation.
type ProgressStatus uint8

const (
	// ProgressDone means the protocol needs no further invocations.
	ProgressDone ProgressStatus = iota
	// ProgressAgain means the protocol made progress and wants to be
	// invoked again right away.
	ProgressAgain
	// ProgressBlocked means the transport would block; nothing changed.
	ProgressBlocked
)

// Priv is the private configuration a protocol init produces. It is never
// mutated after init.
type Priv interface {
	String() string
}

// Protocol is a registered wire protocol.
type Protocol struct {
	Name     string
	Init     func(p *InitParams) (Priv, *Caps, error)
	Progress func(req *Request) ProgressStatus
}

// Describe renders priv for diagnostics.
func (p *Protocol) Describe(priv Priv) string {
	if priv == nil {
		return p.Name
	}
	return p.Name + "(" + priv.String() + ")"
}

// Registry keeps protocols in registration order, which is also the
// tie-break order of selection.
type Registry struct {
	mu     sync.RWMutex
	protos []*Protocol
	names  map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends p. Registering a name twice panics.
func (r *Registry) Register(p *Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.names[p.Name]; dup {
		panic("proto: duplicate protocol " + p.Name)
	}
	r.names[p.Name] = struct{}{}
	r.protos = append(r.protos, p)
}

// Protocols returns the registered protocols in order.
func (r *Registry) Protocols() []*Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Protocol(nil), r.protos...)
}

// Default is the registry protocol packages add themselves to.
var Default = NewRegistry()

// Register adds p to the default registry.
func Register(p *Protocol) {
	Default.Register(p)
}

// Active message ids.
const (
	AMEager uint8 = iota + 1
	AMRndvRTS
	AMRndvRTR
	AMRndvATS
	AMRndvATP
)

// AMHandler consumes one active message on w.
type AMHandler func(w Worker, data []byte) error

// AMHandlerEntry is a registered active-message handler.
type AMHandlerEntry struct {
	ID      uint8
	Name    string
	Handler AMHandler
}

var (
	amMu       sync.RWMutex
	amHandlers []AMHandlerEntry
)

// RegisterAMHandler installs the handler workers bind to id. Registering an
// id twice panics.
func RegisterAMHandler(id uint8, name string, fn AMHandler) {
	amMu.Lock()
	defer amMu.Unlock()
	for _, e := range amHandlers {
		if e.ID == id {
			panic("proto: duplicate active message handler " + name)
		}
	}
	amHandlers = append(amHandlers, AMHandlerEntry{ID: id, Name: name, Handler: fn})
}

// AMHandlers returns every registered handler.
func AMHandlers() []AMHandlerEntry {
	amMu.RLock()
	defer amMu.RUnlock()
	return append([]AMHandlerEntry(nil), amHandlers...)
}
