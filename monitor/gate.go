package monitor

import "twzcore/kernel"

// Crossing marks an argument struct as safe to pass across a secure gate: no
// references, no interior pointers, nothing the callee could use to reach
// back into the caller's address space except through the marshaled bytes
// themselves. It carries no methods; it exists purely so a gate function's
// signature documents, at the type level, that its argument has been
// audited for this.
type Crossing interface{}

// Return is the envelope a secure gate call's result travels back in. IsSet
// distinguishes "the callee returned this zero value" from "the callee
// never returned a value at all" (e.g. it trapped), which a bare T cannot
// express without reserving a sentinel.
type Return[T any] struct {
	Value T
	IsSet bool
}

// Ok wraps v as a present Return value.
func Ok[T any](v T) Return[T] {
	return Return[T]{Value: v, IsSet: true}
}

// Unset returns an empty Return value, e.g. because the gate call trapped
// before producing a real one.
func Unset[T any]() Return[T] {
	return Return[T]{}
}

// SecGateInfo is the fixed record a gate function publishes for the
// dynamic linker to find: its entry point and a C-string name, placed in a
// dedicated section (conceptually .twz_gates) so a Compartment can enumerate
// every gate it exports without walking the whole symbol table.
type SecGateInfo struct {
	ImplPtr  uintptr
	NameCStr string
}

var errUnknownGate = &kernel.Error{Module: "monitor", Message: "unknown secure gate", Kind: kernel.KindName}
var errGateAlreadyRegistered = &kernel.Error{Module: "monitor", Message: "gate name already registered in this compartment", Kind: kernel.KindName}

// RegisterGate publishes info as one of comp's callable gate entry points.
func (comp *Compartment) RegisterGate(info *SecGateInfo) *kernel.Error {
	if _, exists := comp.gates[info.NameCStr]; exists {
		return errGateAlreadyRegistered
	}
	comp.gates[info.NameCStr] = info
	return nil
}

// Gate looks up a published gate by name.
func (comp *Compartment) Gate(name string) (*SecGateInfo, *kernel.Error) {
	info, ok := comp.gates[name]
	if !ok {
		return nil, errUnknownGate
	}
	return info, nil
}

// secCtxSwitchFn switches the running thread's security context to target
// and returns a function that restores the previous one; it is a seam over
// what is, on real hardware, a privileged instruction sequence.
var secCtxSwitchFn = func(target *Compartment) func() { return func() {} }

// SetSecCtxSwitchFn overrides the security-context switch primitive, or
// restores a no-op default when fn is nil.
func SetSecCtxSwitchFn(fn func(target *Compartment) func()) {
	if fn == nil {
		secCtxSwitchFn = func(*Compartment) func() { return func() {} }
		return
	}
	secCtxSwitchFn = fn
}

// tlsEnsureFn installs the calling thread's TLS for target if it has not
// already been allocated there. Real threads carry one TCB per compartment
// they have ever called into; this is a seam over that per-thread lazy
// allocation so gate.Call can be tested without a thread-local registry.
var tlsEnsureFn = func(target *Compartment) {}

// SetTLSEnsureFn overrides the per-compartment TLS lazy-init hook used by
// Call, or restores a no-op default when fn is nil.
func SetTLSEnsureFn(fn func(target *Compartment)) {
	if fn == nil {
		tlsEnsureFn = func(*Compartment) {}
		return
	}
	tlsEnsureFn = fn
}

// Call invokes the named gate in target, implementing the cross-compartment
// trampoline's three jobs in order: (1) switch security context, (2)
// re-initialize the callee's TLS for the current thread if not already
// present, (3) marshal args and invoke the gate body, which itself produces
// a Return[T] envelope. args must implement Crossing. The security context
// is restored before Call returns, including on a body panic.
func Call[A Crossing, T any](target *Compartment, gateName string, args A, body func(A) Return[T]) (Return[T], *kernel.Error) {
	if _, err := target.Gate(gateName); err != nil {
		return Return[T]{}, err
	}

	restore := secCtxSwitchFn(target)
	defer restore()

	tlsEnsureFn(target)

	return body(args), nil
}
