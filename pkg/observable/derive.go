package observable

// Derived is a read-only value computed from two inputs. It holds no state of
// its own beyond the last computed result; every input change recomputes it.
type Derived[T comparable] struct {
	value  *Value[T]
	unsubs []func()
}

// Derive2 returns a Derived whose value is fn(a.Get(), b.Get()), recomputed
// synchronously whenever either input changes.
func Derive2[A, B, T comparable](a Readonly[A], b Readonly[B], fn func(A, B) T) *Derived[T] {
	d := &Derived[T]{value: New(fn(a.Get(), b.Get()))}

	recompute := func() {
		d.value.Set(fn(a.Get(), b.Get()))
	}

	d.unsubs = append(d.unsubs,
		a.Subscribe(func(A) { recompute() }),
		b.Subscribe(func(B) { recompute() }),
	)
	return d
}

// Get returns the current derived value.
func (d *Derived[T]) Get() T {
	return d.value.Get()
}

// Subscribe registers fn for transitions of the derived value.
func (d *Derived[T]) Subscribe(fn func(T)) func() {
	return d.value.Subscribe(fn)
}

// Dispose releases the input subscriptions and drops all subscribers.
func (d *Derived[T]) Dispose() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	d.value.Dispose()
}
