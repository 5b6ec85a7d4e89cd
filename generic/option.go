package generic

// Option is a value that may be absent, used where a lookup has a meaningful "nothing there" outcome that isn't an
// error.
type Option[T any] struct {
	Value    T
	hasValue bool
}

// Some constructs an Option[T] that has a value.
func Some[T any](value T) Option[T] {
	return Option[T]{Value: value, hasValue: true}
}

// None constructs an Option[T] that does not have a value.
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get returns the contained value and whether there was one, comma-ok style.
func (o Option[T]) Get() (T, bool) {
	return o.Value, o.hasValue
}
