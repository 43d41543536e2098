package events

// CheckInput asserts the dynamic value has type T. On mismatch it records the
// standard error message and returns false.
func CheckInput[T any](r *Recorder, name string, value any) (T, bool) {
	v, ok := value.(T)
	if !ok {
		var zero T
		r.AddError("The %s must be a %T object (obtained: %T).", name, zero, value)
		return zero, false
	}
	return v, true
}

// CheckInputList asserts every element of the list has type T.
func CheckInputList[T any](r *Recorder, name string, values []any) ([]T, bool) {
	out := make([]T, 0, len(values))
	for _, value := range values {
		v, ok := value.(T)
		if !ok {
			var zero T
			r.AddError("The %s list must only contain %T objects (obtained: %T).", name, zero, value)
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// CheckInputMap asserts every value of the map has type V.
func CheckInputMap[K comparable, V any](r *Recorder, name string, values map[K]any) (map[K]V, bool) {
	out := make(map[K]V, len(values))
	for k, value := range values {
		v, ok := value.(V)
		if !ok {
			var zero V
			r.AddError("The values of the %s map must be %T objects (obtained: %T).", name, zero, value)
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
