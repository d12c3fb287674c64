package slices

// Returns f applied to each element of slice, in order. Returns nil for an
// empty slice.
func Map[T, U any](slice []T, f func(T) U) []U {
	if len(slice) == 0 {
		return nil
	}
	rv := make([]U, 0, len(slice))
	for _, v := range slice {
		rv = append(rv, f(v))
	}
	return rv
}
