package slices

// Returns the elements of slice for which keep returns true, in their original
// order. Returns nil if no element is kept.
func Filter[T any](slice []T, keep func(T) bool) []T {
	var rv []T
	for _, v := range slice {
		if keep(v) {
			rv = append(rv, v)
		}
	}
	return rv
}
