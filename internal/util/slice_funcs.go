package util

// Map applies the given function to each element in the slice and returns a new slice with the results
func Map[T any, R any](slice []T, f func(T) R) []R {
	result := make([]R, len(slice))
	for i, v := range slice {
		result[i] = f(v)
	}
	return result
}

func Filter[T any](slice []T, f func(T) bool) []T {
	var result []T
	for _, v := range slice {
		if keep := f(v); keep {
			result = append(result, v)
		}
	}
	return result
}

// RemoveFirst removes the first element equal to v and reports whether one was found.
func RemoveFirst[T comparable](slice []T, v T) ([]T, bool) {
	for i, e := range slice {
		if e == v {
			return append(slice[:i], slice[i+1:]...), true
		}
	}
	return slice, false
}
