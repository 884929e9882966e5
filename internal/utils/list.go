package utils

func IsStringInSlice(s string, slice []string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

func UniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))

	for _, v := range values {
		if _, exists := seen[v]; !exists {
			seen[v] = struct{}{}
			unique = append(unique, v)
		}
	}

	return unique
}

// Chunk splits values into slices of at most size elements.
func Chunk[T any](values []T, size int) [][]T {
	if size <= 0 {
		return [][]T{values}
	}
	var chunks [][]T
	for size < len(values) {
		values, chunks = values[size:], append(chunks, values[0:size:size])
	}
	if len(values) > 0 {
		chunks = append(chunks, values)
	}
	return chunks
}
