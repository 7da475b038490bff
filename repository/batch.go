package repository

// DefaultBatchSize bounds the number of bound parameters per IN (...) query.
// SQLite builds older than 3.32 cap host parameters at 999.
const DefaultBatchSize = 500

// forEachChunk calls fn with consecutive slices of at most size items.
func forEachChunk[T any](items []T, size int, fn func(chunk []T) error) error {
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// distinct returns items without repeats, keeping first-occurrence order.
func distinct[T comparable](items []T) []T {
	seen := make(map[T]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
