package core

// admit returns the prefix of ready that fits under ceiling while active
// tasks are already in flight.
func admit(ready []string, active, ceiling int) []string {
	free := ceiling - active
	if free <= 0 {
		return nil
	}
	if len(ready) > free {
		return ready[:free]
	}
	return ready
}

// Chunk splits items into chunks of at most size.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) <= size {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var chunks [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
