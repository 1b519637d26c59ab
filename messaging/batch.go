package messaging

import "sync"

// runBatches runs fn over units in chunks of width goroutines, waiting for every unit of a
// chunk before starting the next.
func runBatches[T any](width int, units []T, fn func(T)) {
	if width < 1 {
		width = 1
	}
	for start := 0; start < len(units); start += width {
		end := start + width
		if end > len(units) {
			end = len(units)
		}
		var wg sync.WaitGroup
		for _, u := range units[start:end] {
			wg.Add(1)
			go func(u T) {
				defer wg.Done()
				fn(u)
			}(u)
		}
		wg.Wait()
	}
}
