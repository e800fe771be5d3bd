// Package batch splits ordered symbol lists into fixed-size chunks for
// subscription calls that cap how many symbols one request may carry.
package batch

// Chunks partitions items into consecutive slices of at most size elements,
// preserving order with no gaps, overlaps, or duplicates. The final chunk may
// be shorter. A nil result is returned for empty input or a non-positive
// size; a non-positive size is treated as "nothing to batch", not an error.
func Chunks(items []string, size int) [][]string {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	out := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}
