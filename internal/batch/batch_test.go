package batch

import (
	"fmt"
	"reflect"
	"testing"
)

func TestChunksCoversInputInOrder(t *testing.T) {
	cases := []struct {
		n    int
		size int
	}{
		{1, 1},
		{5, 2},
		{6, 3},
		{10, 4},
		{100, 25},
		{7, 100},
	}

	for _, tc := range cases {
		items := make([]string, tc.n)
		for i := range items {
			items[i] = fmt.Sprintf("SYM%d", i)
		}

		chunks := Chunks(items, tc.size)

		wantChunks := (tc.n + tc.size - 1) / tc.size
		if len(chunks) != wantChunks {
			t.Errorf("n=%d size=%d: got %d chunks, want %d", tc.n, tc.size, len(chunks), wantChunks)
		}

		var flat []string
		for i, c := range chunks {
			if i < len(chunks)-1 && len(c) != tc.size {
				t.Errorf("n=%d size=%d: chunk %d has len %d, want %d", tc.n, tc.size, i, len(c), tc.size)
			}
			flat = append(flat, c...)
		}
		if !reflect.DeepEqual(flat, items) {
			t.Errorf("n=%d size=%d: concatenated chunks differ from input", tc.n, tc.size)
		}
	}
}

func TestChunksDegenerateSizes(t *testing.T) {
	items := []string{"AAPL", "MSFT"}
	if got := Chunks(items, 0); got != nil {
		t.Errorf("size 0: got %v, want nil", got)
	}
	if got := Chunks(items, -3); got != nil {
		t.Errorf("negative size: got %v, want nil", got)
	}
	if got := Chunks(nil, 5); got != nil {
		t.Errorf("empty input: got %v, want nil", got)
	}
}
