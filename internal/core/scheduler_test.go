package core

import "testing"

func TestAdmit(t *testing.T) {
	ready := []string{"a", "b", "c", "d"}
	cases := []struct {
		active, ceiling int
		want            int
	}{
		{0, 2, 2},
		{1, 2, 1},
		{2, 2, 0},
		{5, 2, 0},
		{0, 10, 4},
	}
	for _, tc := range cases {
		got := admit(ready, tc.active, tc.ceiling)
		if len(got) != tc.want {
			t.Fatalf("admit(active=%d, ceiling=%d) = %v, want %d tasks", tc.active, tc.ceiling, got, tc.want)
		}
		for i := range got {
			if got[i] != ready[i] {
				t.Fatalf("admission must preserve ready order, got %v", got)
			}
		}
	}
}

func TestChunk(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	chunks := Chunk(in, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || chunks[0][0] != "a" || chunks[0][1] != "b" {
		t.Fatalf("unexpected first chunk")
	}
	if len(chunks[2]) != 1 || chunks[2][0] != "e" {
		t.Fatalf("unexpected last chunk")
	}
	if got := Chunk(in, 0); len(got) != 1 || len(got[0]) != 5 {
		t.Fatalf("non-positive size should yield a single chunk")
	}
	if Chunk([]string(nil), 3) != nil {
		t.Fatalf("empty input should yield no chunks")
	}
}
