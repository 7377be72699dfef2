package pipeline

import (
	"bytes"
	"encoding/csv"
	"testing"

	"pgregory.net/rapid"
)

// Swapping two columns twice gives back the original rows.
func TestRemapSwapIsInvolution(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cell := rapid.StringMatching(`[a-z0-9]{0,6}`)
		rows := rapid.SliceOfN(rapid.SliceOfN(cell, 2, 2), 0, 20).Draw(t, "rows")

		var src bytes.Buffer
		w := csv.NewWriter(&src)
		w.Write([]string{"a", "b"})
		w.WriteAll(rows)

		swap := []Wire{{SourceIdx: 1, DestIdx: 2}, {SourceIdx: 2, DestIdx: 1}}
		var once, twice bytes.Buffer
		if _, err := Remap(bytes.NewReader(src.Bytes()), &once, swap, []string{"b", "a"}); err != nil {
			t.Fatalf("first remap: %v", err)
		}
		n, err := Remap(bytes.NewReader(once.Bytes()), &twice, swap, []string{"a", "b"})
		if err != nil {
			t.Fatalf("second remap: %v", err)
		}
		if n != len(rows) {
			t.Fatalf("expected %d rows, got %d", len(rows), n)
		}
		if twice.String() != src.String() {
			t.Fatalf("expected %q, got %q", src.String(), twice.String())
		}
	})
}
