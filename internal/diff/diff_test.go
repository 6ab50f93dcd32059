package diff

import "testing"

func TestCompare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		prev     []string
		cur      []string
		expected string
	}{
		{"added and removed", []string{"car", "tree"}, []string{"tree", "bus"}, "New objects: ['bus']\nObjects no longer detected: ['car']"},
		{"unchanged", []string{"tree"}, []string{"tree"}, NoChanges},
		{"both empty", nil, nil, NoChanges},
		{"only added sorted", []string{"tree"}, []string{"tree", "water", "bus", "car"}, "New objects: ['bus', 'car', 'water']"},
		{"only removed", []string{"road", "car"}, []string{}, "Objects no longer detected: ['car', 'road']"},
		{"duplicates ignored", []string{"car", "car"}, []string{"car"}, NoChanges},
		{"quote in label", nil, []string{"driver's seat"}, `New objects: ["driver's seat"]`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Compare(tc.prev, tc.cur); got != tc.expected {
				t.Fatalf("Compare(%v, %v)=%q want %q", tc.prev, tc.cur, got, tc.expected)
			}
		})
	}
}

func TestCompareIgnoresInsertionOrder(t *testing.T) {
	t.Parallel()

	a := Compare([]string{"x", "b"}, []string{"z", "a", "m"})
	b := Compare([]string{"b", "x"}, []string{"m", "z", "a"})
	if a != b {
		t.Fatalf("order changed output: %q vs %q", a, b)
	}
}

func TestDiffSets(t *testing.T) {
	t.Parallel()

	c := Diff([]string{"car", "tree"}, []string{"tree", "bus"})
	if len(c.Added) != 1 || c.Added[0] != "bus" {
		t.Fatalf("added=%v", c.Added)
	}
	if len(c.Removed) != 1 || c.Removed[0] != "car" {
		t.Fatalf("removed=%v", c.Removed)
	}
	if c.Empty() {
		t.Fatalf("expected non-empty changes")
	}
}
