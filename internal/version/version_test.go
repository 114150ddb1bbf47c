package version

import "testing"

func TestDescribe(t *testing.T) {
	old := Version
	Version = "1.2.0"
	t.Cleanup(func() { Version = old })

	got := Describe("relayd")
	want := "relayd 1.2.0 (commit unknown, built unknown)"
	if got != want {
		t.Fatalf("Describe = %q, want %q", got, want)
	}
}
