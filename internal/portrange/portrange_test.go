package portrange

import "testing"

func TestParseSinglePort(t *testing.T) {
	r, err := Parse("0.0.0.0:9000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Host != "0.0.0.0" || r.MinPort != 9000 || r.MaxPort != 9000 {
		t.Fatalf("unexpected range: %+v", r)
	}
	if got := r.Ports(); len(got) != 1 || got[0] != "0.0.0.0:9000" {
		t.Fatalf("unexpected ports: %v", got)
	}
}

func TestParsePortRange(t *testing.T) {
	r, err := Parse(":9000-9002")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{":9000", ":9001", ":9002"}
	got := r.Ports()
	if len(got) != len(want) {
		t.Fatalf("ports = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ports[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseRejectsInvertedRange(t *testing.T) {
	if _, err := Parse("127.0.0.1:9002-9000"); err == nil {
		t.Fatalf("expected error for inverted range")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse("not-an-address"); err == nil {
		t.Fatalf("expected error for malformed address")
	}
}

func TestParseRejectsZeroPort(t *testing.T) {
	if _, err := Parse("127.0.0.1:0"); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
