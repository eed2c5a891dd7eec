package jobconfig

import "testing"

func TestInferServerAddress(t *testing.T) {
	cases := []struct {
		dest string
		want string
	}{
		{`\\fileserver\share\dir`, "fileserver"},
		{`\\fileserver`, "fileserver"},
		{`/local/path`, ""},
		{`C:\local\path`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := inferServerAddress(tc.dest); got != tc.want {
			t.Errorf("inferServerAddress(%q) = %q, want %q", tc.dest, got, tc.want)
		}
	}
}

func TestValidateInfersServerAddressFromUNCDest(t *testing.T) {
	cfg := New("/src", `\\myserver\share`)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ServerAddress != "myserver" {
		t.Errorf("ServerAddress = %q, want myserver", cfg.ServerAddress)
	}
}

func TestValidateLeavesServerAddressEmptyForLocalDest(t *testing.T) {
	cfg := New("/src", "/dst")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ServerAddress != "" {
		t.Errorf("ServerAddress = %q, want empty", cfg.ServerAddress)
	}
}
