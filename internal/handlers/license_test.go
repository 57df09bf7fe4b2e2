package handlers

import (
	"net/http/httptest"
	"testing"
)

func TestParseInt(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"plain digits", "42", 42, false},
		{"zero", "0", 0, false},
		{"negative", "-3", -3, false},
		{"not a number", "abc", 0, true},
		{"empty", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInt(tt.input)
			if tt.wantErr && err == nil {
				t.Fatalf("expected an error for input %q", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for input %q: %v", tt.input, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRequestIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	req.RemoteAddr = "10.0.0.1:5000"

	if got := requestIP(req); got != "203.0.113.5" {
		t.Errorf("expected forwarded-for address, got %q", got)
	}
}

func TestRequestIP_FallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	if got := requestIP(req); got != "10.0.0.1:5000" {
		t.Errorf("expected remote addr, got %q", got)
	}
}
