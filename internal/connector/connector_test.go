package connector

import (
	"testing"
)

func TestIsKeepalive(t *testing.T) {
	cases := map[string]bool{
		"[KEEPALIVE]":   true,
		" [KEEPALIVE] ": true,
		"hello world":   false,
		"":               false,
	}
	for line, want := range cases {
		if got := IsKeepalive(line); got != want {
			t.Errorf("IsKeepalive(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestBuildCommand_UnknownConnectorType(t *testing.T) {
	_, _, err := buildCommand(Spec{ConnectorType: "unknown-cli"})
	if err == nil {
		t.Fatal("expected error for unknown connector type")
	}
}
