package domain

import "testing"

func TestRole(t *testing.T) {
	t.Parallel()

	if got := (&User{IsDoctor: true}).Role(); got != "doctor" {
		t.Errorf("Expected doctor, got %q", got)
	}
	if got := (&User{}).Role(); got != "patient" {
		t.Errorf("Expected patient, got %q", got)
	}
	if got := (UserContext{Doctor: true}).Role(); got != "doctor" {
		t.Errorf("Expected doctor, got %q", got)
	}
	if got := (UserContext{}).Role(); got != "patient" {
		t.Errorf("Expected patient, got %q", got)
	}
}
