package models

import "testing"

func TestContactLockedFor(t *testing.T) {
	owner := "u1"
	tests := []struct {
		name    string
		contact Contact
		user    string
		want    bool
	}{
		{"open and owned by another", Contact{SessionStatus: ContactSessionOpen, UserID: &owner}, "u2", true},
		{"open and owned by caller", Contact{SessionStatus: ContactSessionOpen, UserID: &owner}, "u1", false},
		{"open without owner", Contact{SessionStatus: ContactSessionOpen}, "u2", false},
		{"closed and owned by another", Contact{SessionStatus: ContactSessionClosed, UserID: &owner}, "u2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.contact.LockedFor(tt.user); got != tt.want {
				t.Errorf("LockedFor(%q) = %v, want %v", tt.user, got, tt.want)
			}
		})
	}
}
