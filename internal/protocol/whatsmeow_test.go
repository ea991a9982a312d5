package protocol

import "testing"

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"51987654321", "51987654321@s.whatsapp.net", false},
		{"+51987654321", "51987654321@s.whatsapp.net", false},
		{"51987654321@s.whatsapp.net", "51987654321@s.whatsapp.net", false},
		{"12036302@g.us", "12036302@g.us", false},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRecipient(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseRecipient(%q) = %q, want %q", tt.in, got.String(), tt.want)
			}
		})
	}
}
