package intent

import (
	"reflect"
	"testing"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"stop words and short tokens", "Show me the latest potholes on Main street", []string{"potholes", "main", "street"}},
		{"request verbs", "tell me about water leaks", []string{"water", "leaks"}},
		{"dedup keeps first order", "garbage garbage GARBAGE pickup", []string{"garbage", "pickup"}},
		{"punctuation splits", "streetlight/outage, sidewalk!", []string{"streetlight", "outage", "sidewalk"}},
		{"interrogatives", "what where which recent flooding", []string{"flooding"}},
		{"empty", "", []string{}},
		{"non alphabetic", "?? !! ...", []string{}},
		{"only short", "a an is of to", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractKeywords(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractKeywords(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractKeywords_Deterministic(t *testing.T) {
	q := "Broken streetlights near the school crossing"
	first := ExtractKeywords(q)
	for i := 0; i < 5; i++ {
		if got := ExtractKeywords(q); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: got %v, want %v", i, got, first)
		}
	}
}
