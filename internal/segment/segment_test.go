package segment

import "testing"

func TestParseContentType(t *testing.T) {
	tests := []struct {
		input string
		want  ContentType
	}{
		{"video", Video},
		{"VIDEO", Video},
		{" audio ", Audio},
		{"text", Other},
		{"", Other},
	}

	for _, tt := range tests {
		if got := ParseContentType(tt.input); got != tt.want {
			t.Errorf("ParseContentType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestContentType_String(t *testing.T) {
	if Video.String() != "video" || Audio.String() != "audio" || Other.String() != "other" {
		t.Errorf("unexpected names: %s %s %s", Video, Audio, Other)
	}
}
