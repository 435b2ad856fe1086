package scanner

import "testing"

func TestResolutionClass(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{3840, 2160, "2160p"},
		{3840, 1600, "2160p"}, // scope crop still classifies by width
		{1920, 1080, "1080p"},
		{1920, 800, "1080p"},
		{1280, 720, "720p"},
		{1024, 576, "576p"},
		{720, 480, "480p"},
		{0, 0, ""},
	}
	for _, tt := range tests {
		if got := resolutionClass(tt.w, tt.h); got != tt.want {
			t.Errorf("resolutionClass(%d, %d) = %q, want %q", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestHDRFormat(t *testing.T) {
	tests := []struct {
		name          string
		colorTransfer string
		sideData      []string
		want          string
	}{
		{"sdr", "bt709", nil, ""},
		{"hdr10", "smpte2084", nil, "HDR10"},
		{"hdr10 with static metadata", "smpte2084", []string{"Mastering display metadata"}, "HDR10"},
		{"hdr10plus", "smpte2084", []string{"HDR Dynamic Metadata SMPTE2094-40 (HDR10+)"}, "HDR10+"},
		{"dolby vision", "smpte2084", []string{"DOVI configuration record"}, "Dolby Vision"},
		{"dolby vision beats transfer", "bt709", []string{"DOVI configuration record"}, "Dolby Vision"},
		{"hlg", "arib-std-b67", nil, "HLG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hdrFormat(tt.colorTransfer, tt.sideData); got != tt.want {
				t.Errorf("hdrFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFirstFormat(t *testing.T) {
	if got := firstFormat("matroska,webm"); got != "matroska" {
		t.Errorf("got %q", got)
	}
	if got := firstFormat("mp4"); got != "mp4" {
		t.Errorf("got %q", got)
	}
}
