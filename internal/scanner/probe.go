package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MediaInfo is what the stream probe extracted from a file.
type MediaInfo struct {
	Container      string
	VideoCodec     string
	Width          int
	Height         int
	Resolution     string // 480p..2160p class
	HDRFormat      string // "HDR10", "HDR10+", "Dolby Vision", "HLG", or ""
	RuntimeMinutes int
}

// Extractor probes media files with ffprobe.
type Extractor struct {
	FFProbePath string
	Timeout     time.Duration
}

// NewExtractor creates an extractor using the ffprobe binary on PATH.
func NewExtractor() *Extractor {
	return &Extractor{
		FFProbePath: "ffprobe",
		Timeout:     30 * time.Second,
	}
}

// Available reports whether the ffprobe binary can be found. Scans degrade
// to filename-only metadata without it.
func (e *Extractor) Available() bool {
	_, err := exec.LookPath(e.FFProbePath)
	return err == nil
}

// ffprobe JSON output, only the fields we read
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType     string `json:"codec_type"`
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		ColorTransfer string `json:"color_transfer"`
		SideDataList  []struct {
			SideDataType string `json:"side_data_type"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe runs ffprobe against a file and interprets its streams.
func (e *Extractor) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.FFProbePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var probed probeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return nil, fmt.Errorf("ffprobe output for %s: %w", path, err)
	}

	info := &MediaInfo{
		Container: firstFormat(probed.Format.FormatName),
	}

	if probed.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil {
			info.RuntimeMinutes = int(secs / 60)
		}
	}

	for _, s := range probed.Streams {
		if s.CodecType != "video" {
			continue
		}
		// mjpeg "video" streams are embedded cover art
		if s.CodecName == "mjpeg" || s.CodecName == "png" {
			continue
		}
		info.VideoCodec = s.CodecName
		info.Width = s.Width
		info.Height = s.Height
		info.Resolution = resolutionClass(s.Width, s.Height)
		info.HDRFormat = hdrFormat(s.ColorTransfer, sideDataTypes(s.SideDataList))
		break
	}

	return info, nil
}

func sideDataTypes(list []struct {
	SideDataType string `json:"side_data_type"`
}) []string {
	types := make([]string, 0, len(list))
	for _, sd := range list {
		types = append(types, sd.SideDataType)
	}
	return types
}

// firstFormat picks the primary name out of ffprobe's comma list
// ("matroska,webm" -> "matroska").
func firstFormat(formatName string) string {
	if i := strings.IndexByte(formatName, ','); i >= 0 {
		return formatName[:i]
	}
	return formatName
}

// resolutionClass buckets frame dimensions into the usual ladder. Width
// decides, so anamorphic and cropped content classify correctly.
func resolutionClass(width, height int) string {
	switch {
	case width >= 3200 || height >= 1700:
		return "2160p"
	case width >= 1800 || height >= 1000:
		return "1080p"
	case width >= 1200 || height >= 690:
		return "720p"
	case width >= 960 || height >= 560:
		return "576p"
	case width > 0:
		return "480p"
	default:
		return ""
	}
}

// hdrFormat interprets color transfer and stream side data.
//   - smpte2084 (PQ) is HDR10; SMPTE 2094-40 side data upgrades it to HDR10+
//   - Dolby Vision configuration side data wins over both
//   - arib-std-b67 is HLG
func hdrFormat(colorTransfer string, sideData []string) string {
	for _, sd := range sideData {
		if strings.Contains(sd, "DOVI") || strings.Contains(strings.ToLower(sd), "dolby") {
			return "Dolby Vision"
		}
	}
	switch colorTransfer {
	case "smpte2084":
		for _, sd := range sideData {
			if strings.Contains(sd, "2094-40") || strings.Contains(sd, "HDR Dynamic Metadata") {
				return "HDR10+"
			}
		}
		return "HDR10"
	case "arib-std-b67":
		return "HLG"
	}
	return ""
}
