package scanner

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParsedName is what the filename grammar extracted from a media file name.
type ParsedName struct {
	Title     string
	Year      int
	Season    int
	Episode   int
	IsEpisode bool
	// Hints filled from noise tokens; the probe wins on conflict.
	Resolution string
	HDRHint    string
}

var (
	seasonEpisodeRe = regexp.MustCompile(`(?i)\bs(\d{1,2})[ ._-]?e(\d{1,3})\b`)
	crossEpisodeRe  = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	parenYearRe     = regexp.MustCompile(`\((\d{4})\)`)
	bracketGroupRe  = regexp.MustCompile(`\[[^\]]*\]`)
	seasonFolderRe  = regexp.MustCompile(`(?i)^season[ ._-]*(\d{1,2})$`)
)

// resolutionTokens map filename tokens to resolution classes.
var resolutionTokens = map[string]string{
	"480p": "480p", "576p": "576p", "720p": "720p",
	"1080p": "1080p", "1080i": "1080p",
	"2160p": "2160p", "4k": "2160p", "uhd": "2160p",
}

// hdrTokens map filename tokens to HDR formats.
var hdrTokens = map[string]string{
	"hdr":       "HDR10",
	"hdr10":     "HDR10",
	"hdr10plus": "HDR10+",
	"hdr10+":    "HDR10+",
	"dv":        "Dolby Vision",
	"dovi":      "Dolby Vision",
	"hlg":       "HLG",
}

// noiseTokens are rip tags, codecs, and audio formats that carry no title
// information. Resolution and HDR tokens are handled separately so their
// hints survive.
var noiseTokens = map[string]bool{
	"x264": true, "x265": true, "h264": true, "h265": true, "hevc": true,
	"avc": true, "av1": true, "xvid": true, "divx": true,
	"bluray": true, "blu-ray": true, "brrip": true, "bdrip": true,
	"webrip": true, "web-dl": true, "webdl": true, "web": true, "dl": true,
	"hdtv": true, "dvdrip": true, "dvd": true, "remux": true,
	"proper": true, "repack": true, "internal": true, "limited": true,
	"extended": true, "unrated": true, "theatrical": true, "remastered": true,
	"imax": true, "3d": true, "10bit": true, "8bit": true, "hi10p": true,
	"atmos": true, "dts": true, "dts-hd": true, "truehd": true,
	"ac3": true, "eac3": true, "ddp": true, "dd5": true, "aac": true,
	"flac": true, "opus": true, "5.1": true, "7.1": true, "2.0": true,
	"multi": true, "dual": true, "dubbed": true, "subbed": true,
	"vision": true, // trailing half of a split "dolby vision"
	"dolby":  true,
}

// Parse applies the filename grammar to a media file name (with or without
// extension). It never fails; an unparseable name becomes a title verbatim.
func Parse(name string) ParsedName {
	var p ParsedName

	base := strings.TrimSuffix(name, filepath.Ext(name))

	// Release-group brackets carry no title information
	base = bracketGroupRe.ReplaceAllString(base, " ")

	// Episode markers bound the title on their left; everything after the
	// marker is rip tags, kept only for hint extraction
	var tail string
	if m := seasonEpisodeRe.FindStringSubmatchIndex(base); m != nil {
		p.IsEpisode = true
		p.Season, _ = strconv.Atoi(base[m[2]:m[3]])
		p.Episode, _ = strconv.Atoi(base[m[4]:m[5]])
		tail = base[m[1]:]
		base = base[:m[0]]
	} else if m := crossEpisodeRe.FindStringSubmatchIndex(base); m != nil {
		p.IsEpisode = true
		p.Season, _ = strconv.Atoi(base[m[2]:m[3]])
		p.Episode, _ = strconv.Atoi(base[m[4]:m[5]])
		tail = base[m[1]:]
		base = base[:m[0]]
	}

	// Parenthesized year wins outright
	maxYear := time.Now().Year() + 1
	if m := parenYearRe.FindStringSubmatchIndex(base); m != nil {
		if y, _ := strconv.Atoi(base[m[2]:m[3]]); y >= 1900 && y <= maxYear {
			p.Year = y
			base = base[:m[0]] + base[m[1]:]
		}
	}

	// Separators to spaces
	base = strings.Map(func(r rune) rune {
		switch r {
		case '.', '_', '-':
			return ' '
		}
		return r
	}, base)

	tokens := strings.Fields(base)

	// Bare year: rightmost plausible 4-digit token, but never the first
	// token, which is almost always the title ("1917", "2012")
	if p.Year == 0 {
		for i := len(tokens) - 1; i >= 1; i-- {
			if len(tokens[i]) != 4 {
				continue
			}
			if y, err := strconv.Atoi(tokens[i]); err == nil && y >= 1900 && y <= maxYear {
				p.Year = y
				tokens = append(tokens[:i], tokens[i+1:]...)
				break
			}
		}
	}

	var kept []string
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if p.absorbHint(lower) || noiseTokens[lower] {
			continue
		}
		kept = append(kept, tok)
	}

	// Rip tags after an episode marker still carry hints
	for _, tok := range strings.FieldsFunc(tail, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' '
	}) {
		p.absorbHint(strings.ToLower(tok))
	}

	p.Title = titleCase(strings.Join(kept, " "))
	return p
}

// absorbHint records a resolution or HDR token and reports whether the token
// was a hint.
func (p *ParsedName) absorbHint(lower string) bool {
	if res, ok := resolutionTokens[lower]; ok {
		if p.Resolution == "" {
			p.Resolution = res
		}
		return true
	}
	if hdr, ok := hdrTokens[lower]; ok {
		// Prefer the more specific format when several tokens appear
		if p.HDRHint == "" || hdr == "Dolby Vision" || hdr == "HDR10+" {
			p.HDRHint = hdr
		}
		return true
	}
	return false
}

// titleCase uppercases the first letter of each word, leaving existing
// interior capitals (McTiernan, iMax rips notwithstanding) alone.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// SortTitle normalizes a title for ordering: lowercase with leading articles
// dropped.
func SortTitle(title string) string {
	lower := strings.ToLower(title)
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(lower, article) {
			return strings.TrimSpace(lower[len(article):])
		}
	}
	return lower
}

// SeriesFolderClues derives show title and season from the directory chain
// when the filename alone is ambiguous, e.g.
// "Breaking Bad/Season 2/S02E05.mkv". relDir is the library-relative
// directory of the file.
func SeriesFolderClues(relDir string) (show string, season int) {
	if relDir == "." || relDir == "" {
		return "", 0
	}
	parts := strings.Split(filepath.ToSlash(relDir), "/")

	last := parts[len(parts)-1]
	if m := seasonFolderRe.FindStringSubmatch(last); m != nil {
		season, _ = strconv.Atoi(m[1])
		parts = parts[:len(parts)-1]
	}
	if len(parts) > 0 {
		parsed := Parse(parts[len(parts)-1])
		show = parsed.Title
	}
	return show, season
}
