package resolve

import (
	"html"
	"mime"
	"path"
	"regexp"
	"strings"
)

// Candidate is a locator found in a page, possibly relative, with an
// optional MIME hint.
type Candidate struct {
	URL  string
	MIME string
}

// Extractor inspects one line of a page.
type Extractor func(line string) (Candidate, bool)

// DefaultExtractors lists the extractors in priority order.
func DefaultExtractors() []Extractor {
	return []Extractor{
		OpenGraphVideo,
		VideoTag,
		SourceTag,
		PlayerConfig,
		MediaLink,
	}
}

var (
	attrPattern   = regexp.MustCompile(`(?i)([a-z:_-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	metaTag       = regexp.MustCompile(`(?i)<meta\s[^>]*>`)
	videoTag      = regexp.MustCompile(`(?i)<video\s[^>]*>`)
	sourceTag     = regexp.MustCompile(`(?i)<source\s[^>]*>`)
	trackTag      = regexp.MustCompile(`(?i)<track\s[^>]*>`)
	anchorTag     = regexp.MustCompile(`(?i)<a\s[^>]*>`)
	playerConfig  = regexp.MustCompile(`(?i)["']?(?:file|src|source|video_url|hls)["']?\s*:\s*["']([^"']+\.(?:mp4|m4v|webm|mkv|mov|mp3|m4a|ogg|m3u8)(?:\?[^"']*)?)["']`)
	mediaSuffixes = []string{".mp4", ".m4v", ".webm", ".mkv", ".mov", ".avi", ".flv", ".mp3", ".m4a", ".ogg", ".oga", ".opus", ".flac", ".wav", ".m3u8"}
)

// attrs parses the attributes of a single tag.
func attrs(tag string) map[string]string {
	out := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		out[strings.ToLower(m[1])] = html.UnescapeString(v)
	}
	return out
}

// OpenGraphVideo reads <meta property="og:video" content="...">.
func OpenGraphVideo(line string) (Candidate, bool) {
	for _, tag := range metaTag.FindAllString(line, -1) {
		a := attrs(tag)
		switch a["property"] {
		case "og:video", "og:video:url", "og:video:secure_url":
			if c := a["content"]; c != "" {
				return Candidate{URL: c, MIME: hintFor(c, "")}, true
			}
		}
	}
	return Candidate{}, false
}

// VideoTag reads <video src="...">.
func VideoTag(line string) (Candidate, bool) {
	for _, tag := range videoTag.FindAllString(line, -1) {
		if src := attrs(tag)["src"]; src != "" {
			return Candidate{URL: src, MIME: hintFor(src, "")}, true
		}
	}
	return Candidate{}, false
}

// SourceTag reads <source src="..." type="...">.
func SourceTag(line string) (Candidate, bool) {
	for _, tag := range sourceTag.FindAllString(line, -1) {
		a := attrs(tag)
		if src := a["src"]; src != "" {
			return Candidate{URL: src, MIME: hintFor(src, a["type"])}, true
		}
	}
	return Candidate{}, false
}

// PlayerConfig reads inline player setups such as {file: "/v/clip.mp4"}.
func PlayerConfig(line string) (Candidate, bool) {
	m := playerConfig.FindStringSubmatch(line)
	if m == nil {
		return Candidate{}, false
	}
	u := strings.ReplaceAll(m[1], `\/`, "/")
	return Candidate{URL: u, MIME: hintFor(u, "")}, true
}

// MediaLink reads <a href="..."> pointing at a media file.
func MediaLink(line string) (Candidate, bool) {
	for _, tag := range anchorTag.FindAllString(line, -1) {
		href := attrs(tag)["href"]
		if href != "" && hasMediaSuffix(href) {
			return Candidate{URL: href, MIME: hintFor(href, "")}, true
		}
	}
	return Candidate{}, false
}

// tracks collects <track src="..."> subtitle references.
func tracks(line string) []string {
	var out []string
	for _, tag := range trackTag.FindAllString(line, -1) {
		if src := attrs(tag)["src"]; src != "" {
			out = append(out, src)
		}
	}
	return out
}

func hasMediaSuffix(u string) bool {
	p := strings.ToLower(u)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := path.Ext(p)
	for _, s := range mediaSuffixes {
		if ext == s {
			return true
		}
	}
	return false
}

// hintFor prefers an explicit type attribute and falls back to the
// extension of u.
func hintFor(u, explicit string) string {
	if explicit != "" {
		if mt, _, err := mime.ParseMediaType(explicit); err == nil {
			return mt
		}
		return explicit
	}
	p := strings.ToLower(u)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch ext := path.Ext(p); ext {
	case "":
		return ""
	case ".m3u8", ".m3u":
		return "application/vnd.apple.mpegurl"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".vtt":
		return "text/vtt"
	default:
		if mt := mime.TypeByExtension(ext); mt != "" {
			mt, _, _ = strings.Cut(mt, ";")
			return mt
		}
		return ""
	}
}
