// Package detector classifies fetched pages: anti-automation challenges that must be retried later,
// and static responses that need a headless re-fetch.
package detector

import (
	"bytes"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Config controls the heuristics.
type Config struct {
	// BodyLengthThreshold marks bodies below it as suspicious. Defaults to 2048.
	BodyLengthThreshold int
	// ShortBlockedLength is the size under which a single blocking keyword is enough. Defaults to 5000.
	ShortBlockedLength int
	// RequiredSelectors must all match on a complete listing page; a miss promotes to headless.
	RequiredSelectors []string
}

// Detector implements rule-based blocking and promotion checks.
type Detector struct {
	cfg Config
}

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.BodyLengthThreshold == 0 {
		cfg.BodyLengthThreshold = 2048
	}
	if cfg.ShortBlockedLength == 0 {
		cfg.ShortBlockedLength = 5000
	}
	return &Detector{cfg: cfg}
}

type blockPattern struct {
	re     *regexp.Regexp
	reason string
}

var blockPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)cloudflare.*ray.*id`), "cloudflare protection page"},
	{regexp.MustCompile(`(?i)checking.*browser.*before.*accessing`), "cloudflare challenge"},
	{regexp.MustCompile(`(?i)please.*complete.*security.*check`), "security check required"},
	{regexp.MustCompile(`(?i)unusual.*traffic.*detected`), "unusual traffic detected"},
	{regexp.MustCompile(`(?i)access.*denied.*robot`), "access denied to robots"},
	{regexp.MustCompile(`(?i)verify.*you.*are.*human`), "human verification required"},
	{regexp.MustCompile(`(?i)captcha.*challenge`), "captcha challenge page"},
}

var (
	shortKeywords = []string{"captcha", "cloudflare", "challenge", "verify"}
	titleKeywords = []string{"captcha", "challenge", "verify", "blocked", "access denied"}
	titleRe       = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
)

// Blocked reports whether the page is a captcha or challenge page, with a short reason.
func (d *Detector) Blocked(resp warehouse.FetchResponse) (bool, string) {
	if len(resp.Body) == 0 {
		return false, ""
	}
	lower := strings.ToLower(string(resp.Body))

	if len(resp.Body) < d.cfg.ShortBlockedLength {
		for _, kw := range shortKeywords {
			if strings.Contains(lower, kw) {
				return true, "short response with blocking keyword " + kw
			}
		}
	}
	for _, p := range blockPatterns {
		if p.re.MatchString(lower) {
			return true, p.reason
		}
	}
	if m := titleRe.FindStringSubmatch(lower); m != nil {
		for _, kw := range titleKeywords {
			if strings.Contains(m[1], kw) {
				return true, "blocking page title"
			}
		}
	}
	if strings.Contains(lower, "cf-ray") && len(resp.Body) < 20000 &&
		(strings.Contains(lower, "challenge") || strings.Contains(lower, "checking")) {
		return true, "cloudflare challenge page"
	}
	return false, ""
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required. Only 200 responses qualify.
func (d *Detector) ShouldPromote(resp warehouse.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.cfg.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return d.missingSelectors(body)
}

func (d *Detector) missingSelectors(body []byte) bool {
	if len(d.cfg.RequiredSelectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range d.cfg.RequiredSelectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
