// Package extract turns raw promotion-page markup into identifiers and
// challenge metadata. Everything here is a pure function of its input:
// no I/O, no clock, so repeated extraction of the same document always
// yields the same result.
package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

type ChallengeKind string

const (
	KindClick ChallengeKind = "click"
	KindText  ChallengeKind = "text"
)

// Challenge describes an anti-automation verification step found in a
// page, if any. Transient: produced per fetch attempt, never persisted.
type Challenge struct {
	Present  bool          `json:"present"`
	Kind     ChallengeKind `json:"kind,omitempty"`
	ImageURL string        `json:"image_url,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
}

// TokenTier records which extraction strategy produced a taskId/counter
// pair, so drift in the source markup is observable instead of silently
// degrading.
type TokenTier int

const (
	TierNone TokenTier = iota
	TierStructured
	TierWindow
)

func (t TokenTier) String() string {
	switch t {
	case TierStructured:
		return "structured"
	case TierWindow:
		return "window"
	default:
		return "none"
	}
}

// Identifiers is the extraction result for one document.
type Identifiers struct {
	SID       string
	TaskID    string
	Counter   string
	TokenTier TokenTier
}

var challengePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)依次点击`),
	regexp.MustCompile(`(?i)点击验证`),
	regexp.MustCompile(`(?i)点击图片`),
	regexp.MustCompile(`(?i)点击.*图片`),
	regexp.MustCompile(`(?i)geetest`),
	regexp.MustCompile(`(?i)验证图片`),
	regexp.MustCompile(`(?i)点击.*验证`),
	regexp.MustCompile(`(?i)请点击`),
	regexp.MustCompile(`(?i)点击.*按钮`),
}

var clickPattern = regexp.MustCompile(`(?i)依次点击|点击验证|点击图片|geetest`)

var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)依次点击([^，。！？\n]+)`),
	regexp.MustCompile(`(?i)点击([^，。！？\n]+)图片`),
	regexp.MustCompile(`(?i)请点击([^，。！？\n]+)`),
	regexp.MustCompile(`(?i)点击([^，。！？\n]+)验证`),
	regexp.MustCompile(`(?i)点击([^，。！？\n]+)按钮`),
	regexp.MustCompile(`(?i)点击([^，。！？\n]+)元素`),
}

const genericPrompt = "请依次点击图片中的指定元素"

// Image attributes that mark a challenge widget, in priority order.
var imageMarkers = []string{"geetest", "verify", "captcha"}

// DetectChallenge reports whether the document carries an anti-bot
// challenge and, if so, its kind, image and prompt. Relative image paths
// are rewritten against origin. This test runs before any identifier
// extraction; a positive result makes identifiers unreliable until the
// challenge is resolved and the page re-fetched.
func DetectChallenge(html, origin string) Challenge {
	present := false
	for _, p := range challengePatterns {
		if p.MatchString(html) {
			present = true
			break
		}
	}
	if !present {
		return Challenge{}
	}
	ch := Challenge{
		Present:  true,
		Kind:     KindText,
		ImageURL: challengeImageURL(html, origin),
		Prompt:   challengePrompt(html),
	}
	if clickPattern.MatchString(html) {
		ch.Kind = KindClick
	}
	return ch
}

func challengeImageURL(html, origin string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	imgs := doc.Find("img")

	// src markers take priority over class/id markers, matching the
	// ordered pattern list of the source markup dialect.
	for _, marker := range imageMarkers {
		found := ""
		imgs.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			src, _ := sel.Attr("src")
			if src != "" && strings.Contains(strings.ToLower(src), marker) {
				found = src
				return false
			}
			return true
		})
		if found != "" {
			return absoluteImageURL(found, origin)
		}
	}
	for _, marker := range imageMarkers {
		found := ""
		imgs.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			class, _ := sel.Attr("class")
			id, _ := sel.Attr("id")
			src, _ := sel.Attr("src")
			if src == "" {
				return true
			}
			if strings.Contains(strings.ToLower(class), marker) || strings.Contains(strings.ToLower(id), marker) {
				found = src
				return false
			}
			return true
		})
		if found != "" {
			return absoluteImageURL(found, origin)
		}
	}
	return ""
}

func absoluteImageURL(src, origin string) string {
	origin = strings.TrimRight(origin, "/")
	switch {
	case strings.HasPrefix(src, "http"):
		return src
	case strings.HasPrefix(src, "/"):
		return origin + src
	default:
		return origin + "/" + src
	}
}

func challengePrompt(html string) string {
	for _, p := range promptPatterns {
		if m := p.FindStringSubmatch(html); m != nil && strings.TrimSpace(m[1]) != "" {
			return strings.TrimSpace(m[1])
		}
	}
	return genericPrompt
}

var sidURLPattern = regexp.MustCompile(`[?&]lottery_id=([\w]+)`)

// Ordered ladder of textual lottery_id / sid embeddings. First match wins.
var sidPatterns = []*regexp.Regexp{
	sidURLPattern,
	regexp.MustCompile(`lottery_id['"]?\s*[:=]\s*['"]([^'"\s]+)['"]`),
	regexp.MustCompile(`lottery_id['"]?\s*[:=]\s*([\w]+)`),
	regexp.MustCompile(`['"]lottery_id['"]\s*:\s*['"]([^'"\s]+)['"]`),
	regexp.MustCompile(`['"]lottery_id['"]\s*:\s*([\w]+)`),
	regexp.MustCompile(`lottery_id\s*=\s*['"]([^'"\s]+)['"]`),
	regexp.MustCompile(`lottery_id\s*=\s*([\w]+)`),
	regexp.MustCompile(`sid\s*[:=]\s*['"]([^'"\s]+)['"]`),
	regexp.MustCompile(`sid\s*[:=]\s*([\w]+)`),
	regexp.MustCompile(`['"]sid['"]\s*:\s*['"]([^'"\s]+)['"]`),
	regexp.MustCompile(`['"]sid['"]\s*:\s*([\w]+)`),
}

// SIDFromURL pulls the promotion id from a lottery_id query parameter,
// or returns "" if the URL does not carry one.
func SIDFromURL(u string) string {
	if m := sidURLPattern.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// SID searches the document for an embedded promotion id. Empty result
// is a terminal extraction failure for the page.
func SID(html string) string {
	for _, p := range sidPatterns {
		if m := p.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return ""
}

// Strict tiers: taskId and counter inside the same object as a
// btnBehavior array containing the share action marker.
var tokenStructuredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"btnBehavior":\[[^\]]*"sharePage"[^\]]*\][^}]*"taskId":"([^"]+)"[^}]*"counter":"([^"]+)"`),
	regexp.MustCompile(`"btnBehavior":\[[^\]]*"sharePage"[^\]]*\][^}]*?"taskId":"([^"]+)"[^}]*?"counter":"([^"]+)"`),
	regexp.MustCompile(`"EraTasklist":\[[^\]]*"btnBehavior":\[[^\]]*"sharePage"[^\]]*\][^}]*"taskId":"([^"]+)"[^}]*"counter":"([^"]+)"`),
}

var (
	sharePagePattern = regexp.MustCompile(`"btnBehavior":\[[^\]]*"sharePage"[^\]]*\]`)
	taskIDPattern    = regexp.MustCompile(`"taskId":"([^"]+)"`)
	counterPattern   = regexp.MustCompile(`"counter":"([^"]+)"`)
)

// tokenWindow bounds the fallback text search around a share-behavior
// match, counted in characters, not bytes, so CJK-heavy markup gets the
// same reach as ASCII. Known-imprecise: densely packed task blocks can
// pair tokens from a neighbor, which the source dialect does not let us
// disambiguate.
const tokenWindow = 1000

// Tokens extracts the taskId/counter pair needed to claim points. The
// surrounding document is not valid standalone JSON, so this is pattern
// matching, not parsing: a strict same-object tier first, then a bounded
// window around the share-behavior marker.
func Tokens(html string) (taskID, counter string, tier TokenTier) {
	for _, p := range tokenStructuredPatterns {
		if m := p.FindStringSubmatch(html); m != nil {
			return m[1], m[2], TierStructured
		}
	}
	loc := sharePagePattern.FindStringIndex(html)
	if loc == nil {
		return "", "", TierNone
	}
	start := loc[0]
	for i := 0; i < tokenWindow && start > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(html[:start])
		start -= size
	}
	end := loc[1]
	for i := 0; i < tokenWindow && end < len(html); i++ {
		_, size := utf8.DecodeRuneInString(html[end:])
		end += size
	}
	nearby := html[start:end]
	tm := taskIDPattern.FindStringSubmatch(nearby)
	cm := counterPattern.FindStringSubmatch(nearby)
	if tm != nil && cm != nil {
		return tm[1], cm[1], TierWindow
	}
	return "", "", TierNone
}

// Extract runs the full identifier pass over one document.
func Extract(html string) Identifiers {
	ids := Identifiers{SID: SID(html)}
	ids.TaskID, ids.Counter, ids.TokenTier = Tokens(html)
	return ids
}

var vtokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)gaia_vtoken["']?\s*[:=]\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)"gaia_vtoken"\s*:\s*"([^"]+)"`),
	regexp.MustCompile(`(?i)gaia_vtoken\s*=\s*["']([^"']+)["']`),
}

var initialStatePattern = regexp.MustCompile(`(?s)window\.__INITIAL_STATE__\s*=\s*(\{.*?\});`)

// VToken recovers the short-lived anti-replay token embedded in an
// activity page. Absence is tolerated; the draw call proceeds with an
// empty token.
func VToken(html string) string {
	for _, p := range vtokenPatterns {
		if m := p.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	if m := initialStatePattern.FindStringSubmatch(html); m != nil {
		if sm := vtokenPatterns[1].FindStringSubmatch(m[1]); sm != nil {
			return sm[1]
		}
	}
	return ""
}
