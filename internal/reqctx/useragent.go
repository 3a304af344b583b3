package reqctx

import "strings"

// Category is one of the fixed User-Agent buckets spec.md §3 names.
// The zero value is the empty string, which is none of the named
// categories; Classify always returns one of them.
type Category string

const (
	CategoryBot     Category = "bot"
	CategoryCrawler Category = "crawler"
	CategoryChrome  Category = "chrome"
	CategoryFirefox Category = "firefox"
	CategorySafari  Category = "safari"
	CategoryEdge    Category = "edge"
	CategoryMobile  Category = "mobile"
	CategoryCurl    Category = "curl"
	CategoryUnknown Category = "unknown"
)

// UserAgent is the raw header value plus its resolved category.
type UserAgent struct {
	Raw      string
	Category Category
}

// browserMarkers is ordered: the first substring match wins, mirroring
// the fixed priority spec.md §4.5 step 3 specifies — chrome, firefox,
// safari, edge, in that order (chrome before safari matters because
// Chrome's UA string also contains "Safari/"; because Edge's UA string
// also contains "Chrome/", an Edge UA carrying that token is
// classified as chrome, and the edge markers only match UAs without it).
var browserMarkers = []struct {
	substr   string
	category Category
}{
	{"chrome/", CategoryChrome},
	{"firefox/", CategoryFirefox},
	{"safari/", CategorySafari},
	{"edg/", CategoryEdge},
	{"edge/", CategoryEdge},
}

var mobileMarkers = []string{"mobile", "android", "iphone"}

// botMarkers are checked first, ahead of every browser marker — a
// crawler that spoofs a Chrome UA string still gets bucketed as bot.
var botMarkers = []string{"bot", "crawler", "spider", "scraper"}

// Classify implements the fallback substring-matching algorithm of
// spec.md §4.5 step 3: no UA-parsing library is wired (none of the
// retrieved example repos import one; see DESIGN.md), so this is the
// "library parser if present, otherwise substring matching" path with
// the library absent.
func Classify(raw string) UserAgent {
	lower := strings.ToLower(raw)

	for _, m := range botMarkers {
		if strings.Contains(lower, m) {
			return UserAgent{Raw: raw, Category: CategoryBot}
		}
	}
	if strings.HasPrefix(lower, "curl/") || strings.Contains(lower, "curl/") {
		return UserAgent{Raw: raw, Category: CategoryCurl}
	}
	for _, b := range browserMarkers {
		if strings.Contains(lower, b.substr) {
			return UserAgent{Raw: raw, Category: b.category}
		}
	}
	for _, mk := range mobileMarkers {
		if strings.Contains(lower, mk) {
			return UserAgent{Raw: raw, Category: CategoryMobile}
		}
	}
	return UserAgent{Raw: raw, Category: CategoryUnknown}
}
