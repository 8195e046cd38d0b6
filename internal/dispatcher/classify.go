package dispatcher

import (
	"bytes"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// challengeMarkers are substrings that betray an interstitial served
// with a 200 status. Matched case-insensitively against the payload
// head.
var challengeMarkers = [][]byte{
	[]byte("captcha"),
	[]byte("authwall"),
	[]byte("security challenge"),
	[]byte("unusual activity"),
}

// classifyHeadLimit bounds how much of the payload the marker scan
// reads. Interstitials identify themselves early.
const classifyHeadLimit = 16 << 10

// classify maps a completed fetch to an attempt outcome.
//
// Targets rarely say "blocked" plainly. A 429 is honest throttling, a
// 403/451/999 means the identity itself is burned, and a clean 200 can
// still be a challenge page. Everything 5xx, and anything else we
// cannot attribute to the target's defenses, counts as transient.
func classify(resp scrape.FetchResponse) scrape.Outcome {
	switch {
	case resp.StatusCode == 429:
		return scrape.OutcomeSoftBlock
	case resp.StatusCode == 403, resp.StatusCode == 451, resp.StatusCode == 999:
		return scrape.OutcomeHardBlock
	case resp.StatusCode >= 500:
		return scrape.OutcomeNetworkError
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// Fetchers follow ordinary redirects; one surviving to here is a
		// login or authwall bounce.
		return scrape.OutcomeSoftBlock
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if hasChallengeMarker(resp.Body) {
			return scrape.OutcomeSoftBlock
		}
		return scrape.OutcomeSuccess
	default:
		return scrape.OutcomeNetworkError
	}
}

func hasChallengeMarker(body []byte) bool {
	head := body
	if len(head) > classifyHeadLimit {
		head = head[:classifyHeadLimit]
	}
	head = bytes.ToLower(head)
	for _, marker := range challengeMarkers {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}
