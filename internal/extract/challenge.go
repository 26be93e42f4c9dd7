package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/postgrab/internal/grabber"
)

// ChallengeKind classifies an access challenge.
type ChallengeKind string

// Challenge kinds.
const (
	ChallengeNone         ChallengeKind = ""
	ChallengeBot          ChallengeKind = "bot"
	ChallengeAuthRequired ChallengeKind = "auth_required"
)

var (
	botTextPattern = regexp.MustCompile(`(?i)captcha|verify you are (a )?human|are you a robot|unusual traffic|` +
		`checking your browser|just a moment\.\.\.|press (&|and) hold|security check|slide to verify|` +
		`drag the slider|verify to continue`)

	botURLPattern = regexp.MustCompile(`(?i)captcha|/challenge|/sorry/|cdn-cgi/challenge`)

	authTextPattern = regexp.MustCompile(`(?i)log ?in to (continue|see|watch|view)|sign ?in to (continue|see|watch|view)|` +
		`you must (log|sign) ?in|login required|sign in required|log in or sign up|` +
		`this content (is|may be) (only )?available (only )?to logged`)

	authURLPattern = regexp.MustCompile(`(?i)/accounts/login|/login|/i/flow/login|/signin|/sign-in|servicelogin`)
)

// ClassifyChallenge inspects a page snapshot for bot checks and login walls.
// Bot challenges win when both match.
func ClassifyChallenge(page grabber.PageState) ChallengeKind {
	text := page.Title + "\n" + page.Text
	if botTextPattern.MatchString(text) || botURLPattern.MatchString(urlPath(page.FinalURL)) {
		return ChallengeBot
	}
	if authTextPattern.MatchString(text) || authURLPattern.MatchString(urlPath(page.FinalURL)) {
		return ChallengeAuthRequired
	}
	return ChallengeNone
}

// urlPath drops the scheme and host so brand names in hostnames do not match.
func urlPath(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
		if j := strings.IndexByte(raw, '/'); j >= 0 {
			return raw[j:]
		}
		return ""
	}
	return raw
}

// ChallengeError reports a blocking challenge. The browser session that hit
// it is left open so an operator can resolve it.
type ChallengeError struct {
	Kind     ChallengeKind
	Platform string
	URL      string
}

func (e *ChallengeError) Error() string {
	switch e.Kind {
	case ChallengeAuthRequired:
		return fmt.Sprintf("login wall on %s page %s", e.Platform, e.URL)
	default:
		return fmt.Sprintf("bot challenge on %s page %s", e.Platform, e.URL)
	}
}

// ErrorCode implements grabber.Coded.
func (e *ChallengeError) ErrorCode() grabber.Code {
	if e.Kind == ChallengeAuthRequired {
		return grabber.CodeAuthRequired
	}
	return grabber.CodeBotChallenge
}

var unavailablePattern = regexp.MustCompile(`(?i)video (is |currently )?unavailable|` +
	`(this|the) (video|post|page|content|tweet) (isn't|is not|is no longer) available|` +
	`sorry, this page isn't available|content (is )?not available|no longer available|` +
	`(has been|was) (removed|deleted)|this (account|profile) is private|couldn't find this account|` +
	`page (doesn't|does not) exist|video not found|post not found`)

// LooksUnavailable reports whether diagnostics show removed or private content.
func LooksUnavailable(page grabber.PageState) bool {
	return unavailablePattern.MatchString(page.Title + "\n" + page.Text)
}
