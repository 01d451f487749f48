package delivery

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-smtp"
)

// Verdict is what a failed transmission means for the job
type Verdict int

const (
	// VerdictRetry means try again later
	VerdictRetry Verdict = iota
	// VerdictHardBounce means never retry and suppress the recipient
	VerdictHardBounce
	// VerdictReject means never retry; the refusal is not about the recipient
	VerdictReject
)

// Classification describes a failed transmission
type Classification struct {
	Verdict      Verdict
	Code         int
	EnhancedCode string
	Message      string
	RateLimited  bool
}

var enhancedCodeRe = regexp.MustCompile(`^([245])\.(\d{1,3})\.(\d{1,3})\b`)

// mailboxFullRe matches full-mailbox replies that carry no 5.2.2 code
var mailboxFullRe = regexp.MustCompile(`(?i)mailbox.*full|quota.*exceeded|over.*quota`)

var rateLimitHints = []string{"rate limit", "too many", "try again later", "throttl", "deferred due to"}

// Classify maps an SMTP transaction error onto a verdict. Permanent recipient
// failures (550, 551, 553, 5.1.x) are hard bounces. Mailbox-full answers
// (552, 5.2.2, or quota wording without a 5.1.x code) and every 4xx are
// retried. Other permanent answers are
// rejections that are not retried. Errors that carry no SMTP reply are
// treated as transient.
func Classify(err error) Classification {
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return Classification{Verdict: VerdictRetry, Message: err.Error()}
	}

	c := Classification{
		Code:         smtpErr.Code,
		EnhancedCode: enhancedString(smtpErr),
		Message:      smtpErr.Message,
	}
	lower := strings.ToLower(smtpErr.Message)
	for _, hint := range rateLimitHints {
		if strings.Contains(lower, hint) {
			c.RateLimited = true
			break
		}
	}
	if strings.HasPrefix(c.EnhancedCode, "4.7.") {
		c.RateLimited = true
	}

	switch {
	case c.Code >= 200 && c.Code < 300:
		// a success code surfacing as an error is a protocol oddity; retry
		c.Verdict = VerdictRetry
	case c.Code >= 400 && c.Code < 500:
		c.Verdict = VerdictRetry
	case c.Code == 552 || c.EnhancedCode == "5.2.2":
		c.Verdict = VerdictRetry
	case !strings.HasPrefix(c.EnhancedCode, "5.1.") && mailboxFullRe.MatchString(c.Message):
		c.Verdict = VerdictRetry
	case c.Code == 550 || c.Code == 551 || c.Code == 553 || strings.HasPrefix(c.EnhancedCode, "5.1."):
		c.Verdict = VerdictHardBounce
	case c.Code >= 500:
		c.Verdict = VerdictReject
	default:
		c.Verdict = VerdictRetry
	}
	return c
}

// enhancedString returns the enhanced status code as "x.y.z", falling back to
// parsing the reply text when the client did not split it out
func enhancedString(e *smtp.SMTPError) string {
	code := e.EnhancedCode
	if code[0] > 0 {
		return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
	}
	if m := enhancedCodeRe.FindStringSubmatch(strings.TrimSpace(e.Message)); m != nil {
		return m[1] + "." + m[2] + "." + m[3]
	}
	return ""
}
