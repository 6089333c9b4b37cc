package guard

import "strings"

var DefaultBotSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"python-urllib", "go-http-client", "httpclient", "headless", "phantomjs",
	"selenium", "scrapy", "libwww", "java/",
}

var DefaultProtectedPaths = []string{"/api/v1/admin", "/api/v1/auth"}

const (
	BotReasonMissingUA = "missing_user_agent"
	BotReasonSignature = "bot_signature"
)

type BotDetector struct {
	signatures []string
	protected  []string
}

func NewBotDetector(signatures, protectedPaths []string) *BotDetector {
	if len(signatures) == 0 {
		signatures = DefaultBotSignatures
	}
	if len(protectedPaths) == 0 {
		protectedPaths = DefaultProtectedPaths
	}
	lowered := make([]string, len(signatures))
	for i, s := range signatures {
		lowered[i] = strings.ToLower(s)
	}
	return &BotDetector{signatures: lowered, protected: protectedPaths}
}

// Check returns a non-empty reason when the request should be rejected.
func (d *BotDetector) Check(userAgent, path string) string {
	if strings.TrimSpace(userAgent) == "" {
		return BotReasonMissingUA
	}
	if !d.isProtected(path) {
		return ""
	}
	ua := strings.ToLower(userAgent)
	for _, sig := range d.signatures {
		if strings.Contains(ua, sig) {
			return BotReasonSignature
		}
	}
	return ""
}

func (d *BotDetector) isProtected(path string) bool {
	for _, p := range d.protected {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
