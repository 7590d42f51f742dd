package audit

import (
	"strings"

	"github.com/mssola/useragent"
)

// RequestingParty renders a User-Agent header as a short display name such
// as "Firefox 120.0 on Linux x86_64". Bots keep their crawler name.
func RequestingParty(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return ""
	}
	ua := useragent.New(userAgent)
	name, version := ua.Browser()
	if ua.Bot() {
		return name
	}
	if name == "" {
		return userAgent
	}
	label := name
	if version != "" {
		label += " " + version
	}
	if os := ua.OS(); os != "" {
		label += " on " + os
	}
	return label
}
