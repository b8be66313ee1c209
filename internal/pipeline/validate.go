package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// validateDownloadURL はダウンロード対象URLの形式と許可ホストを検査します。
// allowedHosts が空の場合はすべてのホストを許可します。
func validateDownloadURL(raw string, allowedHosts []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return newError("INVALID_INPUT", "Invalid URL format", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newError("INVALID_INPUT", "URL must use http or https protocol", nil)
	}
	if u.Host == "" {
		return newError("INVALID_INPUT", "Invalid URL: missing domain", nil)
	}
	if len(allowedHosts) == 0 {
		return nil
	}

	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return newError("DOMAIN_NOT_ALLOWED",
		fmt.Sprintf("Domain not allowed. Allowed domains: %s", strings.Join(allowedHosts, ", ")), nil)
}
