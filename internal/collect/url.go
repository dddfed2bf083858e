package collect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/relist/internal/listing"
)

// keptParams survive normalization; everything else is tracking noise.
var keptParams = []string{"id", "skuId", "itemId"}

var platformHosts = []struct {
	suffix   string
	platform listing.Platform
}{
	{"jd.com", listing.PlatformJD},
	{"tmall.com", listing.PlatformTmall},
	{"taobao.com", listing.PlatformTaobao},
	{"suning.com", listing.PlatformSuning},
	{"zcygov.cn", listing.PlatformZCY},
}

// DetectPlatform maps a product URL to its marketplace by host.
func DetectPlatform(rawURL string) listing.Platform {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return listing.PlatformUnknown
	}
	host := strings.ToLower(u.Hostname())
	for _, ph := range platformHosts {
		if host == ph.suffix || strings.HasSuffix(host, "."+ph.suffix) {
			return ph.platform
		}
	}
	return listing.PlatformUnknown
}

// NormalizeURL lowercases the scheme and host, drops default ports and the
// fragment, and strips every query parameter except the product identifiers.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	q := u.Query()
	kept := url.Values{}
	for _, k := range keptParams {
		if v := q.Get(k); v != "" {
			kept.Set(k, v)
		}
	}
	u.RawQuery = kept.Encode()
	return u.String(), nil
}
