package collect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// strippedTags never reach the marketplace detail editor.
const strippedTags = "script, style, iframe"

var imageAttrs = []string{"src", "data-src", "data-lazy-img", "data-original"}

// SanitizeDetail removes executable and embedded content from detail HTML and
// returns the cleaned body together with the image URLs it references,
// resolved against base and deduplicated in document order.
func SanitizeDetail(detail string, base *url.URL) (string, []string, error) {
	if strings.TrimSpace(detail) == "" {
		return "", nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(detail))
	if err != nil {
		return "", nil, fmt.Errorf("parse detail html: %w", err)
	}
	doc.Find(strippedTags).Remove()

	var imgs []string
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range imageAttrs {
			src, ok := s.Attr(attr)
			if !ok || strings.TrimSpace(src) == "" {
				continue
			}
			if abs := resolveImage(strings.TrimSpace(src), base); abs != "" {
				imgs = append(imgs, abs)
				s.SetAttr("src", abs)
			}
			return
		}
	})

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", nil, fmt.Errorf("render detail html: %w", err)
	}
	return strings.TrimSpace(html), dedupe(imgs), nil
}

func resolveImage(src string, base *url.URL) string {
	if strings.HasPrefix(src, "data:") {
		return ""
	}
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if base == nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
