package orchestrator

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/JakeFAU/relist/internal/listing"
)

// Report lists blocking issues and advisory warnings for a draft.
type Report struct {
	OK       bool     `json:"ok"`
	Issues   []string `json:"issues"`
	Warnings []string `json:"warnings"`
}

const maxTitleRunes = 60

var supportedPlatforms = []listing.Platform{
	listing.PlatformJD,
	listing.PlatformTmall,
	listing.PlatformTaobao,
	listing.PlatformSuning,
	listing.PlatformZCY,
}

// searchedPlatforms have no trusted price of their own.
var searchedPlatforms = []listing.Platform{listing.PlatformTaobao, listing.PlatformZCY}

// PreCheck validates a draft before it is queued for publishing.
func PreCheck(d listing.Draft) Report {
	r := Report{Issues: []string{}, Warnings: []string{}}
	if d.Title == "" {
		r.Issues = append(r.Issues, "missing title")
	}
	if d.Price <= 0 {
		r.Issues = append(r.Issues, "missing price")
	}
	if len(d.Images) == 0 {
		r.Issues = append(r.Issues, "missing images")
	}
	if !slices.Contains(supportedPlatforms, d.SourcePlatform) {
		r.Issues = append(r.Issues, fmt.Sprintf("unsupported source platform %q", d.SourcePlatform))
	}

	if n := utf8.RuneCountInString(d.Title); n > maxTitleRunes {
		r.Warnings = append(r.Warnings, fmt.Sprintf("title is %d characters, marketplace limit is %d", n, maxTitleRunes))
	}
	switch {
	case d.Price > 0 && d.Price < 10:
		r.Warnings = append(r.Warnings, "price is unusually low")
	case d.Price > 100000:
		r.Warnings = append(r.Warnings, "price is unusually high")
	}
	if slices.Contains(searchedPlatforms, d.SourcePlatform) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s prices are verified by a comparable search", d.SourcePlatform))
	}
	r.OK = len(r.Issues) == 0
	return r
}
