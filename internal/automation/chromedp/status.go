package chromedp

import (
	"strings"

	"github.com/JakeFAU/relist/internal/listing"
)

// Status markers, checked in order. Rejections come first because several
// rejection phrases contain an approval phrase.
var statusMarkers = []struct {
	status   listing.ModerationStatus
	keywords []string
}{
	{listing.ModerationRejected, []string{"审核不通过", "未通过", "驳回", "已拒绝", "rejected", "declined"}},
	{listing.ModerationApproved, []string{"审核通过", "已上架", "销售中", "approved", "on sale"}},
	{listing.ModerationPending, []string{"审核中", "待审核", "pending", "under review"}},
}

// ClassifyStatusText reads the review state from the status cell text of the
// seller console. Text it cannot place is unknown.
func ClassifyStatusText(text string) listing.ModerationStatus {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return listing.ModerationUnknown
	}
	for _, m := range statusMarkers {
		for _, kw := range m.keywords {
			if strings.Contains(lower, kw) {
				return m.status
			}
		}
	}
	return listing.ModerationUnknown
}
