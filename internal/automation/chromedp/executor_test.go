package chromedp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/relist/internal/listing"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{ConsoleURL: "https://console.example.com", MaxParallel: -1}, nil, nil, nil); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	if _, err := New(Config{}, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing console url")
	}
	exec, err := New(Config{ConsoleURL: "https://console.example.com", MaxParallel: 2}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer exec.Close()
	if cap(exec.slots) != 2 {
		t.Fatalf("expected 2 browser slots, got %d", cap(exec.slots))
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	exec, err := New(Config{
		ConsoleURL: "https://console.example.com/",
		Selectors:  Selectors{Title: "#t"},
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer exec.Close()

	if exec.cfg.StepTimeout != 60*time.Second {
		t.Fatalf("expected default step timeout, got %v", exec.cfg.StepTimeout)
	}
	if cap(exec.slots) != 1 {
		t.Fatalf("expected a single browser slot, got %d", cap(exec.slots))
	}
	if exec.cfg.Selectors.Title != "#t" {
		t.Fatalf("override lost: %q", exec.cfg.Selectors.Title)
	}
	if exec.cfg.Selectors.Submit != DefaultSelectors().Submit {
		t.Fatalf("expected default submit selector, got %q", exec.cfg.Selectors.Submit)
	}
	if got := exec.createURL(); got != "https://console.example.com/items/create" {
		t.Fatalf("unexpected create url %q", got)
	}
	if got := exec.statusURL("L-9"); got != "https://console.example.com/items/L-9" {
		t.Fatalf("unexpected status url %q", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	exec, err := New(Config{ConsoleURL: "https://console.example.com"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	exec.Close()
	exec.Close()
}

func TestSlotsHonorContext(t *testing.T) {
	t.Parallel()

	exec, err := New(Config{ConsoleURL: "https://console.example.com"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer exec.Close()

	if err := exec.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := exec.acquire(ctx); err == nil {
		t.Fatal("expected second acquire to wait and fail")
	}
	exec.release()
	if err := exec.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestFillFormCoversEveryField(t *testing.T) {
	t.Parallel()

	exec, err := New(Config{ConsoleURL: "https://console.example.com"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer exec.Close()

	actions, err := exec.fillForm(listing.ListingFields{
		Title:      "联想 X1C",
		Price:      950,
		Stock:      3,
		Images:     []string{"a", "b"},
		Attributes: map[string]string{"品牌": "联想"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 9 {
		t.Fatalf("expected wait plus eight fields, got %d actions", len(actions))
	}
}

func TestStatusScriptAndPrice(t *testing.T) {
	t.Parallel()

	script := statusScript(`[data-field="audit-status"]`)
	if !strings.Contains(script, `querySelector("[data-field=\"audit-status\"]")`) {
		t.Fatalf("selector not quoted: %s", script)
	}
	if got := formatPrice(949.5); got != "949.50" {
		t.Fatalf("unexpected price %q", got)
	}
}

func TestClassifyStatusText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want listing.ModerationStatus
	}{
		{"审核通过", listing.ModerationApproved},
		{"商品状态：已上架", listing.ModerationApproved},
		{"审核不通过：图片含水印", listing.ModerationRejected},
		{"已驳回", listing.ModerationRejected},
		{"审核中", listing.ModerationPending},
		{"  Pending Review  ", listing.ModerationPending},
		{"APPROVED", listing.ModerationApproved},
		{"", listing.ModerationUnknown},
		{"草稿", listing.ModerationUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyStatusText(tc.text); got != tc.want {
			t.Fatalf("ClassifyStatusText(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}
