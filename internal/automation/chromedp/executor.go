// Package chromedp drives the target marketplace's seller console with a
// headless Chrome session. It implements listing.AutomationExecutor.
package chromedp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/policy/ratelimit"
)

// Selectors locate the console form controls. All are CSS selectors.
type Selectors struct {
	Title       string `mapstructure:"title"`
	Description string `mapstructure:"description"`
	Category    string `mapstructure:"category"`
	Price       string `mapstructure:"price"`
	Stock       string `mapstructure:"stock"`
	Images      string `mapstructure:"images"`
	Attributes  string `mapstructure:"attributes"`
	Detail      string `mapstructure:"detail"`
	Submit      string `mapstructure:"submit"`
	ListingID   string `mapstructure:"listing_id"`
	Status      string `mapstructure:"status"`
}

// DefaultSelectors match the console's stock item form.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:       `input[name="title"]`,
		Description: `textarea[name="description"]`,
		Category:    `input[name="categoryCode"]`,
		Price:       `input[name="price"]`,
		Stock:       `input[name="stock"]`,
		Images:      `textarea[name="images"]`,
		Attributes:  `input[name="attributes"]`,
		Detail:      `textarea[name="detail"]`,
		Submit:      `button[type="submit"]`,
		ListingID:   `[data-field="listing-id"]`,
		Status:      `[data-field="audit-status"]`,
	}
}

// Config controls the browser session.
type Config struct {
	ConsoleURL string `mapstructure:"console_url"`
	// CreatePath is the item form; StatusPath is a format string taking the listing id.
	CreatePath string `mapstructure:"create_path"`
	StatusPath string `mapstructure:"status_path"`
	// ProfileDir is a Chrome user data dir holding the operator's logged-in session.
	ProfileDir  string        `mapstructure:"profile_dir"`
	UserAgent   string        `mapstructure:"user_agent"`
	Headless    bool          `mapstructure:"headless"`
	MaxParallel int           `mapstructure:"max_parallel"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	Selectors   Selectors     `mapstructure:"selectors"`
}

func (c *Config) setDefaults() {
	if c.CreatePath == "" {
		c.CreatePath = "/items/create"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/items/%s"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 60 * time.Second
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 1
	}
	def := DefaultSelectors()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Selectors.Title, def.Title)
	fill(&c.Selectors.Description, def.Description)
	fill(&c.Selectors.Category, def.Category)
	fill(&c.Selectors.Price, def.Price)
	fill(&c.Selectors.Stock, def.Stock)
	fill(&c.Selectors.Images, def.Images)
	fill(&c.Selectors.Attributes, def.Attributes)
	fill(&c.Selectors.Detail, def.Detail)
	fill(&c.Selectors.Submit, def.Submit)
	fill(&c.Selectors.ListingID, def.ListingID)
	fill(&c.Selectors.Status, def.Status)
}

// ScreenshotClassifier reads a review state from a console screenshot. It is
// consulted when the status text is not recognized.
type ScreenshotClassifier interface {
	ClassifyModerationScreenshot(ctx context.Context, png []byte, contextText string) (listing.ModerationStatus, error)
}

// Executor implements listing.AutomationExecutor with chromedp.
type Executor struct {
	cfg         Config
	slots       chan struct{}
	limiter     *ratelimit.Limiter
	vision      ScreenshotClassifier
	allocator   context.Context
	allocCancel context.CancelFunc
	closeOnce   sync.Once
	logger      *zap.Logger
}

// New creates an Executor. limiter and vision may be nil.
func New(cfg Config, limiter *ratelimit.Limiter, vision ScreenshotClassifier, logger *zap.Logger) (*Executor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ConsoleURL == "" {
		return nil, fmt.Errorf("console url is required")
	}
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Executor{
		cfg:         cfg,
		slots:       make(chan struct{}, cfg.MaxParallel),
		limiter:     limiter,
		vision:      vision,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("automation"),
	}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (e *Executor) Close() {
	e.closeOnce.Do(e.allocCancel)
}

// SubmitListing fills the item form, submits it and returns the listing id
// the console assigns.
func (e *Executor) SubmitListing(ctx context.Context, fields listing.ListingFields) (listing.SubmitResult, error) {
	var id string
	err := e.session(ctx, e.createURL(), func(taskCtx context.Context) error {
		actions, err := e.fillForm(fields)
		if err != nil {
			return err
		}
		sel := e.cfg.Selectors
		actions = append(actions,
			chromedp.Click(sel.Submit, chromedp.ByQuery),
			chromedp.WaitVisible(sel.ListingID, chromedp.ByQuery),
			chromedp.Text(sel.ListingID, &id, chromedp.ByQuery),
		)
		return chromedp.Run(taskCtx, actions...)
	})
	if err != nil {
		return listing.SubmitResult{}, fmt.Errorf("submit listing: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return listing.SubmitResult{}, errors.New("submit listing: console showed no listing id")
	}
	e.logger.Info("listing submitted", zap.String("listing_id", id), zap.String("title", fields.Title))
	return listing.SubmitResult{ListingID: id}, nil
}

// CheckModerationStatus opens the listing's status page and classifies it.
func (e *Executor) CheckModerationStatus(ctx context.Context, listingID string) (listing.ModerationStatus, error) {
	status := listing.ModerationUnknown
	err := e.session(ctx, e.statusURL(listingID), func(taskCtx context.Context) error {
		var text string
		sel := e.cfg.Selectors.Status
		if err := chromedp.Run(taskCtx,
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Evaluate(statusScript(sel), &text),
		); err != nil {
			return err
		}
		status = ClassifyStatusText(text)
		if status != listing.ModerationUnknown || e.vision == nil {
			return nil
		}
		var png []byte
		if err := chromedp.Run(taskCtx, chromedp.FullScreenshot(&png, 90)); err != nil {
			return fmt.Errorf("capture screenshot: %w", err)
		}
		got, err := e.vision.ClassifyModerationScreenshot(taskCtx, png, text)
		if err != nil {
			e.logger.Warn("screenshot classification failed", zap.String("listing_id", listingID), zap.Error(err))
			return nil
		}
		status = got
		return nil
	})
	if err != nil {
		return listing.ModerationUnknown, fmt.Errorf("check moderation status: %w", err)
	}
	return status, nil
}

// session opens a tab on url, runs fn and closes the tab.
func (e *Executor) session(ctx context.Context, url string, fn func(context.Context) error) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if err := e.limiter.Wait(ctx, url); err != nil {
		return err
	}

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.StepTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, e.setupAction(), chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("open %s: %w", url, err)
	}
	return fn(taskCtx)
}

func (e *Executor) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (e *Executor) fillForm(f listing.ListingFields) ([]chromedp.Action, error) {
	sel := e.cfg.Selectors
	attrs := "{}"
	if len(f.Attributes) > 0 {
		raw, err := json.Marshal(f.Attributes)
		if err != nil {
			return nil, fmt.Errorf("encode attributes: %w", err)
		}
		attrs = string(raw)
	}
	return []chromedp.Action{
		chromedp.WaitVisible(sel.Title, chromedp.ByQuery),
		chromedp.SetValue(sel.Title, f.Title, chromedp.ByQuery),
		chromedp.SetValue(sel.Description, f.Description, chromedp.ByQuery),
		chromedp.SetValue(sel.Category, f.CategoryCode, chromedp.ByQuery),
		chromedp.SetValue(sel.Price, formatPrice(f.Price), chromedp.ByQuery),
		chromedp.SetValue(sel.Stock, strconv.Itoa(f.Stock), chromedp.ByQuery),
		chromedp.SetValue(sel.Images, strings.Join(f.Images, "\n"), chromedp.ByQuery),
		chromedp.SetValue(sel.Attributes, attrs, chromedp.ByQuery),
		chromedp.SetValue(sel.Detail, f.DetailHTML, chromedp.ByQuery),
	}, nil
}

func (e *Executor) createURL() string {
	return strings.TrimRight(e.cfg.ConsoleURL, "/") + e.cfg.CreatePath
}

func (e *Executor) statusURL(listingID string) string {
	return strings.TrimRight(e.cfg.ConsoleURL, "/") + fmt.Sprintf(e.cfg.StatusPath, listingID)
}

func (e *Executor) acquire(ctx context.Context) error {
	if cap(e.slots) == 0 {
		return nil
	}
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *Executor) release() {
	if cap(e.slots) == 0 {
		return
	}
	select {
	case <-e.slots:
	default:
	}
}

// statusScript reads the status cell text, or "" when the cell is absent.
func statusScript(selector string) string {
	return fmt.Sprintf(`(document.querySelector(%q) || {}).innerText || ""`, selector)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
