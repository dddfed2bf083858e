package remote

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/JakeFAU/relist/internal/images"
	"github.com/JakeFAU/relist/internal/listing"
)

// Scraper implements listing.Scraper against POST /scrape.
type Scraper struct{ c *Client }

// NewScraper wraps c.
func NewScraper(c *Client) *Scraper { return &Scraper{c: c} }

// Scrape returns the normalized product behind url.
func (s *Scraper) Scrape(ctx context.Context, url string) (listing.ProductPayload, error) {
	var out listing.ProductPayload
	if err := s.c.post(ctx, "/scrape", map[string]string{"url": url}, &out); err != nil {
		return listing.ProductPayload{}, err
	}
	return out, nil
}

// Competitors implements pricing.CompetitorSearcher against POST /competitors/search.
type Competitors struct{ c *Client }

// NewCompetitors wraps c.
func NewCompetitors(c *Client) *Competitors { return &Competitors{c: c} }

type competitorResponse struct {
	Items []listing.CompetitorObservation `json:"items"`
}

// Search lists platform offers matching keyword.
func (s *Competitors) Search(ctx context.Context, platform listing.Platform, keyword string) ([]listing.CompetitorObservation, error) {
	var out competitorResponse
	req := map[string]string{"platform": string(platform), "keyword": keyword}
	if err := s.c.post(ctx, "/competitors/search", req, &out); err != nil {
		return nil, err
	}
	for i := range out.Items {
		if out.Items[i].Platform == "" {
			out.Items[i].Platform = platform
		}
	}
	return out.Items, nil
}

// Marketplace implements images.MarketplaceSearcher against the target
// marketplace search collaborator.
type Marketplace struct{ c *Client }

// NewMarketplace wraps c.
func NewMarketplace(c *Client) *Marketplace { return &Marketplace{c: c} }

type marketplaceResponse struct {
	Items []listing.MarketplaceItem `json:"items"`
}

type listingImagesResponse struct {
	Images []string `json:"images"`
}

// Search finds marketplace listings for keyword.
func (m *Marketplace) Search(ctx context.Context, keyword string) ([]listing.MarketplaceItem, error) {
	var out marketplaceResponse
	if err := m.c.post(ctx, "/marketplace/search", map[string]string{"keyword": keyword}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListingImages returns the image URLs of a marketplace listing.
func (m *Marketplace) ListingImages(ctx context.Context, url string) ([]string, error) {
	var out listingImagesResponse
	if err := m.c.post(ctx, "/marketplace/images", map[string]string{"url": url}, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

// Cleaner implements images.ImageCleaner against POST /images/clean.
type Cleaner struct{ c *Client }

// NewCleaner wraps c.
func NewCleaner(c *Client) *Cleaner { return &Cleaner{c: c} }

type cleanResponse struct {
	// Data is base64 encoded.
	Data        string   `json:"data"`
	ContentType string   `json:"content_type"`
	Defects     []string `json:"defects"`
}

// Clean removes watermarks and overlays from the image at url.
func (cl *Cleaner) Clean(ctx context.Context, url string) (images.CleanedImage, error) {
	var out cleanResponse
	if err := cl.c.post(ctx, "/images/clean", map[string]string{"url": url}, &out); err != nil {
		return images.CleanedImage{}, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Data)
	if err != nil {
		return images.CleanedImage{}, fmt.Errorf("decode cleaned image: %w", err)
	}
	if len(data) == 0 {
		return images.CleanedImage{}, fmt.Errorf("cleaned image for %s is empty", url)
	}
	ct := out.ContentType
	if ct == "" {
		ct = "image/jpeg"
	}
	return images.CleanedImage{Data: data, ContentType: ct, Defects: out.Defects}, nil
}
