package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/relist/internal/listing"
	"github.com/JakeFAU/relist/internal/policy/ratelimit"
)

func newServer(t *testing.T, routes map[string]func(req map[string]string) (int, any)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		route, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		code, body := route(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, ratelimit.New(ratelimit.Config{}), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, nil, nil)
	require.Error(t, err)
}

func TestScraper(t *testing.T) {
	t.Parallel()

	c := newServer(t, map[string]func(map[string]string) (int, any){
		"/scrape": func(req map[string]string) (int, any) {
			require.Equal(t, "https://item.jd.com/1.html", req["url"])
			return http.StatusOK, listing.ProductPayload{Title: "联想 X1C", Price: 9999, SourcePlatform: listing.PlatformJD}
		},
	})
	p, err := NewScraper(c).Scrape(context.Background(), "https://item.jd.com/1.html")
	require.NoError(t, err)
	require.Equal(t, "联想 X1C", p.Title)
	require.Equal(t, 9999.0, p.Price)
}

func TestCompetitorsFillPlatform(t *testing.T) {
	t.Parallel()

	c := newServer(t, map[string]func(map[string]string) (int, any){
		"/competitors/search": func(req map[string]string) (int, any) {
			require.Equal(t, "tmall", req["platform"])
			require.Equal(t, "联想 X1C", req["keyword"])
			return http.StatusOK, map[string]any{"items": []map[string]any{
				{"url": "u1", "title": "联想 X1C", "price": 5200},
				{"platform": "jd", "url": "u2", "title": "联想 X1C 2024", "price": 5300},
			}}
		},
	})
	items, err := NewCompetitors(c).Search(context.Background(), listing.PlatformTmall, "联想 X1C")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, listing.PlatformTmall, items[0].Platform)
	require.Equal(t, listing.PlatformJD, items[1].Platform)
}

func TestMarketplace(t *testing.T) {
	t.Parallel()

	c := newServer(t, map[string]func(map[string]string) (int, any){
		"/marketplace/search": func(map[string]string) (int, any) {
			return http.StatusOK, map[string]any{"items": []listing.MarketplaceItem{{URL: "m1", Title: "联想 X1C"}}}
		},
		"/marketplace/images": func(req map[string]string) (int, any) {
			require.Equal(t, "m1", req["url"])
			return http.StatusOK, map[string]any{"images": []string{"a", "b"}}
		},
	})
	m := NewMarketplace(c)
	items, err := m.Search(context.Background(), "联想 X1C")
	require.NoError(t, err)
	require.Equal(t, "m1", items[0].URL)
	imgs, err := m.ListingImages(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, imgs)
}

func TestCleaner(t *testing.T) {
	t.Parallel()

	c := newServer(t, map[string]func(map[string]string) (int, any){
		"/images/clean": func(req map[string]string) (int, any) {
			if req["url"] == "bad" {
				return http.StatusOK, map[string]any{"data": "!!"}
			}
			return http.StatusOK, map[string]any{"data": "aW1n", "defects": []string{"watermark"}}
		},
	})
	img, err := NewCleaner(c).Clean(context.Background(), "https://img/1.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("img"), img.Data)
	require.Equal(t, "image/jpeg", img.ContentType)
	require.Equal(t, []string{"watermark"}, img.Defects)

	_, err = NewCleaner(c).Clean(context.Background(), "bad")
	require.Error(t, err)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	c := newServer(t, map[string]func(map[string]string) (int, any){
		"/scrape": func(map[string]string) (int, any) {
			return http.StatusBadGateway, map[string]string{"error": "upstream down"}
		},
	})
	_, err := NewScraper(c).Scrape(context.Background(), "https://item.jd.com/1.html")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.Contains(t, se.Body, "upstream down")
}
