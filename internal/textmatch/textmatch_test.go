package textmatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeywords(t *testing.T) {
	t.Parallel()

	got := Keywords("联想 ThinkPad X1-Carbon 2024/14寸 笔记本 a")
	require.Equal(t, []string{"联想", "ThinkPad", "X1", "Carbon", "14寸", "笔记本"}, got)
	require.Empty(t, Keywords(""))
}

func TestBrandModelType(t *testing.T) {
	t.Parallel()

	title := "联想 ThinkPad X1C 轻薄笔记本电脑"
	require.Equal(t, "联想", Brand(title))
	require.Equal(t, "X1C", Model(title))
	require.Equal(t, "笔记本", ProductType(title))

	require.Empty(t, Brand("无品牌 商品"))
	require.Empty(t, Model("全小写 abc"))
	require.Empty(t, ProductType("签字笔"))
}

func TestPriceBracket(t *testing.T) {
	t.Parallel()

	cases := map[float64]string{
		0:     "低价位",
		99.99: "低价位",
		100:   "中低价位",
		999:   "中低价位",
		1000:  "中价位",
		5000:  "中高价位",
		10000: "高价位",
	}
	for price, want := range cases {
		require.Equal(t, want, PriceBracket(price), "price %v", price)
	}
}

func TestTitleSimilarity(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, TitleSimilarity("Lenovo ThinkPad X1C", "lenovo thinkpad x1c"), 1e-9)
	// "x1" is too short to count; "lenovo" and "thinkpad" match out of 4 words.
	require.InDelta(t, 0.5, TitleSimilarity("lenovo thinkpad x1", "lenovo thinkpad x1 carbon"), 1e-9)
	require.Zero(t, TitleSimilarity("", ""))
	require.Zero(t, TitleSimilarity("apple", "banana"))
}

func TestProductSimilarity(t *testing.T) {
	t.Parallel()

	// Brand and model match; "联想" is too short to count as a title word.
	same := ProductSimilarity("联想 ThinkPad X1C 笔记本", "联想 thinkpad x1c 笔记本")
	require.InDelta(t, 0.975, same, 1e-9)

	brandOnly := ProductSimilarity("华为 MateBook 笔记本", "华为 平板")
	require.GreaterOrEqual(t, brandOnly, 0.4)
	require.Less(t, brandOnly, 0.9)

	require.Less(t, ProductSimilarity("小米 鼠标", "戴尔 键盘"), 0.1)
}

func TestSearchKeyword(t *testing.T) {
	t.Parallel()

	require.Equal(t, "联想 X1C", SearchKeyword("2024款 新款 联想 X1C 正品包邮"))
	require.Equal(t, "办公用签字笔黑色0.5mm", SearchKeyword("正品办公用签字笔黑色0.5mm促销"))

	long := SearchKeyword("非常非常非常长的商品标题用于测试截断逻辑是否正确处理")
	require.Equal(t, 20, len([]rune(long)))
}

func TestMarketplaceKeywords(t *testing.T) {
	t.Parallel()

	title := "联想 X1C 笔记本"
	require.Equal(t, []string{"联想 X1C"}, MarketplaceKeywords(title, false))
	require.Equal(t, []string{"联想 X1C", "X1C", "联想 笔记本", "笔记本"}, MarketplaceKeywords(title, true))

	require.Equal(t, []string{"无线办公文具"}, MarketplaceKeywords("无线办公文具", true))
}
