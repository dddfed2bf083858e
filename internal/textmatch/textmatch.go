// Package textmatch extracts matching signals from product titles: keywords,
// brand, model, product type and similarity scores.
package textmatch

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Brands recognized in titles, in match priority order.
var Brands = []string{"联想", "华为", "小米", "Apple", "ThinkPad", "戴尔", "惠普", "HP", "Dell", "Lenovo"}

// ProductTypes recognized in titles for search keyword expansion.
var ProductTypes = []string{"笔记本", "台式机", "鼠标", "键盘", "显示器", "打印机"}

// noise is stripped from titles before building a competitor search keyword.
var noise = []string{"2024款", "新款", "官方旗舰店", "正品", "包邮", "促销"}

var (
	keywordSplit    = regexp.MustCompile(`[\s\-/]+`)
	modelPattern    = regexp.MustCompile(`[A-Z0-9]{2,}[-\s]?[A-Z0-9]*`)
	searchBrand     = regexp.MustCompile(`(?i)(联想|华为|小米|Apple|ThinkPad|戴尔|惠普)`)
	searchModel     = regexp.MustCompile(`[A-Z0-9]+\s?[A-Z0-9]*`)
	lowerModel      = regexp.MustCompile(`(?i)[a-z0-9]{2,}[-\s]?[a-z0-9]*`)
	allDigitPattern = regexp.MustCompile(`^\d+$`)
)

// Keywords splits a title on whitespace, '-' and '/', keeping tokens longer
// than one rune that are not all digits.
func Keywords(title string) []string {
	var out []string
	for _, w := range keywordSplit.Split(title, -1) {
		if utf8.RuneCountInString(w) > 1 && !allDigitPattern.MatchString(w) {
			out = append(out, w)
		}
	}
	return out
}

// Brand returns the first known brand contained in title.
func Brand(title string) string {
	for _, b := range Brands {
		if strings.Contains(title, b) {
			return b
		}
	}
	return ""
}

// Model returns the first upper-case alphanumeric model token.
func Model(title string) string {
	return strings.TrimSpace(modelPattern.FindString(title))
}

// ProductType returns the first known product type contained in title.
func ProductType(title string) string {
	for _, t := range ProductTypes {
		if strings.Contains(title, t) {
			return t
		}
	}
	return ""
}

// PriceBracket buckets a declared price for classification prompts.
func PriceBracket(price float64) string {
	switch {
	case price < 100:
		return "低价位"
	case price < 1000:
		return "中低价位"
	case price < 5000:
		return "中价位"
	case price < 10000:
		return "中高价位"
	default:
		return "高价位"
	}
}

// TitleSimilarity is the share of words in a (longer than two runes) that
// overlap some word in b, over the longer word count.
func TitleSimilarity(a, b string) float64 {
	words1 := strings.Fields(strings.ToLower(a))
	words2 := strings.Fields(strings.ToLower(b))
	denom := max(len(words1), len(words2))
	if denom == 0 {
		return 0
	}
	matches := 0
	for _, w1 := range words1 {
		if utf8.RuneCountInString(w1) <= 2 {
			continue
		}
		for _, w2 := range words2 {
			if strings.Contains(w2, w1) || strings.Contains(w1, w2) {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(denom)
}

// ProductSimilarity weighs brand (0.4), model (0.5) and title words (0.1).
func ProductSimilarity(a, b string) float64 {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	score := 0.0
	if ba, bb := lowerBrand(la), lowerBrand(lb); ba != "" && ba == bb {
		score += 0.4
	}
	if ma, mb := lowerModelOf(la), lowerModelOf(lb); ma != "" && ma == mb {
		score += 0.5
	}
	return score + TitleSimilarity(la, lb)*0.1
}

func lowerBrand(text string) string {
	for _, b := range Brands {
		if strings.Contains(text, strings.ToLower(b)) {
			return strings.ToLower(b)
		}
	}
	return ""
}

func lowerModelOf(text string) string {
	return strings.ToLower(strings.TrimSpace(lowerModel.FindString(text)))
}

// SearchKeyword builds a competitor search query: brand plus model when both
// are present, otherwise the first 20 runes of the de-noised title.
func SearchKeyword(title string) string {
	kw := title
	for _, n := range noise {
		kw = strings.ReplaceAll(kw, n, "")
	}
	brand := searchBrand.FindString(kw)
	model := strings.TrimSpace(searchModel.FindString(kw))
	if brand != "" && model != "" {
		return brand + " " + model
	}
	return strings.TrimSpace(truncateRunes(kw, 20))
}

// MarketplaceKeywords builds target-marketplace search queries. The expanded
// form adds model-only, brand plus type and type-only queries.
func MarketplaceKeywords(title string, expand bool) []string {
	brand := Brand(title)
	model := Model(title)
	kind := ProductType(title)

	var out []string
	if brand != "" && model != "" {
		out = append(out, brand+" "+model)
	}
	if expand {
		if model != "" {
			out = append(out, model)
		}
		if brand != "" && kind != "" {
			out = append(out, brand+" "+kind)
		}
		if kind != "" {
			out = append(out, kind)
		}
	}
	if len(out) == 0 {
		out = append(out, strings.TrimFunc(truncateRunes(title, 20), unicode.IsSpace))
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
