package message

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/quote"
)

// validityClauseRe matches a trailing 报价有效期 clause. The engine cannot
// guarantee quote validity windows, so the clause is stripped from every
// outbound reply.
var validityClauseRe = regexp.MustCompile(`[,，。\s]*报价有效期\s*\d+\s*分钟[。!！~～]*\s*$`)

// RenderQuoteReply fills the quote template. A template that renders with
// unresolved placeholders falls back to the built-in format.
func RenderQuoteReply(template string, req quote.Request, result *quote.Result) string {
	fields := quoteFields(req, result)
	out := template
	for key, value := range fields {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	if strings.Contains(out, "{") && strings.Contains(out, "}") {
		out = builtinQuoteReply(fields)
	}
	return validityClauseRe.ReplaceAllString(out, "")
}

func quoteFields(req quote.Request, result *quote.Result) map[string]string {
	courier := result.Provider
	if c, ok := result.Explain["courier"]; ok && c != "" {
		courier = c
	}
	billing := quote.BillingWeight(req, 0)
	return map[string]string{
		"origin":          displayPlace(req.Origin, result.Explain["normalized_origin"]),
		"destination":     displayPlace(req.Destination, result.Explain["normalized_destination"]),
		"price":           fmt.Sprintf("%.2f", result.TotalFee),
		"price_breakdown": priceBreakdown(result),
		"eta_days":        etaDays(result.ETAMinutes),
		"courier":         courier,
		"billing_weight":  trimFloat(billing),
		"volume_formula":  "体积(cm³)/6000",
	}
}

func displayPlace(raw, normalized string) string {
	if normalized != "" {
		return normalized
	}
	return raw
}

// priceBreakdown renders "基础运费 ¥X.XX + name ¥Y.YY + …" with surcharges in
// stable name order.
func priceBreakdown(result *quote.Result) string {
	parts := []string{fmt.Sprintf("基础运费 ¥%.2f", result.BaseFee)}
	var names []string
	for name := range result.Surcharges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s ¥%.2f", name, result.Surcharges[name]))
	}
	return strings.Join(parts, " + ")
}

// etaDays formats minutes as whole days, ceiling, minimum one day.
func etaDays(minutes int) string {
	days := int(math.Ceil(float64(minutes) / 1440))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("%dd", days)
}

func trimFloat(v float64) string {
	s := fmt.Sprintf("%.1f", v)
	return strings.TrimSuffix(s, ".0")
}

// builtinQuoteReply is the safety-net format that carries the same fields
// as the configurable template.
func builtinQuoteReply(fields map[string]string) string {
	return fmt.Sprintf("%s→%s %s 报价 ¥%s（%s），计费重 %skg，预计 %s 送达。",
		fields["origin"], fields["destination"], fields["courier"],
		fields["price"], fields["price_breakdown"],
		fields["billing_weight"], fields["eta_days"])
}

// RenderCheckoutGuide fills the courier placeholder in the checkout guide.
func RenderCheckoutGuide(template, courier string) string {
	return strings.ReplaceAll(template, "{courier}", courier)
}

// MatchKeywordReply returns the configured reply whose key appears in the
// text, longest key first so the most specific template wins.
func MatchKeywordReply(text string, replies map[string]string) (string, bool) {
	keys := make([]string, 0, len(replies))
	for key := range replies {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		if strings.Contains(text, key) {
			return replies[key], true
		}
	}
	return "", false
}
