package message

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/quote"
)

// ParsedQuote holds the fields extracted from a free-text quote request.
type ParsedQuote struct {
	Origin         string
	Destination    string
	WeightKg       float64
	VolumeCc       float64
	VolumeWeightKg float64
	Pieces         int
	ServiceLevel   string

	MissingFields []string
}

// Complete reports whether the request can be quoted. Destination and
// weight are mandatory; origin falls back to the seller's configured city.
func (p ParsedQuote) Complete() bool {
	return p.Destination != "" && p.WeightKg > 0
}

var (
	weightRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(kg|KG|Kg|公斤|斤|g|克)`)
	volumeRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[x×*]\s*(\d+(?:\.\d+)?)\s*[x×*]\s*(\d+(?:\.\d+)?)`)
	volWtRe  = regexp.MustCompile(`体积重\s*(\d+(?:\.\d+)?)`)
	piecesRe = regexp.MustCompile(`(\d+)\s*(件|个|箱)`)
	routeRe  = regexp.MustCompile(`(?:从)?([\p{Han}]{2,8}?)\s*(?:寄|发)?到\s*([\p{Han}]{2,8})`)
	destRe   = regexp.MustCompile(`(?:寄|发)?到\s*([\p{Han}]{2,8})`)
	hanToken = regexp.MustCompile(`^[\p{Han}]{2,8}$`)
)

var greetings = []string{"你好", "您好", "在吗", "在不在", "hi", "hello", "哈喽", "有人吗"}

// IsGreeting reports whether the text is a bare greeting with no request
// content.
func IsGreeting(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, "~～!！?？。，, ")
	for _, g := range greetings {
		if t == g {
			return true
		}
	}
	return false
}

// ParseQuoteRequest extracts route, weight, volume, piece count and urgency
// from buyer text. Units: 斤 is half a kilogram, g/克 are grams, the LxWxH
// triple is centimeters.
func ParseQuoteRequest(text string) ParsedQuote {
	var p ParsedQuote

	if m := weightRe.FindStringSubmatch(text); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		switch m[2] {
		case "斤":
			value *= 0.5
		case "g", "克":
			value /= 1000
		}
		p.WeightKg = value
	}

	if m := volWtRe.FindStringSubmatch(text); m != nil {
		p.VolumeWeightKg, _ = strconv.ParseFloat(m[1], 64)
	}

	if m := volumeRe.FindStringSubmatch(text); m != nil {
		l, _ := strconv.ParseFloat(m[1], 64)
		w, _ := strconv.ParseFloat(m[2], 64)
		h, _ := strconv.ParseFloat(m[3], 64)
		p.VolumeCc = l * w * h
	}

	if m := piecesRe.FindStringSubmatch(text); m != nil {
		p.Pieces, _ = strconv.Atoi(m[1])
	}
	if p.Pieces <= 0 {
		p.Pieces = 1
	}

	p.ServiceLevel = parseUrgency(text)

	if m := routeRe.FindStringSubmatch(text); m != nil {
		p.Origin = m[1]
		p.Destination = trimToPlace(m[2])
	} else if m := destRe.FindStringSubmatch(text); m != nil {
		p.Destination = trimToPlace(m[1])
	} else {
		p.Origin, p.Destination = parseRouteTokens(text)
	}

	if p.Destination == "" {
		p.MissingFields = append(p.MissingFields, "destination")
	}
	if p.WeightKg <= 0 {
		p.MissingFields = append(p.MissingFields, "weight")
	}
	return p
}

// parseRouteTokens falls back to the whitespace format "出发地 目的地 重量".
// Without a 到 anchor a bare Han token counts as a place only when it is a
// known province or city, so question words and chatter never become routes.
func parseRouteTokens(text string) (origin, destination string) {
	var places []string
	for _, token := range strings.Fields(text) {
		if hanToken.MatchString(token) && quote.KnownPlace(token) && len(places) < 2 {
			places = append(places, token)
		}
	}
	switch len(places) {
	case 2:
		return places[0], places[1]
	case 1:
		return "", places[0]
	}
	return "", ""
}

// trimToPlace cuts a greedy Han capture down to its longest known-place
// prefix, so "杭州多少钱" yields "杭州". An unrecognized capture is kept
// whole since the 到 anchor already marked it as a destination.
func trimToPlace(s string) string {
	runes := []rune(s)
	for n := len(runes); n >= 2; n-- {
		if candidate := string(runes[:n]); quote.KnownPlace(candidate) {
			return candidate
		}
	}
	return s
}

func parseUrgency(text string) string {
	for _, kw := range []string{"加急", "特急", "越快越好", "今天必须"} {
		if strings.Contains(text, kw) {
			return "urgent"
		}
	}
	for _, kw := range []string{"尽快", "着急", "急用", "快点"} {
		if strings.Contains(text, kw) {
			return "express"
		}
	}
	return ""
}
