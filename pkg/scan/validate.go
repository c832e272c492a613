package scan

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// ProtocolMarker prefixes mobile-money USSD payment payloads.
	ProtocolMarker = "*182*"

	baseQuality      = 0.5
	markerBonus      = 0.3
	fullGrammarBonus = 0.2
)

var (
	fullGrammar = regexp.MustCompile(`\*182\*\d+\*\d+\*[\d*#]+`)
	amountExpr  = regexp.MustCompile(`\*(\d+)#`)
)

// Analysis is the result of local payload validation.
type Analysis struct {
	Quality       float64 `json:"quality" yaml:"quality"`
	HasMarker     bool    `json:"has_marker" yaml:"has_marker"`
	WellFormed    bool    `json:"well_formed" yaml:"well_formed"`
	Amount        int64   `json:"amount,omitempty" yaml:"amount,omitempty"`
	HasAmount     bool    `json:"has_amount" yaml:"has_amount"`
	PaymentMethod string  `json:"payment_method" yaml:"payment_method"`
}

// AnalyzeContent scores how much payload looks like a payment code.
// Quality is always within [0,1].
func AnalyzeContent(payload string) Analysis {
	a := Analysis{
		Quality:       baseQuality,
		PaymentMethod: "unknown",
	}
	if strings.Contains(payload, ProtocolMarker) {
		a.HasMarker = true
		a.PaymentMethod = "mobile_money"
		a.Quality += markerBonus
	}
	if fullGrammar.MatchString(payload) {
		a.WellFormed = true
		a.Quality += fullGrammarBonus
	}
	if a.Quality > 1 {
		a.Quality = 1
	}

	if m := amountExpr.FindStringSubmatch(payload); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			a.Amount = n
			a.HasAmount = true
		}
	}
	return a
}

// NormalizePayload trims whitespace and removes inner blanks that some
// decoders insert between groups.
func NormalizePayload(payload string) string {
	return strings.Join(strings.Fields(payload), "")
}

// CacheKey returns the canonical lookup key of a frame: the normalized
// decoded text if any, the image signature otherwise. It returns "" for an
// empty frame.
func CacheKey(f Frame) string {
	if text := NormalizePayload(f.DecodedText); len(text) > 0 {
		return ResultKey(text)
	}
	if len(f.Image) > 0 {
		return ImageKey(f.Image)
	}
	return ""
}

// ResultKey is the key a decoded payload is cached under.
func ResultKey(payload string) string {
	return "qr_result_" + NormalizePayload(payload)
}

// ImageKey is the key the result of a processed image is cached under.
func ImageKey(image []byte) string {
	var b [8]byte
	h := xxhash.Sum64(image)
	for i := 7; i >= 0; i-- {
		b[i] = byte(h)
		h >>= 8
	}
	return "frame_" + hex.EncodeToString(b[:])
}
