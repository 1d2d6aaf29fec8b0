package order

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MoneyScale is the number of fractional digits stored for amounts.
const MoneyScale = 2

var (
	vatRate = decimal.RequireFromString("0.10")

	majorAllowanceKg = decimal.RequireFromString("3.0")
	majorBaseFee     = decimal.NewFromInt(22000)
	otherAllowanceKg = decimal.RequireFromString("0.5")
	otherBaseFee     = decimal.NewFromInt(30000)

	extraStepKg    = decimal.RequireFromString("0.5")
	extraStepFee   = decimal.NewFromInt(2500)
	freeShipAbove  = decimal.NewFromInt(100000)
	freeShipCapFee = decimal.NewFromInt(25000)

	majorLocality = regexp.MustCompile(`ha noi|hanoi|ho chi minh|hochiminh|hcm`)
)

// Quote is the full price breakdown of an order.
type Quote struct {
	Subtotal    decimal.Decimal
	VAT         decimal.Decimal
	ShippingFee decimal.Decimal
	Total       decimal.Decimal
}

// NewQuote prices a subtotal shipped to province with the given parcel weight.
func NewQuote(subtotal, weightKg decimal.Decimal, province string) Quote {
	shipping := ShippingFee(province, weightKg, subtotal)
	vat := VAT(subtotal)
	return Quote{
		Subtotal:    subtotal,
		VAT:         vat,
		ShippingFee: shipping,
		Total:       subtotal.Add(vat).Add(shipping),
	}
}

// VAT is rounded half away from zero to MoneyScale, as NUMERIC storage would.
func VAT(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(vatRate).Round(MoneyScale)
}

// ShippingFee computes the weight based delivery fee in VND.
func ShippingFee(province string, weightKg, subtotal decimal.Decimal) decimal.Decimal {
	if weightKg.IsNegative() {
		weightKg = decimal.Zero
	}

	allowance, fee := otherAllowanceKg, otherBaseFee
	if IsMajorLocality(province) {
		allowance, fee = majorAllowanceKg, majorBaseFee
	}

	if extra := weightKg.Sub(allowance); extra.IsPositive() {
		steps := extra.Div(extraStepKg).Ceil()
		fee = fee.Add(steps.Mul(extraStepFee))
	}

	if subtotal.GreaterThan(freeShipAbove) {
		fee = fee.Sub(decimal.Min(fee, freeShipCapFee))
	}
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	return fee.Round(0)
}

// IsMajorLocality reports whether the province is Hanoi or Ho Chi Minh City.
func IsMajorLocality(province string) bool {
	return majorLocality.MatchString(NormalizeProvince(province))
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeProvince lowercases the name and strips Vietnamese diacritics.
func NormalizeProvince(province string) string {
	s := strings.ToLower(strings.TrimSpace(province))
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	return strings.ReplaceAll(s, "đ", "d")
}
