package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestShippingFee(t *testing.T) {
	cases := []struct {
		name     string
		province string
		weight   string
		subtotal string
		want     string
	}{
		{"major within allowance", "Hà Nội", "2.0", "50000", "22000"},
		{"major accented hcm", "  Thành phố Hồ Chí Minh ", "3.0", "0", "22000"},
		{"major short code", "HCM", "3.6", "0", "27000"},
		{"other base", "Đà Nẵng", "0.5", "0", "30000"},
		{"other extra steps", "Đà Nẵng", "1.2", "0", "35000"},
		{"free shipping cap", "Đà Nẵng", "1.2", "100001", "10000"},
		{"free shipping floors at zero", "Hanoi", "1", "150000", "0"},
		{"subtotal at threshold pays", "Hanoi", "1", "100000", "22000"},
		{"negative weight", "Cần Thơ", "-4", "0", "30000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ShippingFee(tc.province, d(tc.weight), d(tc.subtotal))
			if !got.Equal(d(tc.want)) {
				t.Fatalf("ShippingFee(%q, %s, %s) = %s, want %s", tc.province, tc.weight, tc.subtotal, got, tc.want)
			}
		})
	}
}

func TestVATRoundsToStoredScale(t *testing.T) {
	cases := map[string]string{
		"100000": "10000",
		"10.05":  "1.01",
		"10.04":  "1",
		"0.05":   "0.01",
	}
	for subtotal, want := range cases {
		if got := VAT(d(subtotal)); !got.Equal(d(want)) {
			t.Fatalf("VAT(%s) = %s, want %s", subtotal, got, want)
		}
	}

	q := NewQuote(d("10.05"), d("0.5"), "Hue")
	if !q.Total.Equal(d("30011.06")) || q.Total.Exponent() < -MoneyScale {
		t.Fatalf("total must be exact at the stored scale, got %s", q.Total)
	}
}

func TestNormalizeProvince(t *testing.T) {
	if got := NormalizeProvince(" Đồng Tháp "); got != "dong thap" {
		t.Fatalf("unexpected normalisation %q", got)
	}
	if IsMajorLocality("Hải Phòng") {
		t.Fatal("Hai Phong is not a major locality")
	}
}

func TestNewQuote(t *testing.T) {
	q := NewQuote(d("200000"), d("0.2"), "Hà Nội")
	if !q.VAT.Equal(d("20000")) {
		t.Fatalf("unexpected vat %s", q.VAT)
	}
	if !q.ShippingFee.Equal(d("0")) {
		t.Fatalf("unexpected shipping %s", q.ShippingFee)
	}
	if !q.Total.Equal(d("220000")) {
		t.Fatalf("unexpected total %s", q.Total)
	}

	q = NewQuote(d("40000"), d("0.5"), "Huế")
	if !q.Total.Equal(d("74000")) {
		t.Fatalf("total must be subtotal + vat + shipping, got %s", q.Total)
	}
}
