package money

import "testing"

func TestNewValidatesCurrency(t *testing.T) {
	m, err := New(1999, "USD")
	if err != nil {
		t.Fatalf("New(USD): %v", err)
	}
	if m.Scale != 2 {
		t.Errorf("USD scale = %d, want 2", m.Scale)
	}

	if _, err := New(100, "USDT"); err == nil {
		t.Error("expected error for non-ISO code USDT")
	}
	if _, err := New(100, ""); err == nil {
		t.Error("expected error for empty code")
	}
}

func TestZeroScaleCurrency(t *testing.T) {
	m, err := New(1200, "JPY")
	if err != nil {
		t.Fatalf("New(JPY): %v", err)
	}
	if m.Scale != 0 {
		t.Errorf("JPY scale = %d, want 0", m.Scale)
	}
	if got := m.String(); got != "1200 JPY" {
		t.Errorf("String() = %q", got)
	}
}

func TestAddRejectsCurrencyMismatch(t *testing.T) {
	usd := MustNew(100, "USD")
	eur := MustNew(100, "EUR")

	if _, err := usd.Add(eur); err == nil {
		t.Error("expected currency mismatch error")
	}

	sum, err := usd.Add(MustNew(250, "USD"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.AmountMinor != 350 {
		t.Errorf("sum = %d, want 350", sum.AmountMinor)
	}
}

func TestString(t *testing.T) {
	cases := []struct {
		amount int64
		code   string
		want   string
	}{
		{1999, "USD", "19.99 USD"},
		{5, "EUR", "0.05 EUR"},
		{-1250, "GBP", "-12.50 GBP"},
	}
	for _, c := range cases {
		if got := MustNew(c.amount, c.code).String(); got != c.want {
			t.Errorf("String(%d %s) = %q, want %q", c.amount, c.code, got, c.want)
		}
	}
}
