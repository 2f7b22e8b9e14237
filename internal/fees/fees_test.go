package fees

import (
	"math"
	"testing"
)

func TestFee_Truncation(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		bps    uint32
		want   int64
	}{
		{"zero bps", 1_000_000, 0, 0},
		{"exact percent", 10_000, 100, 100},
		{"truncates down", 9_999, 100, 99},
		{"one base unit", 1, 1000, 0},
		{"max bps", 10_000, MaxFeeBps, 1_000},
		{"odd amount", 333, 250, 8}, // 333*250/10000 = 8.325 → 8
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fee(tc.amount, tc.bps)
			if err != nil {
				t.Fatalf("Fee(%d, %d): %v", tc.amount, tc.bps, err)
			}
			if got != tc.want {
				t.Errorf("Fee(%d, %d) = %d, want %d", tc.amount, tc.bps, got, tc.want)
			}
		})
	}
}

func TestFee_RejectsHighBps(t *testing.T) {
	if _, err := Fee(1000, MaxFeeBps+1); err == nil {
		t.Error("expected error for bps above ceiling")
	}
	if err := ValidateBps(MaxFeeBps); err != nil {
		t.Errorf("ValidateBps(%d) should pass: %v", MaxFeeBps, err)
	}
}

func TestFinalPrice_Overflow(t *testing.T) {
	if _, err := FinalPrice(math.MaxInt64/2, 3); err != ErrAmountOverflow {
		t.Errorf("expected ErrAmountOverflow, got %v", err)
	}
	if _, err := FinalPrice(MaxPrice, MaxQuantity); err != ErrAmountOverflow {
		t.Errorf("max price at max quantity must overflow, got %v", err)
	}
	got, err := FinalPrice(MaxPrice, 1)
	if err != nil {
		t.Fatalf("max price at quantity 1 must not overflow: %v", err)
	}
	if got != MaxPrice {
		t.Errorf("FinalPrice = %d, want %d", got, int64(MaxPrice))
	}
}

func TestSplit_Conservation(t *testing.T) {
	cases := []struct {
		name            string
		price, qty, pay int64
		bps             uint32
	}{
		{"no fee no overpay", 100, 1, 100, 0},
		{"fee with remainder", 9_999, 1, 9_999, 100},
		{"overpayment", BaseUnitsPerToken, 1, BaseUnitsPerToken * 3 / 2, 250},
		{"multi quantity", 777, 13, 777*13 + 55, 999},
		{"max fee", 1_000_000, 5, 5_000_000, MaxFeeBps},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Split(tc.price, tc.qty, tc.pay, tc.bps)
			if err != nil {
				t.Fatalf("Split: %v", err)
			}
			if b.Fee+b.SellerAmount != b.FinalPrice {
				t.Errorf("fee %d + seller %d != finalPrice %d", b.Fee, b.SellerAmount, b.FinalPrice)
			}
			if b.FinalPrice+b.Refund != tc.pay {
				t.Errorf("finalPrice %d + refund %d != payment %d", b.FinalPrice, b.Refund, tc.pay)
			}
			if b.Fee < 0 || b.SellerAmount < 0 || b.Refund < 0 {
				t.Errorf("negative component in breakdown %+v", b)
			}
		})
	}
}

func TestSplit_InsufficientPayment(t *testing.T) {
	if _, err := Split(100, 2, 199, 0); err == nil {
		t.Error("expected error when payment below final price")
	}
}
