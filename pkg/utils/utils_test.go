package utils_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
)

func TestParseDate(t *testing.T) {
	d, err := utils.ParseDate(" 2024-03-15 ")
	if err != nil {
		t.Fatalf("ParseDate failed: %v", err)
	}
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if !d.Equal(want) {
		t.Errorf("Expected %s, got %s", want, d)
	}

	if _, err := utils.ParseDate("15/03/2024"); err == nil {
		t.Error("Expected error for non ISO date")
	}
}

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "$0.00"},
		{"999.5", "$999.50"},
		{"10000", "$10,000.00"},
		{"1234567.891", "$1,234,567.89"},
		{"-2500", "-$2,500.00"},
	}

	for _, tt := range tests {
		got := utils.FormatMoney(decimal.RequireFromString(tt.in))
		if got != tt.want {
			t.Errorf("FormatMoney(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCalculateMean(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromInt(10),
		decimal.NewFromInt(-5),
		decimal.NewFromInt(25),
	}
	if !utils.CalculateMean(values).Equal(decimal.NewFromInt(10)) {
		t.Errorf("Mean incorrect: %s", utils.CalculateMean(values))
	}
	if !utils.CalculateMean(nil).IsZero() {
		t.Error("Mean of empty slice should be zero")
	}
}

func TestBatchProcess(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sizes []int

	err := utils.BatchProcess(items, 2, func(batch []int) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	if err != nil {
		t.Fatalf("BatchProcess failed: %v", err)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[2] != 1 {
		t.Errorf("Unexpected batch sizes: %v", sizes)
	}

	boom := errors.New("boom")
	err = utils.BatchProcess(items, 2, func(batch []int) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}
