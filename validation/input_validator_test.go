package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidatePrice(t *testing.T) {
	iv := NewInputValidator(nil)

	tests := []struct {
		name    string
		price   string
		wantErr error
	}{
		{"valid price", "50000.25", nil},
		{"minimum price", "0.00000001", nil},
		{"maximum precision", "0.12345678", nil},
		{"zero price", "0", ErrPriceOutOfRange},
		{"negative price", "-1", ErrPriceOutOfRange},
		{"below minimum", "0.000000001", ErrPriceOutOfRange},
		{"above maximum", "1000000001", ErrPriceOutOfRange},
		{"too many decimals", "1.123456789", ErrPricePrecisionExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := iv.ValidatePrice(decimal.RequireFromString(tt.price))
			if tt.wantErr == nil && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateQuantity(t *testing.T) {
	iv := NewInputValidator(nil)

	tests := []struct {
		name     string
		quantity string
		wantErr  error
	}{
		{"valid quantity", "1.5", nil},
		{"minimum quantity", "0.00000001", nil},
		{"zero quantity", "0", ErrQuantityOutOfRange},
		{"negative quantity", "-0.5", ErrQuantityOutOfRange},
		{"above maximum", "1000000001", ErrQuantityOutOfRange},
		{"too many decimals", "1.000000001", ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := iv.ValidateQuantity(decimal.RequireFromString(tt.quantity))
			if tt.wantErr == nil && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAccountID(t *testing.T) {
	iv := NewInputValidator(nil)

	tests := []struct {
		name      string
		accountID string
		valid     bool
	}{
		{"simple id", "acct-123", true},
		{"underscores", "market_maker_1", true},
		{"empty", "", false},
		{"spaces", "acct 123", false},
		{"special characters", "acct;drop", false},
		{"too long", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := iv.ValidateAccountID(tt.accountID)
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidAccountID) {
				t.Errorf("Expected ErrInvalidAccountID, got %v", err)
			}
		})
	}
}

func TestValidateSymbol(t *testing.T) {
	iv := NewInputValidator(nil)

	tests := []struct {
		name   string
		symbol string
		valid  bool
	}{
		{"pair form", "BTC-USD", true},
		{"bare symbol", "AAPL", true},
		{"digits", "1INCH-USD", true},
		{"empty", "", false},
		{"lowercase", "btc-usd", false},
		{"double hyphen", "BTC-USD-X", false},
		{"too long", strings.Repeat("A", 21), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := iv.ValidateSymbol(tt.symbol)
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidSymbol) {
				t.Errorf("Expected ErrInvalidSymbol, got %v", err)
			}
		})
	}
}
