package validation

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

const (
	MaxPricePrecision    = 8
	MaxQuantityPrecision = 8

	MaxAccountIDLength = 64
	MaxSymbolLength    = 20

	AccountIDPattern = `^[a-zA-Z0-9_-]+$`
	SymbolPattern    = `^[A-Z0-9]+(-[A-Z0-9]+)?$`
)

var (
	accountIDRegex = regexp.MustCompile(AccountIDPattern)
	symbolRegex    = regexp.MustCompile(SymbolPattern)

	ErrInvalidPrice           = errors.New("invalid price")
	ErrPricePrecisionExceeded = errors.New("price precision exceeded")
	ErrPriceOutOfRange        = errors.New("price out of valid range")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrQuantityOutOfRange     = errors.New("quantity out of valid range")
	ErrInvalidAccountID       = errors.New("invalid account_id format or length")
	ErrInvalidSymbol          = errors.New("invalid symbol format or length")
)

// Config bounds what the intake accepts. The engine trusts these checks and
// does not re-validate business limits.
type Config struct {
	MaxPricePrecision    int
	MinPrice             decimal.Decimal
	MaxPrice             decimal.Decimal
	MaxQuantityPrecision int
	MinQuantity          decimal.Decimal
	MaxQuantity          decimal.Decimal
	MaxAccountIDLength   int
	MaxSymbolLength      int
}

func DefaultConfig() *Config {
	return &Config{
		MaxPricePrecision:    MaxPricePrecision,
		MinPrice:             decimal.RequireFromString("0.00000001"),
		MaxPrice:             decimal.RequireFromString("1000000000"),
		MaxQuantityPrecision: MaxQuantityPrecision,
		MinQuantity:          decimal.RequireFromString("0.00000001"),
		MaxQuantity:          decimal.RequireFromString("1000000000"),
		MaxAccountIDLength:   MaxAccountIDLength,
		MaxSymbolLength:      MaxSymbolLength,
	}
}

// InputValidator applies the intake bounds to raw request fields
type InputValidator struct {
	config *Config
}

func NewInputValidator(config *Config) *InputValidator {
	if config == nil {
		config = DefaultConfig()
	}
	return &InputValidator{config: config}
}

// ValidatePrice checks range and decimal precision
func (iv *InputValidator) ValidatePrice(price decimal.Decimal) error {
	if price.LessThan(iv.config.MinPrice) {
		return fmt.Errorf("%w: price %s is below minimum %s",
			ErrPriceOutOfRange, price, iv.config.MinPrice)
	}
	if price.GreaterThan(iv.config.MaxPrice) {
		return fmt.Errorf("%w: price %s exceeds maximum %s",
			ErrPriceOutOfRange, price, iv.config.MaxPrice)
	}
	if exceedsPrecision(price, iv.config.MaxPricePrecision) {
		return fmt.Errorf("%w: at most %d decimal places allowed",
			ErrPricePrecisionExceeded, iv.config.MaxPricePrecision)
	}
	return nil
}

// ValidateQuantity checks range and decimal precision
func (iv *InputValidator) ValidateQuantity(quantity decimal.Decimal) error {
	if quantity.LessThan(iv.config.MinQuantity) {
		return fmt.Errorf("%w: quantity %s is below minimum %s",
			ErrQuantityOutOfRange, quantity, iv.config.MinQuantity)
	}
	if quantity.GreaterThan(iv.config.MaxQuantity) {
		return fmt.Errorf("%w: quantity %s exceeds maximum %s",
			ErrQuantityOutOfRange, quantity, iv.config.MaxQuantity)
	}
	if exceedsPrecision(quantity, iv.config.MaxQuantityPrecision) {
		return fmt.Errorf("%w: at most %d decimal places allowed",
			ErrInvalidQuantity, iv.config.MaxQuantityPrecision)
	}
	return nil
}

// ValidateAccountID checks format and length
func (iv *InputValidator) ValidateAccountID(accountID string) error {
	if accountID == "" {
		return fmt.Errorf("%w: account_id cannot be empty", ErrInvalidAccountID)
	}
	if len(accountID) > iv.config.MaxAccountIDLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d",
			ErrInvalidAccountID, len(accountID), iv.config.MaxAccountIDLength)
	}
	if !accountIDRegex.MatchString(accountID) {
		return fmt.Errorf("%w: only alphanumerics, underscore and hyphen allowed",
			ErrInvalidAccountID)
	}
	return nil
}

// ValidateSymbol checks trading symbol format and length
func (iv *InputValidator) ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidSymbol)
	}
	if len(symbol) > iv.config.MaxSymbolLength {
		return fmt.Errorf("%w: length %d exceeds maximum %d",
			ErrInvalidSymbol, len(symbol), iv.config.MaxSymbolLength)
	}
	if !symbolRegex.MatchString(symbol) {
		return fmt.Errorf("%w: expected uppercase base-quote form like BTC-USD",
			ErrInvalidSymbol)
	}
	return nil
}

// exceedsPrecision reports whether d carries more than max decimal places.
// Exponent() is negative for digits right of the decimal point.
func exceedsPrecision(d decimal.Decimal, max int) bool {
	return int(-d.Exponent()) > max
}
