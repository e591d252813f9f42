package card

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dumende-payments/models"
)

var now = time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

func validInput() models.CardInput {
	return models.CardInput{
		CardHolderName: "  Ayse   Yilmaz ",
		CardNumber:     "5528 7900-0000 0008",
		ExpireMonth:    "3",
		ExpireYear:     "30",
		CVC:            "123",
	}
}

func TestValidate_NormalizesValidInput(t *testing.T) {
	out, err := Validate(validInput(), now)
	require.NoError(t, err)
	require.Equal(t, "Ayse Yilmaz", out.CardHolderName)
	require.Equal(t, "5528790000000008", out.CardNumber)
	require.Equal(t, "03", out.ExpireMonth)
	require.Equal(t, "2030", out.ExpireYear)
	require.Equal(t, 1, out.Installment)
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.CardInput)
		field  string
	}{
		{"short name", func(c *models.CardInput) { c.CardHolderName = "Al" }, "cardHolderName"},
		{"short number", func(c *models.CardInput) { c.CardNumber = "4111 1111 1111 11" }, "cardNumber"},
		{"letters in number", func(c *models.CardInput) { c.CardNumber = "4111x11111111111" }, "cardNumber"},
		{"month zero", func(c *models.CardInput) { c.ExpireMonth = "0" }, "expireMonth"},
		{"month thirteen", func(c *models.CardInput) { c.ExpireMonth = "13" }, "expireMonth"},
		{"year in past", func(c *models.CardInput) { c.ExpireYear = "25" }, "expireYear"},
		{"year too far", func(c *models.CardInput) { c.ExpireYear = "2050" }, "expireYear"},
		{"three digit year", func(c *models.CardInput) { c.ExpireYear = "203" }, "expireYear"},
		{"expired this year", func(c *models.CardInput) { c.ExpireYear = "2026"; c.ExpireMonth = "9" }, "expireMonth"},
		{"short cvc", func(c *models.CardInput) { c.CVC = "12" }, "cvc"},
		{"letters in cvc", func(c *models.CardInput) { c.CVC = "12a" }, "cvc"},
		{"negative installment", func(c *models.CardInput) { c.Installment = -1 }, "installment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			_, err := Validate(in, now)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %v", err)
			require.Contains(t, verrs, tt.field)
		})
	}
}

func TestValidate_FifteenDigitNumberAccepted(t *testing.T) {
	in := validInput()
	in.CardNumber = "3782 822463 10005"
	in.CVC = "1234"

	out, err := Validate(in, now)
	require.NoError(t, err)
	require.Len(t, out.CardNumber, 15)
}

func TestValidate_CurrentMonthAccepted(t *testing.T) {
	in := validInput()
	in.ExpireYear = "2026"
	in.ExpireMonth = "10"

	_, err := Validate(in, now)
	require.NoError(t, err)
}

func TestBIN(t *testing.T) {
	_, ok := BIN("5528 7")
	require.False(t, ok)

	bin, ok := BIN("5528 79")
	require.True(t, ok)
	require.Equal(t, "552879", bin)
}

type fakeChecker struct {
	calls atomic.Int32
	info  *models.BinInfo
	err   error

	mu      sync.Mutex
	amounts []string
}

func (f *fakeChecker) BinCheck(_ context.Context, bin, amount string) (*models.BinInfo, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.amounts = append(f.amounts, amount)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	info.BinNumber = bin
	return &info, nil
}

func TestEnricher_LookupCachesResult(t *testing.T) {
	checker := &fakeChecker{info: &models.BinInfo{BankName: "Halkbank", Force3DS: true}}
	e := NewEnricher(checker)

	info, ok := e.Lookup(context.Background(), "5528790000000008", "1500")
	require.True(t, ok)
	require.Equal(t, "552879", info.BinNumber)
	require.True(t, info.Force3DS)

	_, ok = e.Lookup(context.Background(), "5528791111111111", "1500")
	require.True(t, ok)
	require.Equal(t, int32(1), checker.calls.Load())
}

func TestEnricher_AmountIsNormalized(t *testing.T) {
	checker := &fakeChecker{info: &models.BinInfo{BankName: "Halkbank"}}
	e := NewEnricher(checker)

	for _, amount := range []string{"1500", "1500.00", " 1500.0 "} {
		_, ok := e.Lookup(context.Background(), "5528790000000008", amount)
		require.True(t, ok)
	}
	require.Equal(t, int32(1), checker.calls.Load())

	for _, amount := range []string{"abc", "-5", "1e400x", ""} {
		_, ok := e.Lookup(context.Background(), "5528790000000008", amount)
		require.True(t, ok)
	}
	require.Equal(t, int32(2), checker.calls.Load())
	require.Equal(t, []string{"1500", ""}, checker.amounts)
}

func TestEnricher_CacheIsBounded(t *testing.T) {
	checker := &fakeChecker{info: &models.BinInfo{}}
	e := NewEnricher(checker)

	for i := 0; i < maxCachedBins+10; i++ {
		_, ok := e.Lookup(context.Background(), "5528790000000008", fmt.Sprintf("%d", i+1))
		require.True(t, ok)
	}
	require.LessOrEqual(t, e.cached(), maxCachedBins)
	require.Equal(t, int32(maxCachedBins+10), checker.calls.Load())
}

func TestEnricher_FailureIsSwallowed(t *testing.T) {
	e := NewEnricher(&fakeChecker{err: errors.New("backend down")})

	info, ok := e.Lookup(context.Background(), "5528790000000008", "1500")
	require.False(t, ok)
	require.Nil(t, info)
}

func TestEnricher_NoLookupBeforeSixDigits(t *testing.T) {
	checker := &fakeChecker{info: &models.BinInfo{}}
	e := NewEnricher(checker)

	_, ok := e.Lookup(context.Background(), "55287", "")
	require.False(t, ok)
	require.Equal(t, int32(0), checker.calls.Load())
}

func TestEnricher_PrefetchDeliversResult(t *testing.T) {
	e := NewEnricher(&fakeChecker{info: &models.BinInfo{BankName: "Akbank"}})

	select {
	case info, ok := <-e.Prefetch(context.Background(), "4543600000000006", "100"):
		require.True(t, ok)
		require.Equal(t, "Akbank", info.BankName)
	case <-time.After(time.Second):
		t.Fatal("prefetch did not deliver")
	}

	failing := NewEnricher(&fakeChecker{err: errors.New("boom")})
	_, ok := <-failing.Prefetch(context.Background(), "4543600000000006", "100")
	require.False(t, ok)
}

func TestPriceFor(t *testing.T) {
	info := &models.BinInfo{InstallmentPrices: []models.InstallmentPrice{
		{InstallmentNumber: 1, TotalPrice: decimal.NewFromInt(100), InstallmentPrice: decimal.NewFromInt(100)},
		{InstallmentNumber: 3, TotalPrice: decimal.NewFromInt(105), InstallmentPrice: decimal.NewFromInt(35)},
	}}

	p, ok := PriceFor(info, 3)
	require.True(t, ok)
	require.True(t, p.InstallmentPrice.Equal(decimal.NewFromInt(35)))

	_, ok = PriceFor(info, 6)
	require.False(t, ok)
	_, ok = PriceFor(nil, 1)
	require.False(t, ok)
}
