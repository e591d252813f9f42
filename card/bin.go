package card

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dumende-payments/logging"
	"dumende-payments/models"
)

// BinChecker is the backend lookup the Enricher relies on
type BinChecker interface {
	BinCheck(ctx context.Context, bin, amount string) (*models.BinInfo, error)
}

// maxCachedBins caps the lookup cache; a full cache is dropped and refilled.
const maxCachedBins = 1024

type binKey struct {
	bin    string
	amount string
}

// Enricher performs bank identification lookups. Lookups are enrichment
// only: failures are logged and reported as "no data", never as errors.
type Enricher struct {
	checker BinChecker

	mu    sync.Mutex
	cache map[binKey]*models.BinInfo
}

func NewEnricher(checker BinChecker) *Enricher {
	return &Enricher{
		checker: checker,
		cache:   make(map[binKey]*models.BinInfo),
	}
}

// Lookup returns BIN metadata for the card number prefix, or false when
// fewer than six digits are available or the lookup failed.
func (e *Enricher) Lookup(ctx context.Context, number, amount string) (*models.BinInfo, bool) {
	bin, ok := BIN(number)
	if !ok {
		return nil, false
	}
	amount = normalizeAmount(amount)
	key := binKey{bin, amount}

	e.mu.Lock()
	cached, hit := e.cache[key]
	e.mu.Unlock()
	if hit {
		return cached, true
	}

	info, err := e.checker.BinCheck(ctx, bin, amount)
	if err != nil || info == nil {
		logging.FromContext(ctx).Debug("BIN lookup unavailable",
			zap.String("bin", bin),
			zap.Error(err),
		)
		return nil, false
	}

	e.mu.Lock()
	if len(e.cache) >= maxCachedBins {
		e.cache = make(map[binKey]*models.BinInfo)
	}
	e.cache[key] = info
	e.mu.Unlock()
	return info, true
}

// normalizeAmount returns amount in canonical decimal form. Amounts that do
// not parse, or are negative, are dropped.
func normalizeAmount(amount string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || d.IsNegative() {
		return ""
	}
	return d.String()
}

func (e *Enricher) cached() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Prefetch runs Lookup in the background. The channel yields the result, or
// is closed empty when there is nothing to report.
func (e *Enricher) Prefetch(ctx context.Context, number, amount string) <-chan *models.BinInfo {
	out := make(chan *models.BinInfo, 1)
	go func() {
		defer close(out)
		if info, ok := e.Lookup(ctx, number, amount); ok {
			out <- info
		}
	}()
	return out
}

// PriceFor returns the installment plan row for n installments
func PriceFor(info *models.BinInfo, n int) (models.InstallmentPrice, bool) {
	if info == nil {
		return models.InstallmentPrice{}, false
	}
	for _, p := range info.InstallmentPrices {
		if p.InstallmentNumber == n {
			return p, true
		}
	}
	return models.InstallmentPrice{}, false
}
