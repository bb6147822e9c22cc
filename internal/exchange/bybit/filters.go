package bybit

import (
	"context"
	"fmt"

	"github.com/deltaflow/engine/internal/precision"
)

// symbolFilters loads step, tick and minimum notional from the public
// instruments endpoint and caches them per symbol and category. Lookup
// failure degrades to passthrough filters so orders still go out unrounded.
func (a *Adapter) symbolFilters(ctx context.Context, symbol string, isFutures bool) precision.SymbolFilters {
	key := categoryFor(isFutures) + ":" + symbol

	a.mu.Lock()
	cached, ok := a.filters[key]
	a.mu.Unlock()
	if ok {
		return cached
	}

	f, err := a.fetchFilters(ctx, symbol, isFutures)
	if err != nil {
		a.log.Warn("instrument filter lookup failed, using passthrough precision", "symbol", symbol, "err", err)
		return precision.SymbolFilters{Symbol: symbol}
	}

	a.mu.Lock()
	a.filters[key] = f
	a.mu.Unlock()
	return f
}

func (a *Adapter) fetchFilters(ctx context.Context, symbol string, isFutures bool) (precision.SymbolFilters, error) {
	var out struct {
		RetCode int64 `json:"retCode"`
		Result  struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					QtyStep          string `json:"qtyStep"`
					BasePrecision    string `json:"basePrecision"`
					MinNotionalValue string `json:"minNotionalValue"`
					MinOrderAmt      string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"category": categoryFor(isFutures),
			"symbol":   symbol,
		}).
		SetResult(&out).
		Get(a.cfg.BaseURL + "/v5/market/instruments-info")
	if err != nil {
		return precision.SymbolFilters{}, fmt.Errorf("failed to fetch instrument info for %s: %w", symbol, err)
	}
	if resp.IsError() || out.RetCode != 0 || len(out.Result.List) == 0 {
		return precision.SymbolFilters{}, fmt.Errorf("no instrument info returned for %s (status %d)", symbol, resp.StatusCode())
	}

	inst := out.Result.List[0]
	step := inst.LotSizeFilter.QtyStep
	if step == "" {
		// Spot instruments express quantity granularity as basePrecision.
		step = inst.LotSizeFilter.BasePrecision
	}
	minNotional := inst.LotSizeFilter.MinNotionalValue
	if minNotional == "" {
		minNotional = inst.LotSizeFilter.MinOrderAmt
	}

	return precision.SymbolFilters{
		Symbol:      inst.Symbol,
		StepSize:    step,
		TickSize:    inst.PriceFilter.TickSize,
		MinNotional: minNotional,
	}, nil
}

func (a *Adapter) stepSize(ctx context.Context, symbol string, isFutures bool) string {
	return a.symbolFilters(ctx, symbol, isFutures).StepSize
}

func (a *Adapter) tickSize(ctx context.Context, symbol string, isFutures bool) string {
	return a.symbolFilters(ctx, symbol, isFutures).TickSize
}
