// Package risk computes take-profit ladders and trailing stops.
package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-structure-bot/internal/positions"
	"futures-structure-bot/internal/structure"
)

// TPStrategy selects how targets are derived.
type TPStrategy string

const (
	StrategyAuto           TPStrategy = "AUTO"
	StrategyLiquiditySweep TPStrategy = "LIQUIDITY_SWEEP"
	StrategyFixedRR        TPStrategy = "FIXED_RR"
	StrategyScaled         TPStrategy = "SCALED"
)

// PartialLevel is one (rr_multiple, share_pct) rung of the ladder.
type PartialLevel struct {
	RRMultiple float64 `json:"rr_multiple"`
	SharePct   float64 `json:"share_pct"`
}

// TPConfig tunes the calculator.
type TPConfig struct {
	MinRiskRewardRatio float64        `json:"min_risk_reward_ratio"`
	Partials           []PartialLevel `json:"partial_tp_percentages"`
	MinDistancePct     float64        `json:"min_distance_pct"`
	MaxDistancePct     float64        `json:"max_distance_pct"`
	// LiquiditySnapPct is the snap window around an RR target, as a
	// percentage of the entry price.
	LiquiditySnapPct float64 `json:"liquidity_snap_pct"`
	PricePrecision   int32   `json:"price_precision"`
	TrailingPct      float64 `json:"trailing_pct"`
}

// DefaultTPConfig returns a two-rung 50/50 ladder at 1.5R and 2.5R.
func DefaultTPConfig() *TPConfig {
	return &TPConfig{
		MinRiskRewardRatio: 1.0,
		Partials: []PartialLevel{
			{RRMultiple: 1.5, SharePct: 50},
			{RRMultiple: 2.5, SharePct: 50},
		},
		MinDistancePct:   0.1,
		MaxDistancePct:   10.0,
		LiquiditySnapPct: 1.0,
		PricePrecision:   2,
		TrailingPct:      1.0,
	}
}

// Validate checks the ladder invariants.
func (c *TPConfig) Validate() error {
	if c.MinRiskRewardRatio < 1.0 {
		return fmt.Errorf("min_risk_reward_ratio must be >= 1.0, got %f", c.MinRiskRewardRatio)
	}
	if len(c.Partials) == 0 {
		return fmt.Errorf("at least one partial level is required")
	}
	total := 0.0
	for _, level := range c.Partials {
		if level.RRMultiple <= 0 || level.SharePct <= 0 {
			return fmt.Errorf("partial levels must be positive, got %+v", level)
		}
		total += level.SharePct
	}
	if math.Abs(total-100) > 0.01 {
		return fmt.Errorf("partial shares must sum to 100, got %f", total)
	}
	return nil
}

// PartialTP is one computed take-profit target.
type PartialTP struct {
	RRMultiple  float64         `json:"rr_multiple"`
	SharePct    float64         `json:"share_pct"`
	Price       decimal.Decimal `json:"price"`
	DistancePct float64         `json:"distance_pct"`
	SnappedTo   decimal.Decimal `json:"snapped_to,omitempty"`
	Snapped     bool            `json:"snapped"`
	Warning     string          `json:"warning,omitempty"`
}

// TPResult is the computed ladder.
type TPResult struct {
	Partials           []PartialTP     `json:"partials"`
	FinalTarget        decimal.Decimal `json:"final_target"`
	RiskDistance       decimal.Decimal `json:"risk_distance"`
	RewardDistance     decimal.Decimal `json:"reward_distance"`
	ActualRR           float64         `json:"actual_rr"`
	Valid              bool            `json:"valid"`
	TrailingActivation decimal.Decimal `json:"trailing_activation"`
	Strategy           TPStrategy      `json:"strategy"`
}

// TakeProfitCalculator derives partial targets from the entry/stop geometry,
// optionally snapping to nearby liquidity.
type TakeProfitCalculator struct {
	config *TPConfig
	logger zerolog.Logger
}

// NewTakeProfitCalculator validates the config and builds a calculator.
func NewTakeProfitCalculator(config *TPConfig, logger zerolog.Logger) (*TakeProfitCalculator, error) {
	if config == nil {
		config = DefaultTPConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &TakeProfitCalculator{
		config: config,
		logger: logger.With().Str("component", "TakeProfitCalculator").Logger(),
	}, nil
}

// Calculate builds the ladder. Levels may be nil; they only matter for the
// AUTO and LIQUIDITY_SWEEP strategies.
func (tc *TakeProfitCalculator) Calculate(entry, stopLoss decimal.Decimal, side positions.Side, levels []*structure.LiquidityLevel, strategy TPStrategy) (*TPResult, error) {
	if !entry.IsPositive() {
		return nil, fmt.Errorf("entry must be positive, got %s", entry)
	}
	if !stopLoss.IsPositive() {
		return nil, fmt.Errorf("stop loss must be positive, got %s", stopLoss)
	}
	if side != positions.SideLong && side != positions.SideShort {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if side == positions.SideLong && stopLoss.GreaterThanOrEqual(entry) {
		return nil, fmt.Errorf("long stop loss %s must be below entry %s", stopLoss, entry)
	}
	if side == positions.SideShort && stopLoss.LessThanOrEqual(entry) {
		return nil, fmt.Errorf("short stop loss %s must be above entry %s", stopLoss, entry)
	}
	if strategy == "" {
		strategy = StrategyAuto
	}

	risk := entry.Sub(stopLoss).Abs()
	result := &TPResult{
		RiskDistance: risk,
		Strategy:     strategy,
	}

	for _, level := range tc.config.Partials {
		partial := tc.buildPartial(entry, risk, side, level, levels, strategy)
		result.Partials = append(result.Partials, partial)
	}

	final := result.Partials[len(result.Partials)-1]
	result.FinalTarget = final.Price
	result.RewardDistance = final.Price.Sub(entry).Abs()
	if risk.IsPositive() {
		result.ActualRR, _ = result.RewardDistance.Div(risk).Float64()
	}
	result.Valid = result.ActualRR >= tc.config.MinRiskRewardRatio
	result.TrailingActivation = result.Partials[0].Price

	if !result.Valid {
		tc.logger.Warn().
			Float64("actual_rr", result.ActualRR).
			Float64("min_rr", tc.config.MinRiskRewardRatio).
			Msg("Take-profit ladder fails the minimum risk-reward")
	}
	return result, nil
}

func (tc *TakeProfitCalculator) buildPartial(entry, risk decimal.Decimal, side positions.Side, level PartialLevel, levels []*structure.LiquidityLevel, strategy TPStrategy) PartialTP {
	rr := decimal.NewFromFloat(level.RRMultiple)
	var target decimal.Decimal
	if side == positions.SideLong {
		target = entry.Add(rr.Mul(risk))
	} else {
		target = entry.Sub(rr.Mul(risk))
	}

	partial := PartialTP{
		RRMultiple: level.RRMultiple,
		SharePct:   level.SharePct,
	}

	if strategy == StrategyAuto || strategy == StrategyLiquiditySweep {
		if snapped, ok := tc.snapToLiquidity(entry, target, side, levels); ok {
			partial.SnappedTo = snapped
			partial.Snapped = true
			target = snapped
		}
	}

	distancePct, _ := target.Sub(entry).Abs().Div(entry).Mul(decimal.NewFromInt(100)).Float64()
	partial.DistancePct = distancePct
	if distancePct < tc.config.MinDistancePct || distancePct > tc.config.MaxDistancePct {
		partial.Warning = fmt.Sprintf("target distance %.3f%% outside [%.3f%%, %.3f%%]",
			distancePct, tc.config.MinDistancePct, tc.config.MaxDistancePct)
		tc.logger.Warn().
			Str("target", target.String()).
			Float64("distance_pct", distancePct).
			Msg("Take-profit distance outside configured band")
	}

	partial.Price = target.RoundDown(tc.config.PricePrecision)
	return partial
}

// snapToLiquidity finds a tradeable level on the take-profit side of the
// entry within the snap window of the RR target.
func (tc *TakeProfitCalculator) snapToLiquidity(entry, target decimal.Decimal, side positions.Side, levels []*structure.LiquidityLevel) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Decimal{}, false
	}
	window := entry.Mul(decimal.NewFromFloat(tc.config.LiquiditySnapPct / 100))

	var best decimal.Decimal
	bestDist := decimal.Decimal{}
	found := false
	for _, level := range levels {
		if level == nil || !level.IsTradeable() {
			continue
		}
		price := decimal.NewFromFloat(level.Price)

		// Long targets sit above entry at buy-side pools; shorts mirror.
		if side == positions.SideLong {
			if level.Type != structure.BuySideLiquidity || !price.GreaterThan(entry) {
				continue
			}
		} else {
			if level.Type != structure.SellSideLiquidity || !price.LessThan(entry) {
				continue
			}
		}

		dist := price.Sub(target).Abs()
		if dist.GreaterThan(window) {
			continue
		}
		if !found || dist.LessThan(bestDist) {
			best = price
			bestDist = dist
			found = true
		}
	}
	return best, found
}
