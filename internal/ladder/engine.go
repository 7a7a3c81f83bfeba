// Package ladder computes and maintains the protective structure of a
// position: the initial stop ladder, the staged profit targets, and
// ongoing adjustments as the market moves.
package ladder

import (
	"github.com/rs/zerolog"
)

// StopConfig tunes initial stop placement.
type StopConfig struct {
	StructureBufferPct  float64 `json:"structure_buffer_pct"`  // buffer under/over the level
	StructureDefaultPct float64 `json:"structure_default_pct"` // fallback when no level found
	KellyFraction       float64 `json:"kelly_fraction"`        // fraction of full Kelly
	MaxRiskPct          float64 `json:"max_risk_pct"`          // equity cap per position
	EmergencyPct        float64 `json:"emergency_pct"`         // hard emergency rung distance
	DefaultWinRate      float64 `json:"default_win_rate"`
	DefaultAvgWin       float64 `json:"default_avg_win"`
	DefaultAvgLoss      float64 `json:"default_avg_loss"`
}

// AdjustConfig tunes the ongoing adjustment pipeline.
type AdjustConfig struct {
	BreakevenTriggerPct float64 `json:"breakeven_trigger_pct"` // profit % that arms breakeven
	BreakevenOffsetPct  float64 `json:"breakeven_offset_pct"`  // offset above/below entry
	TrailingATRMult     float64 `json:"trailing_atr_mult"`
	TrailingMinMovePct  float64 `json:"trailing_min_move_pct"` // favorable move required
	VolWidenRatio       float64 `json:"vol_widen_ratio"`       // ATR ratio above which to widen
	VolTightenRatio     float64 `json:"vol_tighten_ratio"`     // ATR ratio below which to tighten
	HistoryLimit        int     `json:"history_limit"`
}

// ScalpConfig tunes the scalping-specific ladders.
type ScalpConfig struct {
	InitialStopPct   float64 `json:"initial_stop_pct"`
	MaxLossPct       float64 `json:"max_loss_pct"`
	TimeStopSec      int     `json:"time_stop_sec"`
	MomentumFade     float64 `json:"momentum_fade"`
	VolumeFadeMult   float64 `json:"volume_fade_mult"`
	EmergencyPct     float64 `json:"emergency_pct"`
	BaseTargetsPct   []float64 `json:"base_targets_pct"`
	TargetRatios     []float64 `json:"target_ratios"`
	TimeTargetFrac   float64 `json:"time_target_frac"`   // of max hold
	TimeTargetClose  float64 `json:"time_target_close"`  // fraction closed at the time target
	TrailActivatePct float64 `json:"trail_activate_pct"`
	TrailBasePct     float64 `json:"trail_base_pct"`
	TrailAccel       float64 `json:"trail_accel"`
	TrailDecay       float64 `json:"trail_decay"` // per minute
	LossCutAfterSec  int     `json:"loss_cut_after_sec"`
}

// Config bundles all ladder tuning.
type Config struct {
	Stops  StopConfig   `json:"stops"`
	Adjust AdjustConfig `json:"adjust"`
	Scalp  ScalpConfig  `json:"scalp"`
}

// DefaultConfig returns production tuning.
func DefaultConfig() Config {
	return Config{
		Stops: StopConfig{
			StructureBufferPct:  0.005,
			StructureDefaultPct: 0.03,
			KellyFraction:       0.25,
			MaxRiskPct:          0.02,
			EmergencyPct:        0.05,
			DefaultWinRate:      0.5,
			DefaultAvgWin:       0.02,
			DefaultAvgLoss:      0.02,
		},
		Adjust: AdjustConfig{
			BreakevenTriggerPct: 1.5,
			BreakevenOffsetPct:  0.001,
			TrailingATRMult:     2.0,
			TrailingMinMovePct:  2.0,
			VolWidenRatio:       1.5,
			VolTightenRatio:     0.6,
			HistoryLimit:        20,
		},
		Scalp: ScalpConfig{
			InitialStopPct:   0.15,
			MaxLossPct:       0.25,
			TimeStopSec:      300,
			MomentumFade:     0.3,
			VolumeFadeMult:   0.5,
			EmergencyPct:     0.4,
			BaseTargetsPct:   []float64{0.2, 0.3, 0.5},
			TargetRatios:     []float64{0.5, 0.3, 0.2},
			TimeTargetFrac:   0.7,
			TimeTargetClose:  0.8,
			TrailActivatePct: 0.15,
			TrailBasePct:     0.08,
			TrailAccel:       1.1,
			TrailDecay:       0.95,
			LossCutAfterSec:  120,
		},
	}
}

// Engine computes stop ladders, target ladders and adjustments.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates a ladder engine.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "RiskLadder").Logger(),
	}
}
