// Package policy implements risk evaluation and approver routing for
// proposed trading actions. Evaluation is pure: same inputs, same output,
// no side effects.
package policy

import (
	"fmt"
	"math"

	"github.com/halcyonlabs/tradegate/internal/config"
	"github.com/halcyonlabs/tradegate/internal/domain"
)

// MarketContext carries the live market inputs to risk evaluation.
// All values are raw; the evaluator normalizes them before weighting.
type MarketContext struct {
	Volatility       float64 // Annualized volatility of the symbol, e.g. 0.35.
	AvgDailyVolume   float64 // Average daily traded value in USD.
	MarketStress     float64 // Market-condition stress index, 0 calm to 1 crisis.
	Correlation      float64 // Correlation of the symbol with existing holdings, -1..1.
	AnomalyScore     float64 // Pattern-anomaly score from upstream detection, 0..1.
	AgentWinRate     float64 // Historical fraction of profitable actions, 0..1.
}

// Decision is the outcome of policy evaluation for a proposed action.
type Decision struct {
	Required bool
	Reason   string
	Priority domain.Priority
	Risk     domain.RiskAssessment
}

// Evaluator computes the trigger set, composite risk score, and priority for
// a proposed action against portfolio and agent context.
type Evaluator struct {
	cfg *config.PolicyConfig
}

// NewEvaluator creates an Evaluator. The config is assumed validated
// (weights summing to 1.0 is enforced at config load).
func NewEvaluator(cfg *config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate runs every trigger check and combines the results. All triggers
// are evaluated even after one fires, so the audit trail carries the complete
// reasoning. Oversight is required iff at least one trigger fired; priority
// is the maximum severity across triggers.
func (e *Evaluator) Evaluate(action domain.ProposedAction, agent domain.AgentSnapshot, portfolio domain.PortfolioSnapshot, market MarketContext) Decision {
	risk := e.assessRisk(action, agent, portfolio, market)

	checks := []func(domain.ProposedAction, domain.AgentSnapshot, domain.PortfolioSnapshot, MarketContext, domain.RiskAssessment) *domain.Trigger{
		e.checkAmount,
		e.checkRiskScore,
		e.checkConcentration,
		e.checkSectorExposure,
		e.checkCorrelation,
		e.checkBudgetUtilization,
		e.checkFirstAction,
		e.checkTrustScore,
		e.checkAnomaly,
	}

	var triggers []domain.Trigger
	priority := domain.PriorityNormal
	for _, check := range checks {
		if t := check(action, agent, portfolio, market, risk); t != nil {
			triggers = append(triggers, *t)
			priority = domain.MaxPriority(priority, t.Severity)
		}
	}
	risk.Triggers = triggers

	d := Decision{
		Required: len(triggers) > 0,
		Priority: priority,
		Risk:     risk,
	}
	if d.Required {
		d.Reason = fmt.Sprintf("%d policy trigger(s) fired, highest severity %s", len(triggers), priority)
	} else {
		d.Reason = "no policy triggers fired"
	}
	return d
}

// assessRisk computes the weighted composite risk score from five normalized
// sub-scores, each clamped to [0,1] before weighting.
func (e *Evaluator) assessRisk(action domain.ProposedAction, agent domain.AgentSnapshot, portfolio domain.PortfolioSnapshot, market MarketContext) domain.RiskAssessment {
	volatility := clamp01(market.Volatility)

	positionSize := 0.0
	if portfolio.TotalValueUSD > 0 {
		positionSize = clamp01(action.AmountUSD / portfolio.TotalValueUSD)
	}

	// Liquidity risk rises as the order consumes a larger share of daily volume.
	liquidity := 0.0
	if market.AvgDailyVolume > 0 {
		liquidity = clamp01(action.AmountUSD / market.AvgDailyVolume)
	}

	marketCondition := clamp01(market.MarketStress)

	// Complement: a strong track record lowers risk.
	historical := clamp01(1.0 - market.AgentWinRate)

	w := e.cfg.Weights
	score := w.Volatility*volatility +
		w.PositionSize*positionSize +
		w.Liquidity*liquidity +
		w.MarketCondition*marketCondition +
		w.HistoricalPerformance*historical

	return domain.RiskAssessment{
		Score:                 score,
		Volatility:            volatility,
		PositionSizeRatio:     positionSize,
		LiquidityRatio:        liquidity,
		MarketCondition:       marketCondition,
		HistoricalPerformance: historical,
	}
}

func (e *Evaluator) checkAmount(action domain.ProposedAction, _ domain.AgentSnapshot, _ domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if action.AmountUSD < e.cfg.AmountThresholdUSD {
		return nil
	}
	severity := domain.PriorityHigh
	if action.AmountUSD >= e.cfg.CriticalAmountUSD {
		severity = domain.PriorityCritical
	}
	return &domain.Trigger{
		Type:      domain.TriggerAmountThreshold,
		Severity:  severity,
		Reason:    fmt.Sprintf("order value $%.2f exceeds threshold $%.2f", action.AmountUSD, e.cfg.AmountThresholdUSD),
		Value:     action.AmountUSD,
		Threshold: e.cfg.AmountThresholdUSD,
	}
}

func (e *Evaluator) checkRiskScore(_ domain.ProposedAction, _ domain.AgentSnapshot, _ domain.PortfolioSnapshot, _ MarketContext, risk domain.RiskAssessment) *domain.Trigger {
	if risk.Score < e.cfg.RiskScoreThreshold {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerRiskScore,
		Severity:  domain.PriorityHigh,
		Reason:    fmt.Sprintf("composite risk score %.3f exceeds threshold %.3f", risk.Score, e.cfg.RiskScoreThreshold),
		Value:     risk.Score,
		Threshold: e.cfg.RiskScoreThreshold,
	}
}

// checkConcentration flags orders that would push a single position past the
// concentration limit. Sells reduce exposure and are never flagged here.
func (e *Evaluator) checkConcentration(action domain.ProposedAction, _ domain.AgentSnapshot, portfolio domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if action.Side != "buy" || portfolio.TotalValueUSD <= 0 {
		return nil
	}
	current := 0.0
	for _, pos := range portfolio.Positions {
		if pos.Symbol == action.Symbol {
			current = pos.Weight
			break
		}
	}
	projected := current + action.AmountUSD/portfolio.TotalValueUSD
	if projected <= e.cfg.ConcentrationLimit {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerConcentration,
		Severity:  domain.PriorityHigh,
		Reason:    fmt.Sprintf("projected %s weight %.1f%% exceeds concentration limit %.1f%%", action.Symbol, projected*100, e.cfg.ConcentrationLimit*100),
		Value:     projected,
		Threshold: e.cfg.ConcentrationLimit,
	}
}

func (e *Evaluator) checkSectorExposure(action domain.ProposedAction, _ domain.AgentSnapshot, portfolio domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if action.Side != "buy" || portfolio.TotalValueUSD <= 0 {
		return nil
	}
	sector := sectorOf(action.Symbol, portfolio)
	if sector == "" {
		return nil
	}
	projected := portfolio.SectorWeight(sector) + action.AmountUSD/portfolio.TotalValueUSD
	if projected <= e.cfg.SectorExposureLimit {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerSectorExposure,
		Severity:  domain.PriorityNormal,
		Reason:    fmt.Sprintf("projected %s sector weight %.1f%% exceeds limit %.1f%%", sector, projected*100, e.cfg.SectorExposureLimit*100),
		Value:     projected,
		Threshold: e.cfg.SectorExposureLimit,
	}
}

func (e *Evaluator) checkCorrelation(action domain.ProposedAction, _ domain.AgentSnapshot, _ domain.PortfolioSnapshot, market MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if action.Side != "buy" || math.Abs(market.Correlation) <= e.cfg.CorrelationLimit {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerCorrelation,
		Severity:  domain.PriorityNormal,
		Reason:    fmt.Sprintf("correlation %.2f with existing holdings exceeds limit %.2f", market.Correlation, e.cfg.CorrelationLimit),
		Value:     math.Abs(market.Correlation),
		Threshold: e.cfg.CorrelationLimit,
	}
}

func (e *Evaluator) checkBudgetUtilization(_ domain.ProposedAction, agent domain.AgentSnapshot, _ domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if agent.BudgetLimitUSD <= 0 {
		return nil
	}
	used := agent.BudgetUsedUSD / agent.BudgetLimitUSD
	if used < e.cfg.BudgetUtilizationWarn {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerBudgetUtilization,
		Severity:  domain.PriorityHigh,
		Reason:    fmt.Sprintf("agent budget %.1f%% utilized, above %.1f%%", used*100, e.cfg.BudgetUtilizationWarn*100),
		Value:     used,
		Threshold: e.cfg.BudgetUtilizationWarn,
	}
}

func (e *Evaluator) checkFirstAction(_ domain.ProposedAction, agent domain.AgentSnapshot, _ domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if e.cfg.SkipFirstActionCheck || agent.ActionsThisSession > 0 {
		return nil
	}
	return &domain.Trigger{
		Type:     domain.TriggerFirstAction,
		Severity: domain.PriorityNormal,
		Reason:   "first action of agent session",
	}
}

func (e *Evaluator) checkTrustScore(_ domain.ProposedAction, agent domain.AgentSnapshot, _ domain.PortfolioSnapshot, _ MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if agent.TrustScore >= e.cfg.TrustScoreFloor {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerLowTrust,
		Severity:  domain.PriorityCritical,
		Reason:    fmt.Sprintf("agent trust score %.2f below floor %.2f", agent.TrustScore, e.cfg.TrustScoreFloor),
		Value:     agent.TrustScore,
		Threshold: e.cfg.TrustScoreFloor,
	}
}

func (e *Evaluator) checkAnomaly(_ domain.ProposedAction, _ domain.AgentSnapshot, _ domain.PortfolioSnapshot, market MarketContext, _ domain.RiskAssessment) *domain.Trigger {
	if market.AnomalyScore < e.cfg.AnomalyScoreThreshold {
		return nil
	}
	return &domain.Trigger{
		Type:      domain.TriggerAnomalousPattern,
		Severity:  domain.PriorityCritical,
		Reason:    fmt.Sprintf("anomalous trading pattern, score %.2f", market.AnomalyScore),
		Value:     market.AnomalyScore,
		Threshold: e.cfg.AnomalyScoreThreshold,
	}
}

// sectorOf resolves a symbol's sector from existing holdings. Unknown
// symbols (no current position) have no sector attribution.
func sectorOf(symbol string, portfolio domain.PortfolioSnapshot) string {
	for _, pos := range portfolio.Positions {
		if pos.Symbol == symbol {
			return pos.Sector
		}
	}
	return ""
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
