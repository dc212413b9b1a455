package data

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Severity grades a data issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Issue types reported by the validator.
const (
	IssueNoData           = "NO_DATA"
	IssueGap              = "GAP_DETECTED"
	IssueNonPositivePrice = "NON_POSITIVE_PRICE"
	IssueGapMove          = "GAP_MOVE"
	IssueOHLC             = "OHLC_INCONSISTENT"
	IssueDuplicate        = "DUPLICATE_DATE"
	IssueOutOfOrder       = "OUT_OF_ORDER"
	IssueZeroVolume       = "ZERO_VOLUME"
)

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string    `json:"type"`
	Severity Severity  `json:"severity"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
	BarIndex int       `json:"barIndex"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"` // 0-100
	IsUsable     bool        `json:"isUsable"`
	StartDate    time.Time   `json:"startDate"`
	EndDate      time.Time   `json:"endDate"`
}

// Count returns the number of issues of the given types.
func (r *QualityReport) Count(issueTypes ...string) int {
	n := 0
	for _, issue := range r.Issues {
		for _, t := range issueTypes {
			if issue.Type == t {
				n++
				break
			}
		}
	}
	return n
}

// QualityValidator checks daily bar series before they are imported.
type QualityValidator struct {
	logger *zap.Logger

	MaxGapDays int     // calendar days between consecutive bars before a gap is reported
	MaxGapMove float64 // max open-vs-previous-close move, e.g. 0.20 for 20%
}

// NewQualityValidator creates a validator with equity-market defaults.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:     logger,
		MaxGapDays: 5,
		MaxGapMove: 0.20,
	}
}

// Validate runs all checks on bars, which are expected in date order.
func (v *QualityValidator) Validate(symbol string, bars []types.PriceBar) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol: symbol,
			Issues: []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Message: "No data provided"}},
		}
	}

	issues := make([]DataIssue, 0)
	issues = append(issues, v.checkPrices(bars)...)
	issues = append(issues, v.checkOHLC(bars)...)
	issues = append(issues, v.checkOrder(bars)...)
	issues = append(issues, v.checkGaps(bars)...)

	score := qualityScore(len(bars), issues)
	report := &QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && !hasCritical(issues),
		StartDate:    bars[0].Date,
		EndDate:      bars[len(bars)-1].Date,
	}

	v.logger.Debug("Data quality validated",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Int("issues", len(issues)),
		zap.Int("score", score),
	)
	return report
}

func (v *QualityValidator) checkPrices(bars []types.PriceBar) []DataIssue {
	issues := make([]DataIssue, 0)

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type:     IssueNonPositivePrice,
				Severity: SeverityCritical,
				Date:     bar.Date,
				Message:  "Zero or negative price",
				BarIndex: i,
			})
			continue
		}

		if bar.Volume == 0 {
			issues = append(issues, DataIssue{
				Type:     IssueZeroVolume,
				Severity: SeverityLow,
				Date:     bar.Date,
				Message:  "Zero volume bar",
				BarIndex: i,
			})
		}

		if i > 0 && bars[i-1].Close.IsPositive() {
			prev := bars[i-1].Close
			move := bar.Open.Sub(prev).Div(prev).Abs()
			if move.InexactFloat64() > v.MaxGapMove {
				issues = append(issues, DataIssue{
					Type:     IssueGapMove,
					Severity: SeverityMedium,
					Date:     bar.Date,
					Message:  "Large price gap: " + move.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%",
					BarIndex: i,
				})
			}
		}
	}

	return issues
}

// checkOHLC verifies Low <= Open, Close <= High.
func (v *QualityValidator) checkOHLC(bars []types.PriceBar) []DataIssue {
	issues := make([]DataIssue, 0)

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.Close.IsPositive() {
			continue // reported by checkPrices
		}
		hi := decimal.Max(bar.Open, bar.Close)
		lo := decimal.Min(bar.Open, bar.Close)
		if bar.High.LessThan(hi) || bar.Low.GreaterThan(lo) || bar.High.LessThan(bar.Low) {
			issues = append(issues, DataIssue{
				Type:     IssueOHLC,
				Severity: SeverityCritical,
				Date:     bar.Date,
				Message:  fmt.Sprintf("Inconsistent OHLC (O:%s H:%s L:%s C:%s)", bar.Open, bar.High, bar.Low, bar.Close),
				BarIndex: i,
			})
		}
	}

	return issues
}

func (v *QualityValidator) checkOrder(bars []types.PriceBar) []DataIssue {
	issues := make([]DataIssue, 0)
	seen := make(map[string]int)

	for i, bar := range bars {
		day := bar.Date.Format(types.DateLayout)
		if first, ok := seen[day]; ok {
			issues = append(issues, DataIssue{
				Type:     IssueDuplicate,
				Severity: SeverityHigh,
				Date:     bar.Date,
				Message:  fmt.Sprintf("Duplicate date (also at index %d)", first),
				BarIndex: i,
			})
		} else {
			seen[day] = i
		}

		if i > 0 && bar.Date.Before(bars[i-1].Date) {
			issues = append(issues, DataIssue{
				Type:     IssueOutOfOrder,
				Severity: SeverityCritical,
				Date:     bar.Date,
				Message:  "Bar is out of chronological order",
				BarIndex: i,
			})
		}
	}

	return issues
}

func (v *QualityValidator) checkGaps(bars []types.PriceBar) []DataIssue {
	issues := make([]DataIssue, 0)
	if v.MaxGapDays <= 0 {
		return issues
	}

	for i := 1; i < len(bars); i++ {
		days := int(bars[i].Date.Sub(bars[i-1].Date).Hours() / 24)
		if days > v.MaxGapDays {
			severity := SeverityHigh
			if days > v.MaxGapDays*6 {
				severity = SeverityCritical
			}
			issues = append(issues, DataIssue{
				Type:     IssueGap,
				Severity: severity,
				Date:     bars[i-1].Date,
				Message:  fmt.Sprintf("Data gap of %d days", days),
				BarIndex: i - 1,
			})
		}
	}

	return issues
}

// Clean sorts bars, drops duplicate dates and non-positive prices, and
// widens High/Low to cover Open and Close. The input is not modified.
func (v *QualityValidator) Clean(bars []types.PriceBar) []types.PriceBar {
	sorted := append([]types.PriceBar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	cleaned := make([]types.PriceBar, 0, len(sorted))
	seen := make(map[string]bool)

	for _, bar := range sorted {
		day := bar.Date.Format(types.DateLayout)
		if seen[day] {
			continue
		}
		seen[day] = true

		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}

		bar.High = decimal.Max(bar.Open, decimal.Max(bar.High, bar.Close))
		bar.Low = decimal.Min(bar.Open, decimal.Min(bar.Low, bar.Close))
		cleaned = append(cleaned, bar)
	}

	v.logger.Info("Data cleaning complete",
		zap.Int("original_bars", len(bars)),
		zap.Int("cleaned_bars", len(cleaned)),
		zap.Int("removed", len(bars)-len(cleaned)),
	)
	return cleaned
}

// qualityScore returns a 0-100 score, tolerating more minor issues on
// longer series.
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10
		case SeverityHigh:
			penalty += 5
		case SeverityMedium:
			penalty += 2
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
