package models

// Timeframe identifies a candle aggregation bucket size.
type Timeframe string

const (
	// LTF is the 1-minute low timeframe, built directly from ticks.
	LTF Timeframe = "LTF"
	// ITF is the 25-minute intermediate timeframe, aggregated from LTF.
	ITF Timeframe = "ITF"
	// HTF is the 125-minute high timeframe, aggregated from LTF.
	HTF Timeframe = "HTF"
	// Daily is the full-session timeframe.
	Daily Timeframe = "DAILY"
)

// Minutes returns the bucket width of the timeframe, or 0 for Daily (whose
// bucket is the session itself rather than a fixed width).
func (tf Timeframe) Minutes() int {
	switch tf {
	case LTF:
		return 1
	case ITF:
		return 25
	case HTF:
		return 125
	default:
		return 0
	}
}
