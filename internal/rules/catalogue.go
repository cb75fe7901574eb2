package rules

import (
	"fmt"
	"math"

	"github.com/sentinel/fraud-engine/internal/models"
)

// Catalogue returns the built-in rule set. IDs are stable: they key the
// accuracy table, the tenant enable lists and the flags clients see.
func Catalogue() []Rule {
	return []Rule{
		{
			ID: 1, Name: "HighVelocityDevice", BaseScore: 15, Severity: models.SeverityHigh,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceVelocity.Count1h > 10 {
					return true, fmt.Sprintf("device made %d transactions in the last hour", ctx.DeviceVelocity.Count1h)
				}
				return false, ""
			},
		},
		{
			ID: 2, Name: "HighVelocityPhone", BaseScore: 15, Severity: models.SeverityHigh,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.PhoneVelocity.Count1h > 5 {
					return true, fmt.Sprintf("phone used in %d transactions in the last hour", ctx.PhoneVelocity.Count1h)
				}
				return false, ""
			},
		},
		{
			ID: 3, Name: "UnusualAmount", BaseScore: 10, Severity: models.SeverityMedium,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if tx.Amount > 1_000_000 {
					return true, fmt.Sprintf("amount %.2f exceeds the high-value threshold", tx.Amount)
				}
				if tx.TransactionType == models.TypeLoanApplication && tx.Amount < 100 {
					return true, fmt.Sprintf("loan application for unusually small amount %.2f", tx.Amount)
				}
				return false, ""
			},
		},
		{
			ID: 4, Name: "LateNight", BaseScore: 5, Severity: models.SeverityLow,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				// Requests carry no timezone, so the window is evaluated in
				// server-local time. TODO: use Location.Country when present
				// to resolve the user's local hour.
				hour := ctx.Now.Hour()
				if hour >= 2 && hour <= 5 {
					return true, fmt.Sprintf("transaction at %02d:00 local time", hour)
				}
				return false, ""
			},
		},
		{
			ID: 5, Name: "NewDevice", BaseScore: 8, Severity: models.SeverityMedium,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if !tx.DeviceHash.IsZero() && ctx.DeviceHistory.TransactionCount == 0 && tx.Amount > 50_000 {
					return true, fmt.Sprintf("first transaction from this device for %.2f", tx.Amount)
				}
				return false, ""
			},
		},
		{
			ID: 6, Name: "LoanStacking", BaseScore: 20, Severity: models.SeverityCritical,
			Verticals: []string{models.VerticalFintech},
			Types:     []string{models.TypeLoanApplication},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.PhoneVelocity.Count24h >= 3 {
					return true, fmt.Sprintf("phone tied to %d loan requests in 24h", ctx.PhoneVelocity.Count24h)
				}
				return false, ""
			},
		},
		{
			ID: 7, Name: "VelocitySpike", BaseScore: 12, Severity: models.SeverityHigh,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceVelocity.Count10m >= 3 {
					return true, fmt.Sprintf("device made %d transactions in 10 minutes", ctx.DeviceVelocity.Count10m)
				}
				return false, ""
			},
		},
		{
			ID: 8, Name: "RoundAmount", BaseScore: 5, Severity: models.SeverityLow,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if tx.Amount >= 100_000 && math.Mod(tx.Amount, 10_000) == 0 {
					return true, fmt.Sprintf("suspiciously round amount %.0f", tx.Amount)
				}
				return false, ""
			},
		},
		{
			ID: 9, Name: "MultipleApplications", BaseScore: 18, Severity: models.SeverityCritical,
			Verticals: []string{models.VerticalFintech},
			Types:     []string{models.TypeLoanApplication},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if !tx.BVNHash.IsZero() && ctx.PhoneVelocity.Count1h >= 2 {
					return true, fmt.Sprintf("identity applied %d times within the hour", ctx.PhoneVelocity.Count1h)
				}
				return false, ""
			},
		},
		{
			ID: 10, Name: "DeviceHistoryFraud", BaseScore: 15, Severity: models.SeverityHigh,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				h := ctx.DeviceHistory
				if h.TransactionCount >= 1 && h.FraudRatio() > 0.5 {
					return true, fmt.Sprintf("device linked to %d fraudulent of %d past transactions", h.FraudCount, h.TransactionCount)
				}
				return false, ""
			},
		},
		{
			ID: 11, Name: "CardTesting", BaseScore: 15, Severity: models.SeverityHigh,
			Verticals: []string{models.VerticalEcommerce, models.VerticalFintech, models.VerticalMarketplace},
			Types:     []string{models.TypePurchase},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceVelocity.Count10m >= 5 && tx.Amount < 1_000 {
					return true, fmt.Sprintf("%d small purchases in 10 minutes from one device", ctx.DeviceVelocity.Count10m)
				}
				return false, ""
			},
		},
		{
			ID: 12, Name: "ImpossibleTravel", BaseScore: 50, Severity: models.SeverityCritical,
			Universal: true,
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				h := ctx.DeviceHistory
				if tx.Location == nil || h.LastLocation == nil || h.LastSeen == nil {
					return false, ""
				}
				elapsed := ctx.Now.Sub(*h.LastSeen).Hours()
				if elapsed <= 0 {
					return false, ""
				}
				km := haversineKm(tx.Location.Latitude, tx.Location.Longitude, h.LastLocation.Latitude, h.LastLocation.Longitude)
				if speed := km / elapsed; speed > 900 {
					return true, fmt.Sprintf("implied travel speed %.0f km/h since last transaction", speed)
				}
				return false, ""
			},
		},
		{
			ID: 13, Name: "BonusAbuse", BaseScore: 10, Severity: models.SeverityMedium,
			Verticals: []string{models.VerticalBetting},
			Types:     []string{models.TypeBetPlacement},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceHistory.TransactionCount == 0 {
					return true, "first bet from a device with no history"
				}
				return false, ""
			},
		},
		{
			ID: 14, Name: "CryptoRapidFlow", BaseScore: 12, Severity: models.SeverityHigh,
			Verticals: []string{models.VerticalCrypto},
			Types:     []string{models.TypeCryptoDeposit, models.TypeCryptoWithdrawal},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceVelocity.Count1h >= 5 {
					return true, fmt.Sprintf("%d crypto movements from one device in an hour", ctx.DeviceVelocity.Count1h)
				}
				return false, ""
			},
		},
		{
			ID: 15, Name: "NewSellerHighValue", BaseScore: 15, Severity: models.SeverityHigh,
			Verticals: []string{models.VerticalMarketplace},
			Types:     []string{models.TypeMarketplaceListing},
			Check: func(tx *models.Transaction, ctx *Context) (bool, string) {
				if ctx.DeviceHistory.TransactionCount == 0 && tx.Amount > 100_000 {
					return true, fmt.Sprintf("new seller listing at %.2f with no history", tx.Amount)
				}
				return false, ""
			},
		},
	}
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
