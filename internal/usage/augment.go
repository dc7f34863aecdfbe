package usage

import (
	"time"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// MapAugment maps the credits payload of the Augment dashboard.
func MapAugment(body []byte, now time.Time) (*models.UsageSnapshot, error) {
	doc, err := parseDocument(models.ProviderAugment, "credits payload", body)
	if err != nil {
		return nil, err
	}
	remaining, okR := number(first(doc, "usageUnitsRemaining", "credits.remaining"))
	consumed, okC := number(first(doc, "usageUnitsConsumedThisBillingCycle", "credits.used"))
	if !okR && !okC {
		return nil, &errors.ErrParse{Provider: string(models.ProviderAugment), What: "credits", Err: errors.New("missing")}
	}
	total := remaining + consumed
	if avail, ok := number(first(doc, "usageUnitsAvailable", "credits.total")); ok && avail > 0 {
		total = avail
	}
	used := consumed
	if !okC {
		used = total - remaining
	}
	reset := ParseResetPtr(str(first(doc, "billingPeriodEnd", "credits.resetsAt")))

	return &models.UsageSnapshot{
		Provider:  models.ProviderAugment,
		Primary:   NewWindow("Credits", PercentUsedFromCounts(total, total-used), 0, reset),
		UpdatedAt: now,
		Cost: &models.Cost{
			Used:     used,
			Limit:    models.Ptr(total),
			Currency: "credits",
			Period:   "billing cycle",
			ResetsAt: reset,
		},
		Identity: NewIdentity(str(doc.Get("email")), "", str(first(doc, "planName", "plan"))),
	}, nil
}
