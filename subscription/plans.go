package subscription

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const Currency = "RUB"

// RatePlan is a subscription term the user can buy.
type RatePlan struct {
	ID     string
	Title  string
	Amount float64
	Days   int
}

var ratePlans = []RatePlan{
	{ID: "1month", Title: "1 месяц", Amount: 100, Days: 30},
	{ID: "3month", Title: "3 месяца", Amount: 250, Days: 90},
	{ID: "6month", Title: "6 месяцев", Amount: 450, Days: 180},
}

var ratePlanByID = func() map[string]RatePlan {
	result := make(map[string]RatePlan, len(ratePlans))
	for _, plan := range ratePlans {
		result[plan.ID] = plan
	}
	return result
}()

// Plans returns the plans in display order.
func Plans() []RatePlan {
	out := make([]RatePlan, len(ratePlans))
	copy(out, ratePlans)
	return out
}

func PlanByID(id string) (RatePlan, bool) {
	plan, ok := ratePlanByID[strings.TrimSpace(id)]
	return plan, ok
}

func (p RatePlan) Duration() time.Duration {
	return time.Duration(p.Days) * 24 * time.Hour
}

// Price formats the amount the way it is shown on buttons.
func (p RatePlan) Price() string {
	return fmt.Sprintf("%.0f руб", p.Amount)
}

// matchesAmount reports whether a gateway amount such as "100.00" RUB pays
// for this plan.
func (p RatePlan) matchesAmount(value, currency string) bool {
	if currency != "" && !strings.EqualFold(currency, Currency) {
		return false
	}
	paid, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	return math.Abs(paid-p.Amount) < 0.005
}

// AccountName is the panel username for a chat user.
func AccountName(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}
