package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/roach88/caps/internal/model"
	"github.com/roach88/caps/internal/store"
)

// TaxRuleEntity is the config cache entity type holding tax rules.
const TaxRuleEntity = "tax_rule"

// TaxRule is the value stored for a tax_rule config entry.
type TaxRule struct {
	Name string `json:"name"`
	// BasisPoints is the rate in hundredths of a percent (825 = 8.25%).
	BasisPoints int64 `json:"basis_points"`
	// RevenueCenterID limits the rule to one revenue center when set.
	RevenueCenterID string `json:"revenue_center_id,omitempty"`
}

// computeTotals sets subtotal, tax, total and paid on c from its items,
// payments and the cached tax rules. Tax is accumulated exactly and rounded
// half away from zero to cents once.
func (m *Manager) computeTotals(ctx context.Context, tx *store.Tx, c *model.Check) error {
	rules, err := taxRules(ctx, tx)
	if err != nil {
		return err
	}

	var subtotal model.Cents
	for _, li := range c.Items {
		subtotal += li.Amount()
	}
	base := subtotal.Decimal()
	tax := decimal.Zero
	for _, r := range rules {
		if r.RevenueCenterID != "" && r.RevenueCenterID != c.RevenueCenterID {
			continue
		}
		tax = tax.Add(base.Mul(decimal.New(r.BasisPoints, -4)))
	}

	var paid model.Cents
	for _, p := range c.Payments {
		paid += p.Amount
	}

	c.Subtotal = subtotal
	c.Tax = model.CentsFromDecimal(tax)
	c.Total = c.Subtotal + c.Tax
	c.Paid = paid
	return nil
}

func taxRules(ctx context.Context, tx *store.Tx) ([]TaxRule, error) {
	entries, err := tx.ListConfig(ctx, TaxRuleEntity)
	if err != nil {
		return nil, err
	}
	rules := make([]TaxRule, 0, len(entries))
	for _, e := range entries {
		var r TaxRule
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("tax rule %s: %w", e.EntityID, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
