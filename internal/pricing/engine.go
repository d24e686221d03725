// Package pricing is the pure cart/pricing/discount engine shared by every
// screen. It has no I/O: inputs are catalog snapshots, cart lines, the
// selected price list, and promo state; outputs are resolved rates and
// totals. Amounts stay in decimal end to end and are rounded only when
// formatted for display or the wire.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
)

// Automatic quantity discount: total cart quantity >= 5 triggers 10% of gross.
var (
	AutoDiscountMinQty  = 5
	AutoDiscountPercent = decimal.NewFromInt(10)

	oneHundred = decimal.NewFromInt(100)
)

// ResolveRate computes the effective base rate for an item under the selected
// price list: an explicit list rate when one exists, otherwise the item's own
// standard rate (or the template's, for variants without one) plus the list's
// flat adjustment.
func ResolveRate(item domain.Item, template *domain.Item, list domain.PriceList, explicit map[string]decimal.Decimal) decimal.Decimal {
	if rate, ok := explicitRate(item, explicit); ok {
		return rate
	}

	base := item.StandardRate
	if base.IsZero() && item.VariantOf != "" && template != nil {
		if rate, ok := explicitRate(*template, explicit); ok {
			return rate
		}
		base = template.StandardRate
	}
	return base.Add(list.FlatAdjustment)
}

// explicitRate looks up a price-list rate under either of the keys the
// upstream uses inconsistently (item_code, document name).
func explicitRate(item domain.Item, explicit map[string]decimal.Decimal) (decimal.Decimal, bool) {
	if explicit == nil {
		return decimal.Zero, false
	}
	if rate, ok := explicit[item.ItemCode]; ok {
		return rate, true
	}
	if item.Name != "" && item.Name != item.ItemCode {
		if rate, ok := explicit[item.Name]; ok {
			return rate, true
		}
	}
	return decimal.Zero, false
}

// TemplateDisplayRate is what a template tile shows when the template has no
// rate of its own: the minimum positive rate among cached variants, falling
// back to the minimum rate overall, then to the template's resolved rate.
func TemplateDisplayRate(templateRate decimal.Decimal, variantRates []decimal.Decimal) decimal.Decimal {
	if templateRate.IsPositive() || len(variantRates) == 0 {
		return templateRate
	}

	var minPositive, minOverall *decimal.Decimal
	for i := range variantRates {
		rate := variantRates[i]
		if minOverall == nil || rate.LessThan(*minOverall) {
			minOverall = &rate
		}
		if rate.IsPositive() && (minPositive == nil || rate.LessThan(*minPositive)) {
			minPositive = &rate
		}
	}
	if minPositive != nil {
		return *minPositive
	}
	return *minOverall
}

// PromoAmount evaluates a promo against gross, clamped to [0, gross].
func PromoAmount(promo *domain.Promo, gross decimal.Decimal) decimal.Decimal {
	if promo == nil {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch promo.Type {
	case domain.PromoTypePercent:
		amount = gross.Mul(promo.Percent).Div(oneHundred)
	case domain.PromoTypeAmount:
		amount = promo.Amount
	}

	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(gross) {
		return gross
	}
	return amount
}

// ResolveDiscount applies the precedence rule between the automatic quantity
// discount and an active promo. Equal amounts favor the promo. When the
// automatic discount wins, the promo code reference is cleared from the
// applied record; the promo selection on the session is left alone so a later
// cart change can re-activate it.
func ResolveDiscount(cartQty int, gross decimal.Decimal, promo *domain.Promo) domain.AppliedDiscount {
	autoAmount := decimal.Zero
	if cartQty >= AutoDiscountMinQty && gross.IsPositive() {
		autoAmount = gross.Mul(AutoDiscountPercent).Div(oneHundred)
	}
	promoAmount := PromoAmount(promo, gross)

	applied := domain.AppliedDiscount{
		Source:      domain.DiscountSourceNone,
		AutoAmount:  autoAmount,
		PromoAmount: promoAmount,
		Amount:      decimal.Zero,
	}

	switch {
	case promo != nil && promoAmount.GreaterThanOrEqual(autoAmount) && promoAmount.IsPositive():
		applied.Source = domain.DiscountSourcePromo
		applied.PromoCode = promo.Code
		applied.Amount = promoAmount
	case autoAmount.IsPositive():
		applied.Source = domain.DiscountSourceAuto
		applied.Amount = autoAmount
	}
	return applied
}

// CalculateTotals is the single totals function: displayed figures are always
// recomputable from lines, tax rate, and promo state alone.
func CalculateTotals(lines []domain.CartLine, taxRate decimal.Decimal, promo *domain.Promo) domain.Totals {
	subtotal := decimal.Zero
	qty := 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.Amount)
		qty += line.Qty
	}

	tax := subtotal.Mul(taxRate)
	gross := subtotal.Add(tax)
	discount := ResolveDiscount(qty, gross, promo)

	total := gross.Sub(discount.Amount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.Totals{
		CartQuantity: qty,
		Subtotal:     subtotal,
		Tax:          tax,
		Gross:        gross,
		Discount:     discount,
		Total:        total,
	}
}

// IsSoldOut reports item-level unavailability: non-positive stock or a
// component-shortage flag.
func IsSoldOut(item domain.Item) bool {
	return item.ActualQty <= 0 || item.IsComponentShortage
}

// TemplateSoldOut resolves availability for a template with cached variants.
// Any cached variant with positive stock and no shortage flag masks
// template-level unavailability. Safe under a partial cache: with no cached
// variants the template's own flags decide.
func TemplateSoldOut(template domain.Item, variants []domain.Item) bool {
	if len(variants) == 0 {
		return IsSoldOut(template)
	}
	for _, v := range variants {
		if !IsSoldOut(v) {
			return false
		}
	}
	return true
}
