// Package cart mutates cart lines. Line rate and amount are derived here and
// nowhere else: rate = base + option extras, amount = rate * qty.
package cart

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/store"
)

// Add appends a configured item to the cart. A line with the same item code,
// option set, and notes already present merges by incrementing quantity
// instead of appending a duplicate.
func Add(lines []domain.CartLine, item domain.Item, qty int, options []domain.SelectedOption, notes string) []domain.CartLine {
	if qty < 1 {
		qty = 1
	}

	key := lineKey(item.ItemCode, options, notes)
	for i := range lines {
		if lineKey(lines[i].ItemCode, lines[i].Options, lines[i].Notes) == key {
			lines[i].Qty += qty
			lines[i] = recalc(lines[i])
			return lines
		}
	}

	extra := decimal.Zero
	for _, opt := range options {
		extra = extra.Add(opt.ExtraRate)
	}
	line := domain.CartLine{
		ID:           uuid.NewString(),
		ItemCode:     item.ItemCode,
		ItemName:     item.ItemName,
		MenuCategory: item.MenuCategory,
		Qty:          qty,
		BaseRate:     item.ResolvedRate,
		ExtraRate:    extra,
		Notes:        strings.TrimSpace(notes),
		Options:      options,
	}
	return append(lines, recalc(line))
}

// UpdateQty sets a line's quantity, dropping the line when it reaches zero.
func UpdateQty(lines []domain.CartLine, lineID string, qty int) ([]domain.CartLine, error) {
	for i := range lines {
		if lines[i].ID != lineID {
			continue
		}
		if qty < 1 {
			return append(lines[:i], lines[i+1:]...), nil
		}
		lines[i].Qty = qty
		lines[i] = recalc(lines[i])
		return lines, nil
	}
	return lines, fmt.Errorf("cart line %q not found", lineID)
}

// Remove deletes a line by id.
func Remove(lines []domain.CartLine, lineID string) ([]domain.CartLine, error) {
	for i := range lines {
		if lines[i].ID == lineID {
			return append(lines[:i], lines[i+1:]...), nil
		}
	}
	return lines, fmt.Errorf("cart line %q not found", lineID)
}

// Reprice re-derives every line's base rate through resolve, preserving the
// option-derived extra rate. Any resolution failure returns the error with no
// lines modified so the caller can keep the previous pricing.
func Reprice(lines []domain.CartLine, resolve func(itemCode string) (decimal.Decimal, error)) ([]domain.CartLine, error) {
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		base, err := resolve(line.ItemCode)
		if err != nil {
			return nil, fmt.Errorf("reprice %s: %w", line.ItemCode, err)
		}
		line.BaseRate = base
		out[i] = recalc(line)
	}
	return out, nil
}

// ToOrderLines serializes cart lines into the order-creation payload shape.
func ToOrderLines(lines []domain.CartLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.OrderLine{
			ItemCode: line.ItemCode,
			ItemName: line.ItemName,
			Qty:      line.Qty,
			Rate:     line.Rate,
			Amount:   line.Amount,
			Notes:    line.Notes,
			Options:  optionsString(line.Options),
		})
	}
	return out
}

func recalc(line domain.CartLine) domain.CartLine {
	line.Rate = line.BaseRate.Add(line.ExtraRate)
	line.Amount = line.Rate.Mul(decimal.NewFromInt(int64(line.Qty)))
	return line
}

// lineKey identifies a mergeable line. Option order does not matter.
func lineKey(itemCode string, options []domain.SelectedOption, notes string) string {
	parts := make([]string, 0, len(options))
	for _, opt := range options {
		parts = append(parts, opt.Group+"="+opt.Value)
	}
	sort.Strings(parts)
	return itemCode + "|" + strings.Join(parts, ",") + "|" + strings.TrimSpace(notes)
}

func optionsString(options []domain.SelectedOption) string {
	if len(options) == 0 {
		return ""
	}
	parts := make([]string, 0, len(options))
	for _, opt := range options {
		parts = append(parts, opt.Group+": "+opt.Value)
	}
	return strings.Join(parts, ", ")
}

// SelectionMemory remembers the last chosen configuration per item so a
// repeat tap on the same tile re-adds without reopening the options dialog.
// Preferences are keyed by the concrete item and aliased by its template, so
// either tile recalls the same entry.
type SelectionMemory struct {
	repo store.Repository
}

func NewSelectionMemory(repo store.Repository) *SelectionMemory {
	return &SelectionMemory{repo: repo}
}

func (m *SelectionMemory) Remember(ctx context.Context, terminal string, item domain.Item, options []domain.SelectedOption, notes string) error {
	pref := domain.SelectionPreference{
		ItemCode: item.ItemCode,
		Template: item.VariantOf,
		Options:  options,
		Notes:    strings.TrimSpace(notes),
		SavedAt:  time.Now().UTC(),
	}
	return m.repo.SaveSelection(ctx, terminal, pref)
}

// Recall finds the remembered configuration for an item code or a template
// code. The most recently saved match wins.
func (m *SelectionMemory) Recall(ctx context.Context, terminal string, key string) (*domain.SelectionPreference, error) {
	prefs, err := m.repo.ListSelections(ctx, terminal)
	if err != nil {
		return nil, err
	}

	var best *domain.SelectionPreference
	for i := range prefs {
		pref := prefs[i]
		if pref.ItemCode != key && pref.Template != key {
			continue
		}
		if best == nil || pref.SavedAt.After(best.SavedAt) {
			best = &prefs[i]
		}
	}
	return best, nil
}
