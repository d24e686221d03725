// Package catalog holds the client-side copy of the upstream menu: items,
// variants, price lists, and explicit per-list rates. It owns rate
// re-resolution on price-list switches and keeps availability flags current
// from realtime stock pushes.
package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dannyaudian/IMOGI-POS-sub004/internal/domain"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/erp"
	"github.com/dannyaudian/IMOGI-POS-sub004/internal/pricing"
)

// Service is safe for concurrent use; all mutation happens under mu.
type Service struct {
	gateway erp.Gateway

	mu         sync.RWMutex
	branch     string
	priceLists map[string]domain.PriceList
	activeList string
	items      map[string]domain.Item
	itemAlias  map[string]string
	// variant cache keyed by every alias the upstream uses for the template
	// (document name, item code, variant_of reference), so a lookup through
	// any of them lands on the same entry.
	variantsByTemplate map[string][]string
	variantAlias       map[string]string
	explicit           map[string]decimal.Decimal
}

func NewService(gateway erp.Gateway, branch string, defaultPriceList string) *Service {
	return &Service{
		gateway:            gateway,
		branch:             branch,
		activeList:         defaultPriceList,
		priceLists:         make(map[string]domain.PriceList),
		items:              make(map[string]domain.Item),
		itemAlias:          make(map[string]string),
		variantsByTemplate: make(map[string][]string),
		variantAlias:       make(map[string]string),
		explicit:           make(map[string]decimal.Decimal),
	}
}

// Load fetches price lists, the branch item set, and explicit rates for the
// active list, then resolves every rate. It replaces any previous snapshot.
func (s *Service) Load(ctx context.Context) error {
	lists, err := s.gateway.PriceLists(ctx)
	if err != nil {
		return err
	}
	items, err := s.gateway.Items(ctx, s.currentBranch())
	if err != nil {
		return err
	}
	prices, err := s.gateway.ItemPrices(ctx, s.ActivePriceListName())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.priceLists = make(map[string]domain.PriceList, len(lists))
	for _, list := range lists {
		s.priceLists[list.Name] = list
	}

	s.items = make(map[string]domain.Item, len(items))
	s.itemAlias = make(map[string]string, len(items)*2)
	for _, item := range items {
		s.indexItemLocked(item)
	}
	s.variantsByTemplate = make(map[string][]string)
	s.variantAlias = make(map[string]string)

	s.explicit = explicitMap(prices)
	s.resolveAllLocked()
	return nil
}

// SetBranch repoints the snapshot at another branch and reloads it. When the
// reload fails the previous branch and its snapshot stay in effect.
func (s *Service) SetBranch(ctx context.Context, branch string) error {
	s.mu.Lock()
	prev := s.branch
	s.branch = branch
	s.mu.Unlock()
	if err := s.Load(ctx); err != nil {
		s.mu.Lock()
		s.branch = prev
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) currentBranch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branch
}

func (s *Service) ActivePriceListName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeList
}

func (s *Service) ActivePriceList() domain.PriceList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceLists[s.activeList]
}

func (s *Service) PriceLists() []domain.PriceList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lists := make([]domain.PriceList, 0, len(s.priceLists))
	for _, list := range s.priceLists {
		lists = append(lists, list)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Name < lists[j].Name })
	return lists
}

// SwitchPriceList fetches explicit rates for the new list and re-resolves
// every loaded item and cached variant. A fetch failure leaves the previous
// list selected and every rate untouched.
func (s *Service) SwitchPriceList(ctx context.Context, name string) error {
	s.mu.RLock()
	list, ok := s.priceLists[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown price list %q", name)
	}
	if !list.Enabled {
		return fmt.Errorf("price list %q is disabled", name)
	}

	prices, err := s.gateway.ItemPrices(ctx, name)
	if err != nil {
		log.Printf("[catalog] WARN: price list switch to %q failed, keeping %q: %v", name, s.ActivePriceListName(), err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeList = name
	s.explicit = explicitMap(prices)
	s.resolveAllLocked()
	return nil
}

// Item looks up an item by item code or document name.
func (s *Service) Item(key string) (domain.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(key)
}

// Items returns the loaded snapshot sorted by category then name.
func (s *Service) Items() []domain.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MenuCategory != out[j].MenuCategory {
			return out[i].MenuCategory < out[j].MenuCategory
		}
		return out[i].ItemName < out[j].ItemName
	})
	return out
}

// Variants returns the cached variants for a template, fetching and caching
// them on first use. Fetched variants inherit display metadata from the
// template when they carry none of their own.
func (s *Service) Variants(ctx context.Context, templateKey string) ([]domain.Item, error) {
	s.mu.RLock()
	template, ok := s.lookupLocked(templateKey)
	if ok {
		if canonical, cached := s.variantAlias[strings.ToLower(templateKey)]; cached {
			variants := s.cachedVariantsLocked(canonical)
			s.mu.RUnlock()
			return variants, nil
		}
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown item %q", templateKey)
	}
	if !template.HasVariants {
		return nil, fmt.Errorf("item %q has no variants", templateKey)
	}

	fetched, err := s.gateway.Variants(ctx, template.ItemCode)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	codes := make([]string, 0, len(fetched))
	for _, variant := range fetched {
		if variant.VariantOf == "" {
			variant.VariantOf = template.ItemCode
		}
		if variant.MenuCategory == "" {
			variant.MenuCategory = template.MenuCategory
		}
		if variant.ImageURL == "" {
			variant.ImageURL = template.ImageURL
		}
		s.indexItemLocked(variant)
		codes = append(codes, variant.ItemCode)
	}

	canonical := template.ItemCode
	s.variantsByTemplate[canonical] = codes
	for _, alias := range []string{template.ItemCode, template.Name, templateKey} {
		if alias != "" {
			s.variantAlias[strings.ToLower(alias)] = canonical
		}
	}

	s.resolveAllLocked()
	return s.cachedVariantsLocked(canonical), nil
}

// CachedVariants returns already-fetched variants without hitting upstream.
func (s *Service) CachedVariants(templateKey string) []domain.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical, ok := s.variantAlias[strings.ToLower(templateKey)]
	if !ok {
		return nil
	}
	return s.cachedVariantsLocked(canonical)
}

// ResolveLineRate returns the current base rate for a cart line's item. Used
// by the cart to re-derive line rates after a price-list switch.
func (s *Service) ResolveLineRate(itemKey string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.lookupLocked(itemKey)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown item %q", itemKey)
	}
	return item.ResolvedRate, nil
}

// DisplayRate is the rate a catalog tile shows. Templates without a rate of
// their own display the minimum positive cached variant rate.
func (s *Service) DisplayRate(itemKey string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.lookupLocked(itemKey)
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown item %q", itemKey)
	}
	if !item.HasVariants {
		return item.ResolvedRate, nil
	}
	variants := s.cachedVariantsForItemLocked(item)
	rates := make([]decimal.Decimal, 0, len(variants))
	for _, v := range variants {
		rates = append(rates, v.ResolvedRate)
	}
	return pricing.TemplateDisplayRate(item.ResolvedRate, rates), nil
}

// SoldOut resolves availability. Templates consult their cached variants:
// any available variant masks template-level flags.
func (s *Service) SoldOut(itemKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.lookupLocked(itemKey)
	if !ok {
		return false, fmt.Errorf("unknown item %q", itemKey)
	}
	if !item.HasVariants {
		return pricing.IsSoldOut(item), nil
	}
	return pricing.TemplateSoldOut(item, s.cachedVariantsForItemLocked(item)), nil
}

// ApplyStockUpdate folds a realtime stock event into the snapshot. Events for
// other branches or unknown items are ignored; the return value reports
// whether anything changed.
func (s *Service) ApplyStockUpdate(update domain.StockUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.Branch != "" && update.Branch != s.branch {
		return false
	}
	item, ok := s.lookupLocked(update.ItemCode)
	if !ok {
		return false
	}
	item.ActualQty = update.ActualQty
	item.IsComponentShortage = update.IsComponentShortage
	s.items[item.ItemCode] = item
	return true
}

// ApplyPriceUpdate folds a realtime price event into the explicit-rate table
// for the active list and re-resolves the affected item and any dependents.
func (s *Service) ApplyPriceUpdate(update domain.ItemPriceUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.PriceList != "" && update.PriceList != s.activeList {
		return false
	}
	s.explicit[update.ItemCode] = update.Rate
	s.resolveAllLocked()
	return true
}

func (s *Service) indexItemLocked(item domain.Item) {
	if item.ItemCode == "" {
		item.ItemCode = item.Name
	}
	if item.Name == "" {
		item.Name = item.ItemCode
	}
	s.items[item.ItemCode] = item
	s.itemAlias[strings.ToLower(item.ItemCode)] = item.ItemCode
	s.itemAlias[strings.ToLower(item.Name)] = item.ItemCode
}

func (s *Service) lookupLocked(key string) (domain.Item, bool) {
	code, ok := s.itemAlias[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return domain.Item{}, false
	}
	item, ok := s.items[code]
	return item, ok
}

func (s *Service) cachedVariantsLocked(canonical string) []domain.Item {
	codes := s.variantsByTemplate[canonical]
	variants := make([]domain.Item, 0, len(codes))
	for _, code := range codes {
		if variant, ok := s.items[code]; ok {
			variants = append(variants, variant)
		}
	}
	return variants
}

func (s *Service) cachedVariantsForItemLocked(item domain.Item) []domain.Item {
	canonical, ok := s.variantAlias[strings.ToLower(item.ItemCode)]
	if !ok {
		return nil
	}
	return s.cachedVariantsLocked(canonical)
}

// resolveAllLocked re-derives every item's resolved rate against the active
// list. Variants resolve after their template so inheritance sees the
// template's fresh state.
func (s *Service) resolveAllLocked() {
	list := s.priceLists[s.activeList]
	for code, item := range s.items {
		if item.VariantOf != "" {
			continue
		}
		item.ResolvedRate = pricing.ResolveRate(item, nil, list, s.explicit)
		s.items[code] = item
	}
	for code, item := range s.items {
		if item.VariantOf == "" {
			continue
		}
		var template *domain.Item
		if t, ok := s.lookupLocked(item.VariantOf); ok {
			template = &t
		}
		item.ResolvedRate = pricing.ResolveRate(item, template, list, s.explicit)
		s.items[code] = item
	}
}

func explicitMap(prices []domain.ItemPrice) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(prices))
	for _, price := range prices {
		out[price.ItemCode] = price.PriceListRate
	}
	return out
}
