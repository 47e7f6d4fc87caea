/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Category groups item types that share a maximum-wait rule.
type Category string

const (
	CategoryGrain     Category = "GRAIN"
	CategoryVegetable Category = "VEGETABLE"
	CategoryLeafy     Category = "LEAFY"
	CategoryFruit     Category = "FRUIT"
)

// ErrUnknownItemType is matched by errors.Is for every UnknownItemTypeError.
var ErrUnknownItemType = errors.New("unknown item type")

// suggestionDistance is the largest edit distance for which a "did you mean" hint is offered.
const suggestionDistance = 3

// UnknownItemTypeError is returned when an item type has no category mapping.
type UnknownItemTypeError struct {
	ItemType   string `json:"item_type"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *UnknownItemTypeError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown item type %q, did you mean %q?", e.ItemType, e.Suggestion)
	}
	return fmt.Sprintf("unknown item type %q", e.ItemType)
}

func (e *UnknownItemTypeError) Is(target error) bool {
	return target == ErrUnknownItemType
}

// CategoryRule maps a category to its maximum wait and the item types it covers.
type CategoryRule struct {
	Category  Category      `json:"category"`
	MaxWait   time.Duration `json:"max_wait"`
	ItemTypes []string      `json:"item_types"`
}

// DefaultCategoryRules returns the stock produce categories.
func DefaultCategoryRules() []CategoryRule {
	return []CategoryRule{
		{Category: CategoryGrain, MaxWait: 120 * time.Hour, ItemTypes: []string{"WHEAT", "RICE", "MAIZE", "BAJRA", "JOWAR"}},
		{Category: CategoryVegetable, MaxWait: 48 * time.Hour, ItemTypes: []string{"ONION", "POTATO", "TOMATO", "BRINJAL", "CABBAGE"}},
		{Category: CategoryLeafy, MaxWait: 12 * time.Hour, ItemTypes: []string{"SPINACH", "METHI", "CORIANDER", "LETTUCE"}},
		{Category: CategoryFruit, MaxWait: 36 * time.Hour, ItemTypes: []string{"MANGO", "BANANA", "GRAPES", "ORANGE"}},
	}
}

// CategoryRegistry is an immutable lookup from item type to category and
// from category to maximum wait. It is safe for concurrent use.
type CategoryRegistry struct {
	itemTypes map[string]Category
	rules     map[Category]time.Duration
	known     []string
}

// NewCategoryRegistry builds a registry from rules. An item type may belong to
// exactly one category and every category needs a positive max wait.
func NewCategoryRegistry(rules []CategoryRule) (*CategoryRegistry, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one category rule is required")
	}

	r := &CategoryRegistry{
		itemTypes: make(map[string]Category),
		rules:     make(map[Category]time.Duration),
	}
	for _, rule := range rules {
		if rule.Category == "" {
			return nil, errors.New("category name is required")
		}
		if rule.MaxWait <= 0 {
			return nil, fmt.Errorf("category %s: max wait must be positive", rule.Category)
		}
		if _, exists := r.rules[rule.Category]; exists {
			return nil, fmt.Errorf("category %s is defined twice", rule.Category)
		}
		r.rules[rule.Category] = rule.MaxWait

		for _, itemType := range rule.ItemTypes {
			key := NormalizeItemType(itemType)
			if key == "" {
				continue
			}
			if owner, exists := r.itemTypes[key]; exists {
				return nil, fmt.Errorf("item type %s is mapped to both %s and %s", key, owner, rule.Category)
			}
			r.itemTypes[key] = rule.Category
			r.known = append(r.known, key)
		}
	}
	sort.Strings(r.known)
	return r, nil
}

// Resolve returns the category of an item type.
func (r *CategoryRegistry) Resolve(itemType string) (Category, error) {
	key := NormalizeItemType(itemType)
	if category, ok := r.itemTypes[key]; ok {
		return category, nil
	}
	return "", &UnknownItemTypeError{ItemType: key, Suggestion: r.closest(key)}
}

// Rule returns the maximum wait of a category.
func (r *CategoryRegistry) Rule(category Category) (time.Duration, error) {
	maxWait, ok := r.rules[category]
	if !ok {
		return 0, fmt.Errorf("no rule configured for category %s", category)
	}
	return maxWait, nil
}

// ItemTypes lists every known item type in sorted order.
func (r *CategoryRegistry) ItemTypes() []string {
	out := make([]string, len(r.known))
	copy(out, r.known)
	return out
}

func (r *CategoryRegistry) closest(itemType string) string {
	if itemType == "" {
		return ""
	}
	best, bestDistance := "", suggestionDistance+1
	for _, candidate := range r.known {
		distance := levenshtein.DistanceForStrings([]rune(itemType), []rune(candidate), levenshtein.DefaultOptions)
		if distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}
