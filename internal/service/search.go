package service

import (
	"strings"

	"golang.org/x/text/width"
)

const (
	hiraganaFirst = 'ぁ'
	hiraganaLast  = 'ゖ'
	katakanaFirst = 'ァ'
	katakanaLast  = 'ヶ'
	kanaOffset    = katakanaFirst - hiraganaFirst
)

// SearchVariants варианты поискового запроса: исходный, хирагана в катакану,
// катакана в хирагану и приведение ширины (полноширинные латиница и цифры в обычные).
// Товар подходит, если name или description содержит любой из вариантов.
func SearchVariants(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	variants := []string{query}
	seen := map[string]struct{}{query: {}}
	add := func(v string) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}
	add(shiftKana(query, hiraganaFirst, hiraganaLast, kanaOffset))
	add(shiftKana(query, katakanaFirst, katakanaLast, -kanaOffset))
	add(width.Fold.String(query))
	return variants
}

func shiftKana(s string, first, last, delta rune) string {
	return strings.Map(func(r rune) rune {
		if r >= first && r <= last {
			return r + delta
		}
		return r
	}, s)
}
