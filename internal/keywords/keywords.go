// Package keywords derives the normalized word sets used by keyword memory
// search.
package keywords

import (
	"regexp"
	"slices"
	"strings"
)

var letterRun = regexp.MustCompile(`[A-Za-z]+`)

// Extract returns the maximal runs of ASCII letters in text, lower-cased,
// de-duplicated and sorted. Runs are found before case folding, so non-ASCII
// letters that fold to ASCII (the Kelvin sign, dotted capital I) still
// separate words.
func Extract(text string) []string {
	words := letterRun.FindAllString(text, -1)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return dedupe(words)
}

// QueryWords splits a query on whitespace into a lower-cased, de-duplicated,
// sorted word set. Punctuation is kept as part of the word.
func QueryWords(query string) []string {
	return dedupe(strings.Fields(strings.ToLower(query)))
}

// Overlap counts the query words present in the record keywords.
func Overlap(queryWords, recordKeywords []string) int {
	if len(queryWords) == 0 || len(recordKeywords) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(recordKeywords))
	for _, k := range recordKeywords {
		set[k] = struct{}{}
	}
	n := 0
	for _, w := range queryWords {
		if _, ok := set[w]; ok {
			n++
		}
	}
	return n
}

func dedupe(words []string) []string {
	if len(words) == 0 {
		return nil
	}
	slices.Sort(words)
	return slices.Compact(words)
}
