package main

import (
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// diceMetric is Sørensen–Dice over character bigrams. Compare is read-only,
// so a single instance is shared.
var diceMetric = metrics.NewSorensenDice()

// similarity returns a normalized agreement score in [0,1] between two
// free-text answers. Comparison is case-insensitive, symmetric, and
// reflexive; strings equal after folding score exactly 1 even when too
// short to form a bigram.
func similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	if a == b {
		return 1
	}

	return strutil.Similarity(a, b, diceMetric)
}
