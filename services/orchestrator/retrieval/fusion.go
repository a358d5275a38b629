// Copyright (C) 2026 Sage Health contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import "sort"

// rrfK is the reciprocal-rank-fusion constant, the standard choice
// (Cormack et al.) and the value SPEC_FULL.md §13 fixes for the
// advanced strategy's fusion method.
const rrfK = 60

// resultList is one ranked list (one modality for one query variation)
// contributing to the fusion.
type resultList struct {
	chunks          []Chunk
	denseSimilarity map[string]float64 // chunk id -> similarity, only set for dense lists
}

// fusedEntry accumulates a chunk's reciprocal-rank-fusion score and the
// best dense similarity observed for it across every contributing list.
type fusedEntry struct {
	chunk           Chunk
	score           float64
	bestDenseSim    float64
	hasDenseSim     bool
}

// reciprocalRankFusion combines multiple ranked result lists into one,
// summing 1/(k+rank) per list a chunk appears in (1-indexed rank),
// collapsing duplicate chunk ids and keeping the best dense similarity
// seen. The fused list is sorted by score descending, ties broken by
// dense similarity descending (spec §4.5).
func reciprocalRankFusion(lists []resultList) []ScoredChunk {
	acc := make(map[string]*fusedEntry)
	order := make([]string, 0)

	for _, list := range lists {
		for i, c := range list.chunks {
			rank := i + 1
			e, ok := acc[c.ID]
			if !ok {
				e = &fusedEntry{chunk: c}
				acc[c.ID] = e
				order = append(order, c.ID)
			}
			e.score += 1.0 / float64(rrfK+rank)
			if sim, ok := list.denseSimilarity[c.ID]; ok {
				if !e.hasDenseSim || sim > e.bestDenseSim {
					e.bestDenseSim = sim
					e.hasDenseSim = true
				}
			}
		}
	}

	out := make([]ScoredChunk, 0, len(order))
	for _, id := range order {
		e := acc[id]
		out = append(out, ScoredChunk{
			Chunk:           e.chunk,
			DenseSimilarity: e.bestDenseSim,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := acc[out[i].ID].score, acc[out[j].ID].score
		if si != sj {
			return si > sj
		}
		return out[i].DenseSimilarity > out[j].DenseSimilarity
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
