/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package capability

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/mkessel/twinward/internal/aas"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "for": true, "from": true,
	"has": true, "have": true, "in": true, "is": true, "it": true, "its": true,
	"me": true, "my": true, "of": true, "on": true, "or": true, "please": true,
	"that": true, "the": true, "this": true, "to": true, "was": true,
	"what": true, "will": true, "with": true, "you": true, "your": true,
}

// tokenize lowercases, splits on non-alphanumerics, drops stopwords, and
// emits unigrams plus adjacent bigrams.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	words := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			words = append(words, f)
		}
	}
	tokens := make([]string, 0, len(words)*2)
	tokens = append(tokens, words...)
	for i := 0; i+1 < len(words); i++ {
		tokens = append(tokens, words[i]+" "+words[i+1])
	}
	return tokens
}

type indexedTool struct {
	spec *ToolSpec
	tf   map[string]float64 // normalized term frequency of the tool document
}

// Index ranks tool specs against free-form queries with TF-IDF cosine
// similarity. The per-tool document is name + description + input names.
type Index struct {
	mu     sync.RWMutex
	tools  []*indexedTool
	byName map[string]int
	df     map[string]int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{byName: map[string]int{}, df: map[string]int{}}
}

func document(spec *ToolSpec) string {
	parts := []string{spec.Name, spec.Description}
	parts = append(parts, spec.InputNames...)
	return strings.Join(parts, " ")
}

func termFrequencies(tokens []string) map[string]float64 {
	tf := map[string]float64{}
	for _, tok := range tokens {
		tf[tok]++
	}
	n := float64(len(tokens))
	if n > 0 {
		for tok := range tf {
			tf[tok] /= n
		}
	}
	return tf
}

// Add appends a tool. A tool with the same name replaces the existing one.
func (ix *Index) Add(spec *ToolSpec) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.addLocked(spec)
}

// Replace swaps the whole tool set for the given specs.
func (ix *Index) Replace(specs []*ToolSpec) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.tools = nil
	ix.byName = map[string]int{}
	ix.df = map[string]int{}
	for _, spec := range specs {
		ix.addLocked(spec)
	}
}

func (ix *Index) addLocked(spec *ToolSpec) {
	tf := termFrequencies(tokenize(document(spec)))
	if pos, ok := ix.byName[spec.Name]; ok {
		for tok := range ix.tools[pos].tf {
			ix.df[tok]--
		}
		ix.tools[pos] = &indexedTool{spec: spec, tf: tf}
	} else {
		ix.byName[spec.Name] = len(ix.tools)
		ix.tools = append(ix.tools, &indexedTool{spec: spec, tf: tf})
	}
	for tok := range tf {
		ix.df[tok]++
	}
}

// Len returns the number of indexed tools.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.tools)
}

// GetByName returns the tool with the given name.
func (ix *Index) GetByName(name string) (*ToolSpec, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.byName[name]
	if !ok {
		return nil, false
	}
	return ix.tools[pos].spec, true
}

// GetByRisk returns every tool at the given risk level, in index order.
func (ix *Index) GetByRisk(level aas.RiskLevel) []*ToolSpec {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*ToolSpec
	for _, it := range ix.tools {
		if it.spec.Risk == level {
			out = append(out, it.spec)
		}
	}
	return out
}

// GetBySubmodel returns every tool derived from the given submodel.
func (ix *Index) GetBySubmodel(submodelID string) []*ToolSpec {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*ToolSpec
	for _, it := range ix.tools {
		if it.spec.SubmodelID == submodelID {
			out = append(out, it.spec)
		}
	}
	return out
}

// All returns every indexed tool in index order.
func (ix *Index) All() []*ToolSpec {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*ToolSpec, len(ix.tools))
	for i, it := range ix.tools {
		out[i] = it.spec
	}
	return out
}

// Search returns up to topK tools ranked by similarity to the query.
// Zero-similarity tools are dropped; ties break by name so results are
// deterministic.
func (ix *Index) Search(query string, topK int) []*ToolSpec {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.searchLocked(query, topK)
}

func (ix *Index) searchLocked(query string, topK int) []*ToolSpec {
	if topK <= 0 || len(ix.tools) == 0 {
		return nil
	}
	qtf := termFrequencies(tokenize(query))
	n := float64(len(ix.tools))

	idf := func(tok string) float64 {
		return math.Log((n+1)/(float64(ix.df[tok])+1)) + 1
	}

	type scored struct {
		spec  *ToolSpec
		score float64
	}
	var hits []scored
	for _, it := range ix.tools {
		var dot, qnorm, dnorm float64
		for tok, qw := range qtf {
			w := qw * idf(tok)
			qnorm += w * w
			if dw, ok := it.tf[tok]; ok {
				dot += w * dw * idf(tok)
			}
		}
		for tok, dw := range it.tf {
			w := dw * idf(tok)
			dnorm += w * w
		}
		if dot <= 0 || qnorm == 0 || dnorm == 0 {
			continue
		}
		hits = append(hits, scored{it.spec, dot / (math.Sqrt(qnorm) * math.Sqrt(dnorm))})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].spec.Name < hits[j].spec.Name
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]*ToolSpec, len(hits))
	for i, h := range hits {
		out[i] = h.spec
	}
	return out
}

// SearchWithPriority prepends the always-include tools (in the given
// order) to the ranked results, deduplicates, and truncates to topK.
func (ix *Index) SearchWithPriority(query string, topK int, alwaysInclude []string) []*ToolSpec {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*ToolSpec
	seen := map[string]bool{}
	for _, name := range alwaysInclude {
		if pos, ok := ix.byName[name]; ok && !seen[name] {
			out = append(out, ix.tools[pos].spec)
			seen[name] = true
		}
	}
	for _, spec := range ix.searchLocked(query, topK) {
		if !seen[spec.Name] {
			out = append(out, spec)
			seen[spec.Name] = true
		}
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
