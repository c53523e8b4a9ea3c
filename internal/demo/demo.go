// Package demo is a small competitor-selection pipeline instrumented with the
// tracer. It produces realistic trails for the CLI and for tests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/animus-labs/xray-go/pkg/tracer"
)

const ExecutionName = "competitor_selection"

// ErrRelevanceUnavailable is the simulated failure of the relevance model.
var ErrRelevanceUnavailable = errors.New("relevance model unavailable")

type Product struct {
	ASIN     string  `json:"asin"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Rating   float64 `json:"rating"`
	Reviews  int     `json:"reviews"`
	Category string  `json:"category,omitempty"`
}

var Reference = Product{
	ASIN:     "B0XYZ123",
	Title:    "ProBrand Steel Bottle 32oz Insulated",
	Price:    29.99,
	Rating:   4.2,
	Reviews:  1247,
	Category: "Sports & Outdoors > Water Bottles",
}

var Catalog = []Product{
	{ASIN: "B0COMP01", Title: "HydroFlask 32oz Wide Mouth", Price: 44.99, Rating: 4.5, Reviews: 8932},
	{ASIN: "B0COMP02", Title: "Yeti Rambler 26oz", Price: 34.99, Rating: 4.4, Reviews: 5621},
	{ASIN: "B0COMP03", Title: "Generic Water Bottle", Price: 8.99, Rating: 3.2, Reviews: 45},
	{ASIN: "B0COMP04", Title: "Bottle Cleaning Brush Set", Price: 12.99, Rating: 4.6, Reviews: 3421},
	{ASIN: "B0COMP05", Title: "Replacement Lid for HydroFlask", Price: 9.99, Rating: 4.7, Reviews: 2100},
	{ASIN: "B0COMP07", Title: "Stanley Adventure Quencher", Price: 35.00, Rating: 4.3, Reviews: 4102},
}

var keywordVariants = [][]string{
	{"stainless steel bottle insulated", "vacuum insulated bottle 32oz"},
	{"32oz insulated water bottle", "double wall steel bottle"},
	{"sports water bottle insulated", "steel thermos bottle"},
}

var accessoryWords = []string{"lid", "brush", "bag", "carrier"}

const (
	minRating  = 3.8
	minReviews = 100
)

// Pipeline runs one competitor selection per call to Run.
type Pipeline struct {
	Tracer *tracer.Tracer
	Rand   *rand.Rand
	// FailureRate is the probability that the relevance step fails.
	FailureRate float64
	// SkipRelevance drops the relevance step, producing a shorter trail.
	SkipRelevance bool
	Tags          []string
}

type Evaluation struct {
	ASIN      string                  `json:"asin"`
	Title     string                  `json:"title"`
	Checks    map[string]FilterResult `json:"filter_results"`
	Qualified bool                    `json:"qualified"`
}

type FilterResult struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type Result struct {
	ExecutionID string
	Keywords    []string
	Qualified   []Product
	Selected    *Product
}

func New(t *tracer.Tracer, seed uint64) *Pipeline {
	return &Pipeline{Tracer: t, Rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Run records one execution. The returned error is the pipeline's own error,
// the same one recorded on the failing step.
func (p *Pipeline) Run(ctx context.Context, ref Product) (Result, error) {
	t := p.Tracer
	res := Result{}
	res.ExecutionID = t.StartExecution(ctx, ExecutionName,
		map[string]any{"reference_asin": ref.ASIN, "category": ref.Category},
		tracer.WithTags(p.Tags...))
	execID := res.ExecutionID

	err := t.Do(ctx, execID, "keyword_generation", map[string]any{"product_title": ref.Title, "category": ref.Category},
		func(ctx context.Context, s *tracer.Step) error {
			i := p.Rand.IntN(len(keywordVariants))
			res.Keywords = keywordVariants[i]
			s.SetOutput(map[string]any{"keywords": res.Keywords, "model": "mock-llm"})
			s.SetReasoning(fmt.Sprintf("extracted material=steel capacity=32oz feature=insulated; picked keyword variant #%d for broader recall", i))
			return nil
		})
	if err != nil {
		return res, err
	}

	var candidates []Product
	err = t.Do(ctx, execID, "candidate_search", map[string]any{"keywords": res.Keywords, "limit": 50},
		func(ctx context.Context, s *tracer.Step) error {
			candidates = slices.Clone(Catalog)
			p.Rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
			total := 500 + p.Rand.IntN(4500)
			s.SetOutput(map[string]any{"total_results": total, "candidates_fetched": len(candidates)})
			s.AddArtifact("candidates", candidates)
			s.SetReasoning(fmt.Sprintf("mock search returned %d candidates out of %d matches", len(candidates), total))
			return nil
		})
	if err != nil {
		return res, err
	}

	minPrice, maxPrice := 0.5*ref.Price, 2.0*ref.Price
	err = t.Do(ctx, execID, "apply_filters", map[string]any{"reference_product": ref, "candidates_count": len(candidates)},
		func(ctx context.Context, s *tracer.Step) error {
			evals := make([]Evaluation, 0, len(candidates))
			for _, c := range candidates {
				var ev Evaluation
				err := t.Do(ctx, execID, "evaluate_candidate", map[string]any{"asin": c.ASIN, "parent_step_id": s.ID()},
					func(ctx context.Context, cs *tracer.Step) error {
						ev = evaluate(c, minPrice, maxPrice)
						cs.Tag("candidate")
						cs.SetOutput(map[string]any{"qualified": ev.Qualified, "filter_results": ev.Checks})
						return nil
					})
				if err != nil {
					return err
				}
				evals = append(evals, ev)
				if ev.Qualified {
					res.Qualified = append(res.Qualified, c)
				}
			}
			s.AddArtifact("filters_applied", map[string]any{
				"price_range": map[string]any{"min": round2(minPrice), "max": round2(maxPrice), "rule": "0.5x - 2x of reference price"},
				"min_rating":  map[string]any{"value": minRating},
				"min_reviews": map[string]any{"value": minReviews},
				"accessories": map[string]any{"rule": "reject titles containing " + strings.Join(accessoryWords, "/")},
			})
			s.AddArtifact("evaluations", evals)
			s.SetOutput(map[string]any{"passed": len(res.Qualified), "failed": len(candidates) - len(res.Qualified)})
			return nil
		})
	if err != nil {
		return res, err
	}

	if !p.SkipRelevance {
		err = t.Do(ctx, execID, "llm_relevance_evaluation", map[string]any{"reference_title": ref.Title, "qualified_count": len(res.Qualified)},
			func(ctx context.Context, s *tracer.Step) error {
				if p.FailureRate > 0 && p.Rand.Float64() < p.FailureRate {
					return ErrRelevanceUnavailable
				}
				scores := make(map[string]float64, len(res.Qualified))
				for _, c := range res.Qualified {
					scores[c.ASIN] = round2(0.6 + 0.4*p.Rand.Float64())
				}
				s.SetOutput(map[string]any{"scores": scores, "model": "mock-llm"})
				s.SetReasoning("scored qualified candidates for same-category relevance")
				return nil
			})
		if err != nil {
			return res, err
		}
	}

	err = t.Do(ctx, execID, "select_competitor", map[string]any{"qualified_count": len(res.Qualified)},
		func(ctx context.Context, s *tracer.Step) error {
			res.Selected = mostReviewed(res.Qualified)
			if res.Selected == nil {
				s.SetOutput(map[string]any{"selected": nil})
				s.SetReasoning("no candidate passed the filters")
				return nil
			}
			s.SetOutput(map[string]any{"selected": *res.Selected})
			s.SetReasoning(fmt.Sprintf("selected %s: most reviews (%d) among qualified", res.Selected.ASIN, res.Selected.Reviews))
			return nil
		})
	return res, err
}

func evaluate(c Product, minPrice, maxPrice float64) Evaluation {
	title := strings.ToLower(c.Title)
	accessory := slices.ContainsFunc(accessoryWords, func(w string) bool { return strings.Contains(title, w) })

	checks := map[string]FilterResult{
		"price_range": {Passed: c.Price >= minPrice && c.Price <= maxPrice, Detail: fmt.Sprintf("$%.2f vs $%.2f-$%.2f", c.Price, minPrice, maxPrice)},
		"min_rating":  {Passed: c.Rating >= minRating, Detail: fmt.Sprintf("%.1f vs %.1f", c.Rating, minRating)},
		"min_reviews": {Passed: c.Reviews >= minReviews, Detail: fmt.Sprintf("%d vs %d", c.Reviews, minReviews)},
		"accessories": {Passed: !accessory, Detail: map[bool]string{true: "title indicates accessory", false: "not an accessory"}[accessory]},
	}
	qualified := true
	for _, r := range checks {
		qualified = qualified && r.Passed
	}
	return Evaluation{ASIN: c.ASIN, Title: c.Title, Checks: checks, Qualified: qualified}
}

func mostReviewed(ps []Product) *Product {
	if len(ps) == 0 {
		return nil
	}
	best := ps[0]
	for _, p := range ps[1:] {
		if p.Reviews > best.Reviews {
			best = p
		}
	}
	return &best
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
