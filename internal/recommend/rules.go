package recommend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/lalithlochan/compass/internal/store"
)

const maxRecommendations = 3

// Profile is a career the rule engine can suggest. Profiles are stored in
// the offline_recommendations collection, indexed by keyword.
type Profile struct {
	Title       string   `json:"title"`
	Keywords    []string `json:"keywords"`
	Strengths   []string `json:"strengths"`
	WorkStyle   string   `json:"work_style"`
	Description string   `json:"description,omitempty"`
}

// DefaultProfiles is used when no profiles have been seeded.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Title:     "Software Engineer",
			Keywords:  []string{"coding", "computers", "technology", "logic", "math", "problem", "programming", "building"},
			Strengths: []string{"Analytical thinking", "Problem solving", "Attention to detail"},
			WorkStyle: "Independent, project-based work with clear technical goals",
		},
		{
			Title:     "Data Scientist",
			Keywords:  []string{"data", "math", "statistics", "research", "analysis", "patterns", "numbers", "computers"},
			Strengths: []string{"Quantitative reasoning", "Curiosity", "Analytical thinking"},
			WorkStyle: "Investigative work combining research and experimentation",
		},
		{
			Title:     "Doctor",
			Keywords:  []string{"biology", "helping", "health", "medicine", "science", "people", "care"},
			Strengths: []string{"Empathy", "Resilience", "Scientific reasoning"},
			WorkStyle: "Structured, people-facing work under pressure",
		},
		{
			Title:     "Civil Engineer",
			Keywords:  []string{"building", "design", "physics", "math", "construction", "outdoors", "planning"},
			Strengths: []string{"Spatial reasoning", "Planning", "Problem solving"},
			WorkStyle: "Team-based work mixing site visits and design",
		},
		{
			Title:     "Teacher",
			Keywords:  []string{"teaching", "helping", "people", "communication", "explaining", "children", "mentoring"},
			Strengths: []string{"Communication", "Patience", "Empathy"},
			WorkStyle: "Collaborative, people-facing work with a steady routine",
		},
		{
			Title:     "Graphic Designer",
			Keywords:  []string{"art", "design", "creative", "drawing", "visual", "creativity", "colors"},
			Strengths: []string{"Creativity", "Visual communication", "Attention to detail"},
			WorkStyle: "Creative work with flexible hours and client feedback",
		},
		{
			Title:     "Chartered Accountant",
			Keywords:  []string{"numbers", "finance", "business", "accounts", "math", "commerce", "organizing"},
			Strengths: []string{"Numerical accuracy", "Integrity", "Organization"},
			WorkStyle: "Structured office work with deadlines",
		},
		{
			Title:     "Lawyer",
			Keywords:  []string{"debate", "justice", "reading", "writing", "arguing", "law", "communication"},
			Strengths: []string{"Persuasion", "Critical reading", "Communication"},
			WorkStyle: "Research-heavy work with client and court interaction",
		},
		{
			Title:     "Journalist",
			Keywords:  []string{"writing", "stories", "news", "people", "travel", "curiosity", "communication"},
			Strengths: []string{"Writing", "Curiosity", "Communication"},
			WorkStyle: "Fast-paced, varied work in the field",
		},
	}
}

// LoadProfiles reads every stored profile in key order.
func LoadProfiles(ctx context.Context, s *store.Store) ([]Profile, error) {
	profiles, err := store.QueryAs(ctx, s, store.OfflineRecommendations, "", "", func(p Profile) bool {
		return p.Title != "" && len(p.Keywords) > 0
	})
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	return profiles, nil
}

// RuleEngine scores profiles against quiz answers by keyword overlap. It is
// deterministic, makes no I/O and never fails.
type RuleEngine struct {
	profiles []Profile
}

// NewRuleEngine builds an engine over profiles, or the default profiles when
// none are given.
func NewRuleEngine(profiles []Profile) *RuleEngine {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	cp := make([]Profile, len(profiles))
	for i, p := range profiles {
		kw := make([]string, 0, len(p.Keywords))
		for _, k := range p.Keywords {
			kw = append(kw, strings.ToLower(strings.TrimSpace(k)))
		}
		p.Keywords = kw
		cp[i] = p
	}
	return &RuleEngine{profiles: cp}
}

// Profiles returns the number of profiles the engine scores.
func (e *RuleEngine) Profiles() int {
	return len(e.profiles)
}

type scored struct {
	profile Profile
	matched []string
}

// Recommend returns up to three careers for answers. Only the content fields
// of the Result are filled in.
func (e *RuleEngine) Recommend(answers QuizAnswers) Result {
	words := tokenize(answers)

	ranked := make([]scored, 0, len(e.profiles))
	for _, p := range e.profiles {
		var matched []string
		for _, k := range p.Keywords {
			if words[k] {
				matched = append(matched, k)
			}
		}
		ranked = append(ranked, scored{profile: p, matched: matched})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if len(ranked[i].matched) != len(ranked[j].matched) {
			return len(ranked[i].matched) > len(ranked[j].matched)
		}
		return ranked[i].profile.Title < ranked[j].profile.Title
	})
	if len(ranked) > maxRecommendations {
		ranked = ranked[:maxRecommendations]
	}

	res := Result{
		Strengths:             []string{},
		CareerRecommendations: make([]CareerRecommendation, 0, len(ranked)),
	}
	seen := make(map[string]bool)
	for i, r := range ranked {
		res.CareerRecommendations = append(res.CareerRecommendations, CareerRecommendation{
			Title:      r.profile.Title,
			MatchScore: matchScore(len(r.matched)),
			Reason:     reason(r.matched),
		})
		if i > 1 {
			continue
		}
		for _, s := range r.profile.Strengths {
			if !seen[s] && len(res.Strengths) < 4 {
				seen[s] = true
				res.Strengths = append(res.Strengths, s)
			}
		}
	}

	if len(ranked) == 0 {
		res.Summary = "Answer a few more questions to get career suggestions."
		return res
	}
	top := ranked[0].profile
	res.WorkStyle = top.WorkStyle
	if len(ranked[0].matched) == 0 {
		res.Summary = "Your answers point in many directions. These careers are good places to start exploring."
	} else {
		res.Summary = fmt.Sprintf("Based on your answers, %s looks like the strongest fit.", top.Title)
	}
	return res
}

func matchScore(matches int) int {
	if matches == 0 {
		return 40
	}
	return min(95, 50+matches*10)
}

func reason(matched []string) string {
	if len(matched) == 0 {
		return "A broad option that suits many interests"
	}
	if len(matched) > 3 {
		matched = matched[:3]
	}
	return "Matches your interest in " + strings.Join(matched, ", ")
}

// tokenize lowercases every answer and splits it into words.
func tokenize(answers QuizAnswers) map[string]bool {
	words := make(map[string]bool)
	for _, v := range answers {
		for _, w := range strings.FieldsFunc(strings.ToLower(v), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			words[w] = true
		}
	}
	return words
}
