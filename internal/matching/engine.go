package matching

import (
	"context"
	"math"
	"time"

	"github.com/charmbracelet/log"

	"langexchange-backend/internal/queue"
)

// Strategy is one step of the relaxation chain. Relaxations only ever loosen
// the requester's own constraints; the candidate's are always honoured.
type Strategy struct {
	Name  string
	Limit int64

	IgnoreProficiency      bool
	AgeSlack               int
	IgnoreGenderPreference bool
	LanguageOnly           bool
}

const (
	languageOnlyScore = 0.5
	ageSlackFloor     = 16
)

// DefaultStrategies run in order; the first compatible candidate wins.
var DefaultStrategies = []Strategy{
	{Name: "exact", Limit: 5},
	{Name: "no_proficiency", Limit: 10, IgnoreProficiency: true},
	{Name: "expanded_age", Limit: 15, IgnoreProficiency: true, AgeSlack: 5},
	{Name: "no_gender", Limit: 20, IgnoreProficiency: true, AgeSlack: 5, IgnoreGenderPreference: true},
	{Name: "language_only", Limit: 25, LanguageOnly: true},
}

// Result is a found candidate. A nil *Result means no strategy matched.
type Result struct {
	Candidate queue.Entry
	Score     float64
	Strategy  string
}

type Engine struct {
	store      queue.Store
	strategies []Strategy
	logger     *log.Logger
}

func NewEngine(store queue.Store, logger *log.Logger) *Engine {
	return &Engine{
		store:      store,
		strategies: DefaultStrategies,
		logger:     logger.WithPrefix("MATCH_ENGINE"),
	}
}

// FindMatch searches the reverse-direction queue of the requester. Store
// failures abort the chain; a later strategy never masks an I/O error.
func (e *Engine) FindMatch(ctx context.Context, requester queue.Preferences) (*Result, error) {
	start := time.Now()
	searchKey := requester.SearchKey()

	for _, strategy := range e.strategies {
		entries, err := e.store.Peek(ctx, searchKey, strategy.Limit)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !strategy.accepts(requester, entry.Preferences) {
				continue
			}

			score := languageOnlyScore
			if !strategy.LanguageOnly {
				score = Score(requester, entry.Preferences)
			}
			e.logger.Debug("candidate found", "user", requester.UserID, "partner", entry.UserID,
				"strategy", strategy.Name, "score", score, "duration", time.Since(start))
			return &Result{Candidate: entry, Score: score, Strategy: strategy.Name}, nil
		}
	}

	e.logger.Debug("no candidate", "user", requester.UserID, "queue", searchKey, "duration", time.Since(start))
	return nil, nil
}

func (s Strategy) accepts(requester, candidate queue.Preferences) bool {
	if candidate.UserID == "" || candidate.UserID == requester.UserID {
		return false
	}
	if !languagesSwap(requester, candidate) {
		return false
	}
	if s.LanguageOnly {
		return true
	}

	// Requester side, possibly relaxed.
	lo, hi := requester.AgeBounds()
	if s.AgeSlack > 0 {
		lo = max(lo-s.AgeSlack, ageSlackFloor)
		hi += s.AgeSlack
	}
	if candidate.Age < lo || candidate.Age > hi {
		return false
	}
	if !s.IgnoreGenderPreference && !genderAccepts(requester, candidate) {
		return false
	}
	if !s.IgnoreProficiency && requester.ProficiencyLevel != "" &&
		requester.ProficiencyLevel != candidate.ProficiencyLevel {
		return false
	}

	// Candidate side, never relaxed.
	cLo, cHi := candidate.AgeBounds()
	if requester.Age < cLo || requester.Age > cHi {
		return false
	}
	return genderAccepts(candidate, requester)
}

// Score rates a pair found by strategies 1-4. It is capped at 1.0.
func Score(a, b queue.Preferences) float64 {
	score := 0.5
	if languagesSwap(a, b) {
		score += 0.3
	}
	if a.ProficiencyLevel != "" && a.ProficiencyLevel == b.ProficiencyLevel {
		score += 0.1
	}

	diff := a.Age - b.Age
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= 5:
		score += 0.1
	case diff <= 10:
		score += 0.05
	}

	if genderAccepts(a, b) && genderAccepts(b, a) {
		score += 0.05
	}
	return math.Min(score, 1.0)
}

func languagesSwap(a, b queue.Preferences) bool {
	return a.NativeLanguage == b.TargetLanguage && a.TargetLanguage == b.NativeLanguage
}

// genderAccepts reports whether who's gender preference admits other.
func genderAccepts(who, other queue.Preferences) bool {
	if !who.HasGenderPreference() {
		return true
	}
	return who.GenderPreference == other.Gender
}
