package exercise

import (
	"strings"

	"github.com/shopspring/decimal"
)

// AnswerStatus marks whether one side of a comparison exists.
type AnswerStatus string

const (
	AnswerPresent     AnswerStatus = "present"
	AnswerNotAnswered AnswerStatus = "not_answered"
	AnswerNotGuessed  AnswerStatus = "not_guessed"
)

var hundred = decimal.NewFromInt(100)

// Compare reports whether a guess matches a truth. Matching is exact after trimming
// surrounding whitespace and folding case; there is no fuzzy matching.
func Compare(aText, bText string) bool {
	return strings.EqualFold(strings.TrimSpace(aText), strings.TrimSpace(bText))
}

// Score returns matched/total*100 rounded to two decimals, or nil when there is nothing to score.
func Score(matches []bool) *float64 {
	if len(matches) == 0 {
		return nil
	}
	matched := 0
	for _, match := range matches {
		if match {
			matched++
		}
	}
	value := decimal.NewFromInt(int64(matched)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(len(matches)))).
		Round(2)
	score, _ := value.Float64()
	return &score
}

// DirectedComparison compares one participant's truth with the other participant's guess about it.
type DirectedComparison struct {
	Subject     ParticipantID
	Guesser     ParticipantID
	Truth       string
	TruthStatus AnswerStatus
	Guess       string
	GuessStatus AnswerStatus
	Matched     bool
}

// ComparisonResult holds both directions for one question. It is derived, never stored.
type ComparisonResult struct {
	ItemKey string
	Prompt  string
	AboutA  DirectedComparison
	AboutB  DirectedComparison
}

type responseKey struct {
	step    int
	itemKey string
	author  string
}

type responseIndex map[responseKey]Response

func indexResponses(responses []Response) responseIndex {
	index := make(responseIndex, len(responses))
	for _, response := range responses {
		index[responseKey{step: response.Step, itemKey: response.ItemKey, author: response.AuthorID}] = response
	}
	return index
}

func (index responseIndex) lookup(step int, itemKey string, author ParticipantID) (string, bool) {
	response, ok := index[responseKey{step: step, itemKey: itemKey, author: author.String()}]
	if !ok || strings.TrimSpace(response.Content) == "" {
		return "", false
	}
	return response.Content, true
}

// BuildReveal produces exactly one result per question of the session, marking missing sides
// explicitly instead of omitting them.
func BuildReveal(session Session, responses []Response) []ComparisonResult {
	index := indexResponses(responses)
	results := make([]ComparisonResult, 0, len(session.Questions))
	for _, question := range session.Questions {
		results = append(results, ComparisonResult{
			ItemKey: question.Key,
			Prompt:  question.Prompt,
			AboutA:  compareDirected(index, question.Key, session.ParticipantIn(SlotA), session.ParticipantIn(SlotB)),
			AboutB:  compareDirected(index, question.Key, session.ParticipantIn(SlotB), session.ParticipantIn(SlotA)),
		})
	}
	return results
}

func compareDirected(index responseIndex, itemKey string, subject, guesser ParticipantID) DirectedComparison {
	comparison := DirectedComparison{
		Subject:     subject,
		Guesser:     guesser,
		TruthStatus: AnswerNotAnswered,
		GuessStatus: AnswerNotGuessed,
	}
	truth, hasTruth := index.lookup(StepTruths, itemKey, subject)
	if hasTruth {
		comparison.Truth = truth
		comparison.TruthStatus = AnswerPresent
	}
	guess, hasGuess := index.lookup(StepGuesses, itemKey, guesser)
	if hasGuess {
		comparison.Guess = guess
		comparison.GuessStatus = AnswerPresent
	}
	comparison.Matched = hasTruth && hasGuess && Compare(truth, guess)
	return comparison
}

// ScoreGuesser scores the guesses slot made about the other participant over the full question set.
func ScoreGuesser(session Session, responses []Response, guesser Slot) *float64 {
	index := indexResponses(responses)
	subject := session.ParticipantIn(guesser.Other())
	matches := make([]bool, 0, len(session.Questions))
	for _, itemKey := range session.ItemKeys() {
		matches = append(matches, compareDirected(index, itemKey, subject, session.ParticipantIn(guesser)).Matched)
	}
	return Score(matches)
}
