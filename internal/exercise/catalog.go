package exercise

import (
	"fmt"
	"strings"
)

// Question is one prompt of a truths-then-guesses exercise.
type Question struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

var defaultPrompts = []string{
	"What is my favorite way to spend a free evening?",
	"Who is my closest friend outside of our relationship?",
	"What is one thing that reliably lifts my mood after a hard day?",
	"What am I most worried about right now?",
	"Where would I choose to go on a dream vacation?",
}

// DefaultQuestions returns the built-in love map question set.
func DefaultQuestions() []Question {
	questions, _ := QuestionsFromPrompts(defaultPrompts)
	return questions
}

// QuestionsFromPrompts assigns stable keys (q1, q2, ...) to an ordered prompt list.
func QuestionsFromPrompts(prompts []string) ([]Question, error) {
	questions := make([]Question, 0, len(prompts))
	for _, prompt := range prompts {
		trimmed := strings.TrimSpace(prompt)
		if trimmed == "" {
			continue
		}
		questions = append(questions, Question{
			Key:    fmt.Sprintf("q%d", len(questions)+1),
			Prompt: trimmed,
		})
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: question set is empty", ErrInvalidPhase)
	}
	return questions, nil
}
