package main

import (
	"crypto/rand"
)

// QuestionSource is a read-only ordered collection of prompts supporting
// uniform random draws. Draws are independent, so the same prompt can come
// up in more than one round.
type QuestionSource struct {
	prompts []string
}

func newQuestionSource(prompts []string) *QuestionSource {
	return &QuestionSource{prompts: prompts}
}

func (q *QuestionSource) Len() int {
	return len(q.prompts)
}

func (q *QuestionSource) Draw() string {
	return q.prompts[randomIndex(len(q.prompts))]
}

// randomIndex returns a uniform value in [0, n) using rejection sampling
// over crypto/rand bytes.
func randomIndex(n int) int {
	if n <= 1 {
		return 0
	}

	max := byte(255 - (256 % n))
	buf := make([]byte, 8)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				return int(b) % n
			}
		}
	}
}

func defaultQuestions() *QuestionSource {
	return newQuestionSource([]string{
		"What's your partner's favorite food?",
		"Name a place your partner would love to visit.",
		"What movie could your partner watch over and over?",
		"What's your partner's go-to drink order?",
		"What would your partner grab first in a house fire?",
		"What's your partner's dream job?",
		"Name your partner's favorite season.",
		"What song always gets your partner dancing?",
		"What's your partner's biggest pet peeve?",
		"What animal best represents your partner?",
		"What's your partner's comfort food?",
		"Name a hobby your partner wishes they had more time for?",
		"What's your partner's favorite way to spend a Sunday?",
		"What dessert would your partner never turn down?",
		"What's your partner's favorite color?",
		"Name a TV show you both love.",
		"What's your partner's hidden talent?",
		"What superpower would your partner choose?",
		"What's your partner's favorite holiday?",
		"Name something your partner always forgets.",
		"What's your partner's favorite restaurant?",
		"What book would your partner recommend to everyone?",
		"What's your partner's ideal vacation: beach or mountains?",
		"Name your partner's celebrity crush.",
		"What's your partner's favorite board game?",
		"What chore does your partner secretly enjoy?",
		"What's your partner's morning routine essential?",
		"Name a food your partner refuses to eat.",
		"What's your partner's favorite sport to watch?",
		"What would your partner do with a free afternoon?",
		"What's your partner's karaoke song?",
		"Name your partner's most-used app.",
		"What's your partner's favorite ice cream flavor?",
		"What historical era would your partner visit?",
		"What's your partner's favorite childhood memory?",
		"Name something that always makes your partner laugh.",
		"What's your partner's coffee or tea order?",
		"What pet would your partner adopt tomorrow?",
		"What's your partner's favorite pizza topping?",
		"Name the first thing your partner does when they get home.",
	})
}
