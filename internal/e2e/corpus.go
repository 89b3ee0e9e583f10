// Package e2e exercises the full memory stack: storage, derivation, indexing and retrieval.
package e2e

import "github.com/hyperjump/recall/internal/models"

// Exchange is one scripted conversation turn.
type Exchange struct {
	Role    models.Role
	Content string
}

// QueryCase is a retrieval query and the content of the turn expected among the top hits.
type QueryCase struct {
	Query    string
	Expected string
	TopN     int
}

// Corpus is a scripted conversation for one agent plus the queries it must answer.
type Corpus struct {
	Agent   string
	Turns   []Exchange
	Queries []QueryCase
}

// TravelCorpus is a short assistant conversation covering distinct topics, so each query
// has one clearly relevant turn.
func TravelCorpus() *Corpus {
	return &Corpus{
		Agent: "travel",
		Turns: []Exchange{
			{models.RoleUser, "What are your favorite travel destinations?"},
			{models.RoleAssistant, "I enjoy Paris and Tokyo for their food and museums."},
			{models.RoleUser, "My sister is allergic to peanuts, keep that in mind for restaurants."},
			{models.RoleAssistant, "Noted, I will avoid restaurants that cook with peanuts."},
			{models.RoleUser, "I adopted a cat named Miso last spring."},
			{models.RoleAssistant, "Miso is a lovely name for a cat."},
			{models.RoleUser, "Book a flight to Lisbon for the conference in October."},
			{models.RoleAssistant, "I found a direct flight to Lisbon departing October third."},
			{models.RoleUser, "Remind me to renew my passport before the Lisbon trip."},
			{models.RoleAssistant, "I will remind you about the passport renewal next week."},
		},
		Queries: []QueryCase{
			{Query: "which travel destinations do you enjoy", Expected: "What are your favorite travel destinations?", TopN: 3},
			{Query: "peanuts allergy restaurants", Expected: "My sister is allergic to peanuts, keep that in mind for restaurants.", TopN: 3},
			{Query: "what is my cat named", Expected: "I adopted a cat named Miso last spring.", TopN: 3},
			{Query: "flight to Lisbon", Expected: "I found a direct flight to Lisbon departing October third.", TopN: 3},
			{Query: "passport renewal", Expected: "I will remind you about the passport renewal next week.", TopN: 3},
		},
	}
}
