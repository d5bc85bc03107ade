// Package responder implements the automated first-line answerer. Keyword is
// a rule-table stand-in for a real model integration: it consults the
// knowledge base first, then a canned reply table, and self-reports a
// confidence score that the coordinator uses for escalation routing.
package responder

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/models"
)

// KnowledgeBaseKey is the Redis hash of curated question -> answer entries.
// Entries are managed outside this service.
const KnowledgeBaseKey = "knowledge_base"

type knowledgeEntry struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

type rule struct {
	keywords   []string
	reply      string
	confidence float64
}

var rules = []rule{
	{
		keywords:   []string{"hello", "hi"},
		reply:      "Hello! Welcome to our salon. How can I help you today?",
		confidence: 0.9,
	},
	{
		keywords:   []string{"appointment", "book"},
		reply:      "I'd be happy to help you book an appointment! You can call us at (555) 123-SALON or use our online booking system. What service are you interested in?",
		confidence: 0.85,
	},
	{
		keywords:   []string{"price", "cost", "how much"},
		reply:      "Our prices vary by service and stylist level. Haircuts range from $45-85, color services start at $80. Would you like specific pricing for a particular service?",
		confidence: 0.8,
	},
	{
		keywords:   []string{"hours", "open", "closed"},
		reply:      "We're open Tuesday-Saturday 9AM-7PM, Sunday 10AM-5PM. We're closed Mondays. Would you like to schedule an appointment?",
		confidence: 0.9,
	},
	{
		keywords:   []string{"hair", "cut", "color"},
		reply:      "We offer full hair services including cuts, coloring, highlights, and treatments. Our stylists can help you achieve the perfect look! What are you thinking about?",
		confidence: 0.8,
	},
	{
		keywords:   []string{"nail", "manicure", "pedicure"},
		reply:      "Yes, we offer professional nail services including manicures and pedicures. Would you like to book an appointment or learn more about our nail services?",
		confidence: 0.8,
	},
	{
		keywords:   []string{"service", "what do you offer"},
		reply:      "We offer a full range of beauty services including haircuts, coloring, styling, nail services, and special treatments. Would you like to know more about any specific service?",
		confidence: 0.85,
	},
	{
		keywords:   []string{"location", "address", "where are you"},
		reply:      "We're conveniently located in the heart of the city. Please call us at (555) 123-SALON for our exact address and directions!",
		confidence: 0.9,
	},
	{
		keywords:   []string{"thank"},
		reply:      "You're very welcome! Is there anything else I can help you with today?",
		confidence: 0.95,
	},
	{
		keywords:   []string{"question", "help", "information"},
		reply:      "I'm here to help! I can assist you with information about our services, booking appointments, pricing, and hours. What would you like to know?",
		confidence: 0.8,
	},
}

// fallback covers anything the rule table can't answer; its confidence sits
// below the escalation threshold on purpose.
var fallback = models.AgentReply{
	Text:       "That's a great question! Let me connect you with our team who can provide you with detailed information about that.",
	Confidence: 0.5,
}

// Keyword answers from the knowledge base when a curated entry matches the
// question, otherwise from the built-in rule table.
type Keyword struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// NewKeyword builds a responder. rdb may be nil, in which case the knowledge
// base lookup is skipped entirely.
func NewKeyword(rdb *redis.Client, logger *logrus.Logger) *Keyword {
	return &Keyword{rdb: rdb, logger: logger}
}

func (k *Keyword) Respond(ctx context.Context, conversationID, text string) (models.AgentReply, error) {
	lower := strings.ToLower(text)

	if reply, ok := k.lookupKnowledgeBase(ctx, lower); ok {
		return reply, nil
	}

	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return models.AgentReply{Text: r.reply, Confidence: r.confidence}, nil
			}
		}
	}
	return fallback, nil
}

// lookupKnowledgeBase picks the highest-confidence curated entry whose
// question appears in the user's text. Lookup failures fall through to the
// rule table rather than failing the request.
func (k *Keyword) lookupKnowledgeBase(ctx context.Context, lower string) (models.AgentReply, bool) {
	if k.rdb == nil {
		return models.AgentReply{}, false
	}

	entries, err := k.rdb.HGetAll(ctx, KnowledgeBaseKey).Result()
	if err != nil {
		k.logger.WithError(err).Debug("Knowledge base lookup failed, using built-in replies")
		return models.AgentReply{}, false
	}

	best := models.AgentReply{Confidence: -1}
	for question, raw := range entries {
		if !strings.Contains(lower, strings.ToLower(question)) {
			continue
		}
		var entry knowledgeEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.Confidence > best.Confidence {
			best = models.AgentReply{Text: entry.Answer, Confidence: entry.Confidence}
		}
	}
	if best.Confidence < 0 {
		return models.AgentReply{}, false
	}
	return best, true
}
