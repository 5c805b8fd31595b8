// Package rules evaluates a tenant's ordered chatbot rule set against inbound
// message text. The engine only decides on a reply; delivery is the caller's
// job.
package rules

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/llm"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/storage"
)

// Completer is the language-model collaborator used for ai_fallback rules.
type Completer interface {
	Complete(ctx context.Context, messages []llm.ChatMessage) (string, error)
}

// Engine evaluates chatbot rules for inbound messages.
type Engine struct {
	store     *storage.Store
	cooldowns *Cooldowns
	completer Completer // nil disables ai_fallback
	log       zerolog.Logger
	now       func() time.Time
}

// New builds an engine. completer may be nil when no LLM is configured.
func New(store *storage.Store, cooldowns *Cooldowns, completer Completer, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		cooldowns: cooldowns,
		completer: completer,
		log:       log.With().Str("component", "rules").Logger(),
		now:       time.Now,
	}
}

// Evaluate runs the account's rule set against one inbound message and returns
// the reply text and the matched rule ID, or ok=false when nothing fires.
func (e *Engine) Evaluate(ctx context.Context, accountID, tenantID string, contact *model.Contact, text string) (reply, ruleID string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", "", false
	}
	ruleSet, err := e.store.RulesForAccount(tenantID, accountID)
	if err != nil {
		e.log.Error().Err(err).Str("account_id", accountID).Msg("load rules")
		return "", "", false
	}

	now := e.now()
	var fallback *model.ChatbotRule
	for i := range ruleSet {
		r := &ruleSet[i]
		if r.TriggerType == model.TriggerAIFallback {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		if !e.cooldowns.Elapsed(accountID, contact.JID, r.ID, cooldown(r), now) {
			continue
		}
		if !e.matches(r, trimmed) {
			continue
		}
		e.cooldowns.Touch(accountID, contact.JID, r.ID, now)
		if err := e.store.BumpRuleCounters(r.ID, true); err != nil {
			e.log.Warn().Err(err).Str("rule_id", r.ID).Msg("bump rule counters")
		}
		metrics.RuleMatches.WithLabelValues(r.TriggerType).Inc()
		e.log.Debug().Str("rule_id", r.ID).Str("account_id", accountID).Str("contact", contact.JID).Msg("rule matched")
		return render(r.Reply, contact), r.ID, true
	}

	if fallback == nil || e.completer == nil {
		return "", "", false
	}
	if !e.cooldowns.Elapsed(accountID, contact.JID, fallback.ID, cooldown(fallback), now) {
		return "", "", false
	}
	out, err := e.aiReply(ctx, accountID, contact, fallback, trimmed)
	if err != nil {
		e.log.Warn().Err(err).Str("rule_id", fallback.ID).Msg("ai fallback failed")
		return "", "", false
	}
	if out == "" {
		return "", "", false
	}
	e.cooldowns.Touch(accountID, contact.JID, fallback.ID, now)
	if err := e.store.BumpRuleCounters(fallback.ID, true); err != nil {
		e.log.Warn().Err(err).Str("rule_id", fallback.ID).Msg("bump rule counters")
	}
	metrics.RuleMatches.WithLabelValues(model.TriggerAIFallback).Inc()
	return out, fallback.ID, true
}

func cooldown(r *model.ChatbotRule) time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// matches tests one non-fallback trigger, case-insensitively. A rule with an
// invalid regex never matches; evaluation of later rules continues.
func (e *Engine) matches(r *model.ChatbotRule, text string) bool {
	lowText := strings.ToLower(text)
	lowPat := strings.ToLower(strings.TrimSpace(r.Pattern))
	if lowPat == "" {
		return false
	}
	switch r.TriggerType {
	case model.TriggerKeyword:
		return lowText == lowPat
	case model.TriggerContains:
		return strings.Contains(lowText, lowPat)
	case model.TriggerStartsWith:
		return strings.HasPrefix(lowText, lowPat)
	case model.TriggerRegex:
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			e.log.Warn().Err(err).Str("rule_id", r.ID).Msg("invalid rule pattern, skipping")
			return false
		}
		return re.MatchString(text)
	default:
		return false
	}
}

// render substitutes contact variables into a canned reply.
func render(reply string, contact *model.Contact) string {
	out := strings.ReplaceAll(reply, "{name}", contact.Name)
	out = strings.ReplaceAll(out, "{phone}", contact.Phone)
	return strings.TrimSpace(out)
}

// aiReply builds a short rolling window of the conversation plus the rule's
// system instruction and asks the LLM collaborator for a reply.
func (e *Engine) aiReply(ctx context.Context, accountID string, contact *model.Contact, rule *model.ChatbotRule, text string) (string, error) {
	system := strings.TrimSpace(rule.SystemPrompt)
	if system == "" {
		system = "You are a helpful assistant answering WhatsApp messages for a business. Reply briefly and politely in the language of the customer."
	}
	messages := []llm.ChatMessage{{Role: "system", Content: system}}

	history, err := e.store.RecentConversation(accountID, contact.ID, 10)
	if err != nil {
		e.log.Warn().Err(err).Msg("load conversation window")
	}
	for _, m := range history {
		role := "user"
		if m.Direction == model.DirectionOut {
			role = "assistant"
		}
		if strings.TrimSpace(m.Body) == "" {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: m.Body})
	}
	// the triggering message is appended last in case it is not yet persisted
	if len(messages) == 1 || messages[len(messages)-1].Content != text {
		messages = append(messages, llm.ChatMessage{Role: "user", Content: text})
	}

	callCtx, cancel := context.WithTimeout(ctx, llm.DefaultCallBudget)
	defer cancel()
	return e.completer.Complete(callCtx, messages)
}
