package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/parley/internal/attach"
	"github.com/kalambet/parley/internal/backend"
	"github.com/kalambet/parley/internal/compose"
	"github.com/kalambet/parley/internal/faults"
	"github.com/kalambet/parley/internal/memory"
	"github.com/kalambet/parley/internal/ollama"
	"github.com/kalambet/parley/internal/router"
)

// process runs one full exchange. Exactly one reply leaves this function
// on every path: an answer, a fallback, or an escalation acknowledgment.
func (b *Bridge) process(s *session, t task) {
	s.setState(StateProcessing)

	ctx, cancel := context.WithTimeout(b.workerCtx, b.opts.ExchangeTimeout)
	defer cancel()

	text := b.expandAttachments(t.req)

	route := b.router.Route(t.req.Text, router.Context{LastSkillID: s.lastSkill()})
	skill, _ := b.router.Skill(route.SkillID)

	b.store.Touch(s.id)
	msgs := b.composer.Compose(compose.Input{
		SkillPrompt: skill.Template,
		Archives:    b.store.Archives(s.id),
		Window:      b.store.Context(s.id),
		UserText:    text,
	})

	reply, err := b.invoke(ctx, t, msgs)
	if err != nil {
		b.recover(ctx, s, t, route, msgs, text, err)
		return
	}

	chained := b.runChain(ctx, s.id, route.Chain, reply.Text)

	// Memory records the exchange only after it completed; a failed or
	// cancelled exchange leaves no trace in the window.
	b.store.Append(s.id, memory.Message{Role: memory.RoleUser, Text: text})
	b.store.Append(s.id, memory.Message{Role: memory.RoleAssistant, Text: reply.Text})
	for _, out := range chained {
		b.store.Append(s.id, memory.Message{Role: memory.RoleAssistant, Text: out})
	}

	s.touch(route.SkillID, time.Now())

	full := reply.Text
	for _, out := range chained {
		full += "\n\n" + out
	}
	b.deliver(t, Reply{
		SessionID: s.id,
		SkillID:   route.SkillID,
		Text:      full,
		Outcome:   OutcomeAnswer,
		Cached:    reply.Cached,
	})

	b.logger.Info("exchange complete",
		"session_id", s.id, "skill", route.SkillID,
		"confidence", route.Confidence, "cached", reply.Cached,
		"chained", len(chained))
}

// expandAttachments folds extracted attachment text into the message.
// Extraction failures are logged and skipped; an unreadable attachment
// must not sink the exchange.
func (b *Bridge) expandAttachments(req Request) string {
	text := req.Text
	for _, a := range req.Attachments {
		extracted, err := attach.Extract(a)
		if err != nil {
			b.logger.Warn("attachment skipped",
				"session_id", req.SessionID, "name", a.Name, "error", err)
			continue
		}
		if extracted == "" {
			continue
		}
		text += fmt.Sprintf("\n\n[Attachment: %s]\n%s", a.Name, extracted)
	}
	return text
}

// invoke calls the backend, streaming when the responder asks for it.
// Streamed fragments are forwarded in arrival order; on a mid-stream
// failure the partial content is discarded, never appended or cached.
func (b *Bridge) invoke(ctx context.Context, t task, msgs []ollama.Message) (backend.Reply, error) {
	req := backend.Request{Messages: msgs}

	if t.responder.OnFragment == nil {
		return b.connector.Invoke(ctx, req)
	}

	frags, err := b.connector.Stream(ctx, req)
	if err != nil {
		return backend.Reply{}, err
	}

	var sb strings.Builder
	for f := range frags {
		if f.Err != nil {
			return backend.Reply{}, f.Err
		}
		if f.Text != "" {
			if err := t.responder.OnFragment(f.Text); err != nil {
				return backend.Reply{}, faults.Tag(faults.ChannelDelivery,
					fmt.Errorf("forwarding fragment: %w", err))
			}
			sb.WriteString(f.Text)
		}
		if f.Done {
			break
		}
	}
	return backend.Reply{Text: sb.String()}, nil
}

// runChain executes the routed skill's chained follow-ups, each fed the
// previous output. A chain failure is recorded but never costs the user
// the main answer; the chain just stops there.
func (b *Bridge) runChain(ctx context.Context, sessionID string, chain []string, answer string) []string {
	var outputs []string
	input := answer
	for _, name := range chain {
		skill, ok := b.router.Skill(name)
		if !ok || skill.Template == "" {
			continue
		}
		reply, err := b.connector.Invoke(ctx, backend.Request{Messages: []ollama.Message{
			{Role: memory.RoleSystem, Content: skill.Template},
			{Role: memory.RoleUser, Content: input},
		}})
		if err != nil {
			b.classifier.Classify(faults.Tag(faults.Processing,
				fmt.Errorf("chained skill %s: %w", name, err)), sessionID)
			break
		}
		outputs = append(outputs, reply.Text)
		input = reply.Text
	}
	return outputs
}

// recover maps a failed exchange to its single user-visible outcome via
// the classifier's decision table. Rate-limited calls get one more
// attempt after the mandated wait; everything else lands on the
// decision's fallback or escalation.
func (b *Bridge) recover(ctx context.Context, s *session, t task, route router.SkillRoute, msgs []ollama.Message, text string, err error) {
	s.setState(StateRecovering)

	rec := b.classifier.Classify(err, s.id)
	d := b.classifier.Decide(rec)

	action := d.Action
	if action == faults.ActionRetry {
		// The connector already spent its own retry budget getting here.
		// Only a backend-mandated wait earns one more attempt.
		if d.RetryAfter > 0 && b.waitFor(ctx, d.RetryAfter) {
			if reply, rerr := b.connector.Invoke(ctx, backend.Request{Messages: msgs}); rerr == nil {
				b.classifier.Resolve(rec)
				b.store.Append(s.id, memory.Message{Role: memory.RoleUser, Text: text})
				b.store.Append(s.id, memory.Message{Role: memory.RoleAssistant, Text: reply.Text})
				s.touch(route.SkillID, time.Now())
				b.deliver(t, Reply{
					SessionID: s.id,
					SkillID:   route.SkillID,
					Text:      reply.Text,
					Outcome:   OutcomeAnswer,
					Cached:    reply.Cached,
				})
				return
			}
		}
		action = d.IfExhausted
	}

	switch action {
	case faults.ActionEscalate:
		s.setState(StateEscalated)
		b.logger.Error("exchange escalated",
			"session_id", s.id, "category", rec.Category, "error", err)
		b.deliver(t, Reply{
			SessionID: s.id,
			Text:      b.opts.Formatter.Escalation(rec.Category),
			Outcome:   OutcomeEscalated,
			Category:  rec.Category,
		})
	default:
		b.deliver(t, Reply{
			SessionID: s.id,
			Text:      b.opts.Formatter.Fallback(rec.Category),
			Outcome:   OutcomeFallback,
			Category:  rec.Category,
		})
	}
}

func (b *Bridge) waitFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deliver sends the exchange's one reply. A delivery failure gets a
// single immediate retry; after that it is escalated into the audit
// trail, since a broken channel cannot carry an apology either.
func (b *Bridge) deliver(t task, r Reply) {
	if t.responder.Send == nil {
		return
	}
	err := t.responder.Send(r)
	if err == nil {
		return
	}

	rec := b.classifier.Classify(faults.Tag(faults.ChannelDelivery,
		fmt.Errorf("delivering reply: %w", err)), r.SessionID)

	if err := t.responder.Send(r); err == nil {
		b.classifier.Resolve(rec)
		return
	}
	b.logger.Error("reply delivery failed",
		"session_id", r.SessionID, "outcome", r.Outcome, "error", err)
}
