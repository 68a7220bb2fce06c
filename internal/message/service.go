// Package message classifies inbound chat text, composes replies and runs
// the outbound pipeline: compliance check, cooldown, delivery.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/compliance"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/quote"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/transport"
	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/workflow"
)

const actorName = "openclaw"

// Service orchestrates intent classification and reply delivery. It is the
// worker's Processor.
type Service struct {
	cfg       config.MessagesConfig
	accountID string

	store      *workflow.Store
	compliance *compliance.Center
	quotes     *quote.Engine

	primary transport.Transport
	// domRetry is consulted once after a failed primary send. Only set in
	// auto mode.
	domRetry transport.Transport

	logger *slog.Logger
}

func NewService(cfg config.MessagesConfig, accountID string, store *workflow.Store,
	center *compliance.Center, quotes *quote.Engine,
	primary, domRetry transport.Transport, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		accountID:  accountID,
		store:      store,
		compliance: center,
		quotes:     quotes,
		primary:    primary,
		domRetry:   domRetry,
		logger:     logger.With("component", "message"),
	}
}

// ProcessSession handles one inbound message end to end and returns the
// result descriptor. An error means the job should be retried.
func (s *Service) ProcessSession(ctx context.Context, session transport.Session, dryRun bool) (workflow.JobResult, error) {
	var res workflow.JobResult

	task, err := s.store.GetSession(session.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		task, err = s.store.EnsureSession(session.SessionID, session.PeerUserID,
			session.PeerName, session.ItemTitle, "")
	}
	if err != nil {
		return res, fmt.Errorf("load session %s: %w", session.SessionID, err)
	}
	firstReply := task.State == workflow.StateNew

	reply := s.compose(ctx, session, task, &res)
	res.Reply = reply
	if reply == "" {
		res.Reason = "no_reply_composed"
		return res, nil
	}

	if dryRun {
		res.Reason = "dry_run"
		return res, nil
	}

	decision := s.compliance.EvaluateBeforeSend(reply, actorName, s.accountID,
		session.SessionID, compliance.ActionMessageSend)
	if decision.Blocked {
		res.BlockedByPolicy = true
		res.Reason = decision.Reason
		if res.IsQuote {
			res.QuoteBlockedByPolicy = true
		}
		return res, nil
	}

	if ok, reason := CheckCooldown(task.OutboundHistory, time.Now(),
		s.cfg.OutboundMinIntervalSecs, s.cfg.MaxPerSessionHour, s.cfg.MaxPerSessionDay); !ok {
		res.Reason = reason
		s.logger.Info("send held back by cooldown",
			"session_id", session.SessionID, "reason", reason)
		return res, nil
	}

	if !s.send(ctx, session.SessionID, reply) {
		return res, fmt.Errorf("send to session %s failed", session.SessionID)
	}
	res.Sent = true
	res.FirstReplySent = firstReply
	if res.IsQuote {
		res.QuoteSuccess = true
	}
	if err := s.store.AppendOutbound(session.SessionID, time.Now()); err != nil {
		s.logger.Warn("outbound history update failed",
			"session_id", session.SessionID, "error", err)
	}
	return res, nil
}

// compose picks the intent and renders the reply text. Order confirmation
// wins over everything; an explicit courier pick from a previous quote comes
// next and never re-quotes.
func (s *Service) compose(ctx context.Context, session transport.Session, task *workflow.SessionTask, res *workflow.JobResult) string {
	text := strings.TrimSpace(session.Text)

	if containsAny(text, s.cfg.OrderKeywords) {
		res.IsOrderIntent = true
		return s.cfg.OrderAckTemplate
	}

	if courier := matchCourier(text, task.QuotedCouriers); courier != "" {
		if err := s.store.LockCourier(session.SessionID); err != nil {
			s.logger.Warn("courier lock failed", "session_id", session.SessionID, "error", err)
		}
		res.Reason = "courier_locked"
		return RenderCheckoutGuide(s.cfg.CheckoutGuideTemplate, courier)
	}

	quoteIntent := containsAny(text, s.cfg.QuoteKeywords)
	if quoteIntent || s.cfg.StrictFormatReply {
		return s.composeQuote(ctx, session, text, res)
	}

	if reply, ok := MatchKeywordReply(text, s.cfg.KeywordReplies); ok {
		return reply
	}
	return s.cfg.DefaultReply
}

func (s *Service) composeQuote(ctx context.Context, session transport.Session, text string, res *workflow.JobResult) string {
	if IsGreeting(text) {
		res.FormatEnforced = true
		res.Reason = "greeting"
		return s.cfg.FormatHintTemplate
	}

	parsed := ParseQuoteRequest(text)
	if !parsed.Complete() {
		res.FormatEnforced = true
		res.Reason = "missing_fields:" + strings.Join(parsed.MissingFields, ",")
		return s.cfg.FormatHintTemplate
	}

	origin := parsed.Origin
	if origin == "" {
		origin = s.cfg.DefaultOrigin
	}
	req := quote.Request{
		Origin:         origin,
		Destination:    parsed.Destination,
		WeightKg:       parsed.WeightKg * float64(parsed.Pieces),
		VolumeCc:       parsed.VolumeCc,
		VolumeWeightKg: parsed.VolumeWeightKg,
		ServiceLevel:   parsed.ServiceLevel,
	}
	result := s.quotes.GetQuote(ctx, req)

	res.IsQuote = true
	res.QuoteFallback = result.FallbackUsed

	courier := result.Provider
	if c, ok := result.Explain["courier"]; ok && c != "" {
		courier = c
	}
	if err := s.store.SetQuotedCouriers(session.SessionID, []string{courier}); err != nil {
		s.logger.Warn("quoted courier memo failed", "session_id", session.SessionID, "error", err)
	}

	return RenderQuoteReply(s.cfg.QuoteReplyTemplate, req, result)
}

// send delivers through the primary channel, retrying once through the DOM
// channel when one is configured.
func (s *Service) send(ctx context.Context, sessionID, text string) bool {
	if s.primary.SendText(ctx, sessionID, text) {
		return true
	}
	if s.domRetry == nil {
		return false
	}
	s.logger.Warn("primary send failed, retrying via dom", "session_id", sessionID)
	return s.domRetry.SendText(ctx, sessionID, text)
}

// Reply sends operator-authored text through the same compliance and
// delivery pipeline, bypassing intent classification.
func (s *Service) Reply(ctx context.Context, sessionID, text string) (workflow.JobResult, error) {
	var res workflow.JobResult
	res.Reply = text

	decision := s.compliance.EvaluateBeforeSend(text, actorName, s.accountID,
		sessionID, compliance.ActionMessageSend)
	if decision.Blocked {
		res.BlockedByPolicy = true
		res.Reason = decision.Reason
		return res, nil
	}
	if !s.send(ctx, sessionID, text) {
		return res, fmt.Errorf("send to session %s failed", sessionID)
	}
	res.Sent = true
	if err := s.store.AppendOutbound(sessionID, time.Now()); err != nil {
		s.logger.Warn("outbound history update failed", "session_id", sessionID, "error", err)
	}
	s.store.TransitionState(sessionID, workflow.StateReplied, false, "operator_reply", nil)
	return res, nil
}

// TransitionWorkflowStage exposes the state machine for operator tooling.
func (s *Service) TransitionWorkflowStage(sessionID string, stage workflow.State, force bool) (*workflow.Transition, error) {
	reason := "operator"
	if force {
		reason = "forced"
	}
	return s.store.TransitionState(sessionID, stage, force, reason, nil)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func matchCourier(text string, couriers []string) string {
	for _, c := range couriers {
		if c != "" && strings.Contains(text, c) {
			return c
		}
	}
	return ""
}
