// Package slack implements the one concrete out-of-band approval channel
// binding spec.md §6 requires: Block Kit approval requests, plain-text
// incident notifications, and a Socket Mode listener parsing `APPROVE <id>`
// / `REJECT <id>` replies back into the Approval Gate. Grounded on the
// teacher's internal/channels/slack/adapter.go (slack.Client +
// socketmode.Client wiring, AuthTest-derived bot user id, event-loop
// goroutine) and clients.go's SlackAPIClient/SocketModeClient interfaces
// (mock-friendly seams kept here for the same reason: slack-go's concrete
// client types are hard to exercise directly in tests).
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/nightwatch/internal/approval"
	"github.com/haasonsaas/nightwatch/internal/audit"
	"github.com/haasonsaas/nightwatch/internal/memory"
	"github.com/haasonsaas/nightwatch/pkg/models"
)

// APIClient is the subset of *slack.Client the adapter calls, kept as an
// interface so tests can inject a fake instead of hitting the network.
type APIClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// SocketClient is the subset of *socketmode.Client the listener loop needs.
type SocketClient interface {
	Run() error
	Ack(req socketmode.Request, payload ...any)
}

// Resolver delivers a human decision back into the Approval Gate, satisfied
// by *approval.Gate.
type Resolver interface {
	Resolve(approvalID string, decision models.ApprovalDecision, deciderRef string) bool
}

// Config holds the Slack credentials and the approval/notification channel.
type Config struct {
	BotToken  string
	AppToken  string
	ChannelID string
}

// Adapter implements approval.Channel, chatsend.Sender, and
// scheduler.ReportSink against a single Slack channel.
type Adapter struct {
	channelID string
	api       APIClient
	socket    SocketClient
	events    <-chan socketmode.Event
	resolver  Resolver
	redactor  *audit.Redactor
	logger    *slog.Logger

	botUserIDMu sync.RWMutex
	botUserID   string
}

// New builds an Adapter from credentials. Use NewWithClients in tests to
// inject fakes instead of talking to the real Slack API.
func New(cfg Config, resolver Resolver, logger *slog.Logger) *Adapter {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socketClient := socketmode.New(client, socketmode.OptionDebug(false))
	return NewWithClients(cfg.ChannelID, client, socketClient, socketClient.Events, resolver, logger)
}

// NewWithClients builds an Adapter against injected API/socket clients.
func NewWithClients(channelID string, api APIClient, socket SocketClient, events <-chan socketmode.Event, resolver Resolver, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		channelID: channelID,
		api:       api,
		socket:    socket,
		events:    events,
		resolver:  resolver,
		redactor:  audit.NewRedactor(),
		logger:    logger.With("component", "slack"),
	}
}

// Start authenticates and begins the Socket Mode event loop in a background
// goroutine, returning once the bot's identity is confirmed.
func (a *Adapter) Start(ctx context.Context) error {
	authResp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = authResp.UserID
	a.botUserIDMu.Unlock()

	go func() {
		if err := a.socket.Run(); err != nil {
			a.logger.Error("socket mode run exited", "error", err)
		}
	}()

	go a.loop(ctx)

	a.logger.Info("slack adapter started", "bot_user_id", authResp.UserID)
	return nil
}

func (a *Adapter) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.events:
			if !ok {
				return
			}
			a.handleEvent(evt)
		}
	}
}

func (a *Adapter) handleEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		return
	}

	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		return
	}
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" {
			return
		}
		a.handleCommand(ev.Text, ev.User)
	case *slackevents.AppMentionEvent:
		a.handleCommand(ev.Text, ev.User)
	}
}

// handleCommand parses a case-insensitive "APPROVE <id>" / "REJECT <id>"
// command, per spec.md §6's approval channel contract. Unknown or
// already-decided ids are silently ignored, matching that contract.
func (a *Adapter) handleCommand(text, user string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return
	}

	verb := strings.ToUpper(fields[0])
	id := fields[1]

	var decision models.ApprovalDecision
	switch verb {
	case "APPROVE":
		decision = models.DecisionApproved
	case "REJECT":
		decision = models.DecisionRejected
	default:
		return
	}

	if a.resolver == nil {
		return
	}
	if !a.resolver.Resolve(id, decision, user) {
		a.logger.Debug("approval command ignored: unknown or already-decided id", "approval_id", id)
	}
}

// PostApprovalRequest satisfies approval.Channel: posts a Block Kit message
// describing the pending decision.
func (a *Adapter) PostApprovalRequest(ctx context.Context, req models.ApprovalRequest) error {
	req.Args = a.redactor.Redact(req.Args)
	blocks := approvalBlocks(req)
	_, _, err := a.api.PostMessageContext(ctx, a.channelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("slack: post approval request: %w", err)
	}
	return nil
}

// SendMessage satisfies chatsend.Sender. The parameter type matches that
// package's minimal context seam exactly; incidentID is folded into the
// message text since this adapter posts to one shared channel rather than
// a per-incident thread.
func (a *Adapter) SendMessage(ctx interface{ Done() <-chan struct{} }, incidentID, text string) error {
	cctx, ok := ctx.(context.Context)
	if !ok {
		cctx = context.Background()
	}
	_, _, err := a.api.PostMessageContext(cctx, a.channelID, slack.MsgOptionText(fmt.Sprintf("[%s] %s", incidentID, text), false))
	if err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

// PublishReport satisfies scheduler.ReportSink: posts a plain-text summary
// of the requested reporting period's Vector Memory stats.
func (a *Adapter) PublishReport(ctx context.Context, period string, stats memory.Stats) error {
	text := fmt.Sprintf(
		"*%s incident report*\nincidents: %d | success rate: %s | avg duration: %s | llm cost: $%.2f",
		capitalize(period), stats.TotalRecords, formatPercent(stats.SuccessRate), stats.AvgDuration, stats.TotalCostUSD,
	)
	_, _, err := a.api.PostMessageContext(ctx, a.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: publish report: %w", err)
	}
	return nil
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 1, 64) + "%"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func approvalBlocks(req models.ApprovalRequest) []slack.Block {
	header := slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(
		":warning: *Approval needed* — `%s` (severity: %s)\nincident: `%s`\napproval id: `%s`\ntimes out at: %s",
		req.Tool, req.Severity, req.IncidentID, req.ID, req.TimeoutAt.Format("2006-01-02T15:04:05Z07:00"),
	), false, false)

	args := slack.NewTextBlockObject(slack.MarkdownType, "```"+string(req.Args)+"```", false, false)

	instructions := slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(
		"Reply `APPROVE %s` or `REJECT %s` in this channel.", req.ID, req.ID,
	), false, false)

	return []slack.Block{
		slack.NewSectionBlock(header, nil, nil),
		slack.NewSectionBlock(args, nil, nil),
		slack.NewSectionBlock(instructions, nil, nil),
	}
}

var _ approval.Channel = (*Adapter)(nil)
