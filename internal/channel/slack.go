package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/domain"
	"relaybot/internal/greet"
)

// botMentionPattern strips "<@U12345>" style mention markup before the
// text is relayed to the agent.
var botMentionPattern = regexp.MustCompile(`<@[A-Za-z0-9]+>`)

// Slack connects via Socket Mode, feeds direct messages and app
// mentions into the relay, and implements domain.Platform on top of
// chat.postMessage / chat.update.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	sink     domain.TurnSink
	greeter  *greet.Responder
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Greeter  *greet.Responder
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		greeter:  cfg.Greeter,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, sink domain.TurnSink) error {
	s.sink = sink

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Only direct messages; channel traffic reaches us via mentions.
		// Ignore the bot's own messages and message_changed subtypes.
		if ev.ChannelType != "im" || ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.logger.Info("slack message received",
			"user", ev.User,
			"channel", ev.Channel,
			"content_len", len(ev.Text),
		)
		s.dispatch(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		s.logger.Info("slack mention received",
			"user", ev.User,
			"channel", ev.Channel,
		)
		content := strings.TrimSpace(botMentionPattern.ReplaceAllString(ev.Text, ""))
		s.dispatch(ev.Channel, ev.ThreadTimeStamp, ev.User, content)
	}
}

// dispatch answers greetings directly and hands everything else to the relay.
func (s *Slack) dispatch(channel, threadTS, user, text string) {
	if text == "" {
		return
	}
	if reply, ok := s.greeter.Reply(text); ok {
		if _, err := s.PostMessage(context.Background(), channel, reply,
			domain.PostOptions{ThreadParent: threadTS}); err != nil {
			s.logger.Error("slack greeting failed", "err", err)
		}
		return
	}
	s.sink.Submit(domain.TurnRequest{
		Platform:  "slack",
		Channel:   channel,
		ThreadID:  threadTS,
		SenderID:  user,
		Content:   text,
		Timestamp: time.Now(),
	})
}

// PostMessage posts a message, optionally threaded under a parent.
func (s *Slack) PostMessage(ctx context.Context, channel, text string, opts domain.PostOptions) (domain.MessageRef, error) {
	msgOpts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if opts.ThreadParent != "" {
		msgOpts = append(msgOpts, slack.MsgOptionTS(opts.ThreadParent))
	}
	ch, ts, err := s.client.PostMessageContext(ctx, channel, msgOpts...)
	if err != nil {
		return domain.MessageRef{}, mapSlackErr(err)
	}
	return domain.MessageRef{Channel: ch, ID: ts}, nil
}

// UpdateMessage rewrites a previously posted message in place.
func (s *Slack) UpdateMessage(ctx context.Context, ref domain.MessageRef, text string) error {
	_, _, _, err := s.client.UpdateMessageContext(ctx, ref.Channel, ref.ID, slack.MsgOptionText(text, false))
	return mapSlackErr(err)
}

func mapSlackErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return &domain.RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	return err
}
