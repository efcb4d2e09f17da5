package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
	"relaybot/internal/greet"
)

// Discord listens for direct messages and mentions, feeds them into the
// relay, and implements domain.Platform on top of message send / edit.
type Discord struct {
	token   string
	session *discordgo.Session
	sink    domain.TurnSink
	greeter *greet.Responder
	logger  *slog.Logger
	botID   string
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	Greeter *greet.Responder
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		greeter: cfg.Greeter,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start opens the Discord gateway session and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, sink domain.TurnSink) error {
	d.sink = sink

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session init: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(d.handleMessageCreate)
	d.session = session

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	d.botID = session.State.User.ID
	d.logger.Info("discord bot connected", "user", session.State.User.Username, "id", d.botID)

	<-ctx.Done()
	d.logger.Info("discord channel stopping")
	return session.Close()
}

func (d *Discord) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == d.botID {
			mentioned = true
			break
		}
	}
	if !isDM && !mentioned {
		return
	}

	text := m.Content
	text = strings.ReplaceAll(text, "<@"+d.botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+d.botID+">", "")
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	d.logger.Info("discord message received",
		"user", m.Author.ID,
		"channel", m.ChannelID,
		"content_len", len(text),
	)

	if reply, ok := d.greeter.Reply(text); ok {
		if _, err := d.PostMessage(context.Background(), m.ChannelID, reply, domain.PostOptions{}); err != nil {
			d.logger.Error("discord greeting failed", "err", err)
		}
		return
	}

	d.sink.Submit(domain.TurnRequest{
		Platform:  "discord",
		Channel:   m.ChannelID,
		SenderID:  m.Author.ID,
		Content:   text,
		Timestamp: time.Now(),
	})
}

// PostMessage sends a message, optionally as a reply to a parent message.
func (d *Discord) PostMessage(ctx context.Context, channel, text string, opts domain.PostOptions) (domain.MessageRef, error) {
	var (
		msg *discordgo.Message
		err error
	)
	if opts.ThreadParent != "" {
		msg, err = d.session.ChannelMessageSendReply(channel, text, &discordgo.MessageReference{
			MessageID: opts.ThreadParent,
			ChannelID: channel,
		})
	} else {
		msg, err = d.session.ChannelMessageSend(channel, text)
	}
	if err != nil {
		return domain.MessageRef{}, mapDiscordErr(err)
	}
	return domain.MessageRef{Channel: channel, ID: msg.ID}, nil
}

// UpdateMessage edits a previously sent message in place.
func (d *Discord) UpdateMessage(ctx context.Context, ref domain.MessageRef, text string) error {
	_, err := d.session.ChannelMessageEdit(ref.Channel, ref.ID, text)
	return mapDiscordErr(err)
}

func mapDiscordErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return &domain.RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	return err
}
