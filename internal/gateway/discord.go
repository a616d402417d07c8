package gateway

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordNotifier struct {
	Session   discordSender
	ChannelID string
}

// NewDiscordNotifier uses the REST API only; no gateway connection is opened.
func NewDiscordNotifier(token, channelID string) (*DiscordNotifier, error) {
	if channelID == "" {
		return nil, fmt.Errorf("discord channel ID is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &DiscordNotifier{Session: session, ChannelID: channelID}, nil
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) Notify(ctx context.Context, s Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &discordgo.MessageSend{Content: s.Text()}
	if len(s.Snapshot) > 0 {
		msg.Files = []*discordgo.File{{
			Name:        s.RunID + ".png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(s.Snapshot),
		}}
	}
	_, err := d.Session.ChannelMessageSendComplex(d.ChannelID, msg, discordgo.WithContext(ctx))
	return err
}
