package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/foxseedlab/livecaption/internal/discord"
)

const defaultAttachmentType = "text/plain"

type Client struct {
	session   *discordgo.Session
	token     string
	botUserID string
}

func NewClient(token string) discordpkg.Client {
	return &Client{
		token: token,
	}
}

// Connect opens the gateway. A ctx that ends first abandons the handshake
// and closes the session.
func (c *Client) Connect(ctx context.Context) error {
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	c.session = s
	s.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates)
	s.State.TrackVoice = true

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()
	select {
	case err := <-opened:
		if err != nil {
			return fmt.Errorf("open discord gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
		go func() {
			if err := <-opened; err == nil {
				_ = s.Close()
			}
		}()
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) JoinVoiceChannel(guildID, channelID string) (discordpkg.VoiceConnection, error) {
	vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, err
	}
	return &voiceConnectionImpl{vc: vc}, nil
}

// SendChannelMessage posts content without resolving mentions, so live
// captions naming a speaker never notify them.
func (c *Client) SendChannelMessage(channelID, content string) error {
	_, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	})
	return err
}

func (c *Client) SendChannelMessageWithFile(msg discordpkg.FileMessage) error {
	contentType := msg.ContentType
	if contentType == "" {
		contentType = defaultAttachmentType
	}
	_, err := c.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Content: msg.Content,
		Files: []*discordgo.File{
			{Name: msg.Filename, ContentType: contentType, Reader: bytes.NewReader(msg.FileBody)},
		},
	})
	return err
}

func (c *Client) RegisterVoiceStateUpdateHandler(handler func(discordpkg.VoiceStateEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		if vs == nil {
			return
		}
		beforeChannelID := ""
		if vs.BeforeUpdate != nil {
			beforeChannelID = vs.BeforeUpdate.ChannelID
		}
		afterChannelID := vs.ChannelID
		if beforeChannelID == afterChannelID && beforeChannelID != "" {
			return
		}
		if vs.GuildID == "" || vs.UserID == "" {
			return
		}
		handler(discordpkg.VoiceStateEvent{
			GuildID:         vs.GuildID,
			UserID:          vs.UserID,
			UserIsBot:       c.userIsBot(vs.GuildID, vs.VoiceState),
			BeforeChannelID: beforeChannelID,
			AfterChannelID:  afterChannelID,
		})
	})
}

func (c *Client) RegisterSlashCommandHandler(handler func(discordpkg.SlashCommandEvent)) {
	c.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		if ic == nil || ic.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := ic.ApplicationCommandData()
		if data.Name == "" {
			return
		}
		userID := ""
		if ic.Member != nil && ic.Member.User != nil {
			userID = ic.Member.User.ID
		}
		if userID == "" && ic.User != nil {
			userID = ic.User.ID
		}
		if userID == "" {
			return
		}
		slog.Info("slash command interaction received", "guild_id", ic.GuildID, "channel_id", ic.ChannelID, "command", data.Name, "user_id", userID)
		handler(discordpkg.SlashCommandEvent{
			GuildID:     ic.GuildID,
			ChannelID:   ic.ChannelID,
			CommandName: data.Name,
			UserID:      userID,
			Options:     stringOptions(data.Options),
			RespondEphemeral: func(content string) error {
				slog.Info("responding to slash interaction", "command", data.Name, "guild_id", ic.GuildID, "channel_id", ic.ChannelID, "user_id", userID)
				return s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
					Type: discordgo.InteractionResponseChannelMessageWithSource,
					Data: &discordgo.InteractionResponseData{
						Content: content,
						Flags:   discordgo.MessageFlagsEphemeral,
					},
				})
			},
		})
	})
}

func stringOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]string {
	out := make(map[string]string, len(opts))
	for _, opt := range opts {
		if opt == nil || opt.Type != discordgo.ApplicationCommandOptionString {
			continue
		}
		out[opt.Name] = opt.StringValue()
	}
	return out
}

func (c *Client) UpsertGuildSlashCommands(guildID string, defs []discordpkg.SlashCommandDefinition) error {
	appID := c.applicationID()
	if appID == "" {
		return fmt.Errorf("discord application id is not available")
	}
	existing, err := c.session.ApplicationCommands(appID, guildID)
	if err != nil {
		return err
	}
	existingByName := make(map[string]*discordgo.ApplicationCommand, len(existing))
	for _, cmd := range existing {
		if cmd == nil || cmd.Name == "" {
			continue
		}
		existingByName[cmd.Name] = cmd
	}
	for _, def := range defs {
		if err := c.upsertGuildSlashCommand(appID, guildID, def, existingByName); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) upsertGuildSlashCommand(appID, guildID string, def discordpkg.SlashCommandDefinition, existingByName map[string]*discordgo.ApplicationCommand) error {
	if def.Name == "" {
		return nil
	}
	payload := &discordgo.ApplicationCommand{
		Name:        def.Name,
		Description: def.Description,
		Options:     commandOptions(def.Options),
	}
	cmd, ok := existingByName[def.Name]
	if !ok {
		_, err := c.session.ApplicationCommandCreate(appID, guildID, payload)
		return err
	}
	if cmd.Description == def.Description && sameOptions(cmd.Options, payload.Options) {
		return nil
	}
	_, err := c.session.ApplicationCommandEdit(appID, guildID, cmd.ID, payload)
	return err
}

func commandOptions(defs []discordpkg.SlashCommandOption) []*discordgo.ApplicationCommandOption {
	if len(defs) == 0 {
		return nil
	}
	opts := make([]*discordgo.ApplicationCommandOption, 0, len(defs))
	for _, def := range defs {
		opts = append(opts, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        def.Name,
			Description: def.Description,
			Required:    def.Required,
		})
	}
	return opts
}

func sameOptions(a, b []*discordgo.ApplicationCommandOption) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Description != b[i].Description || a[i].Required != b[i].Required || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

func (c *Client) GetUserVoiceChannelID(guildID, userID string) (string, error) {
	if c.session == nil {
		return "", nil
	}
	if c.session.State != nil {
		if vs, err := c.session.State.VoiceState(guildID, userID); err == nil && vs != nil {
			return vs.ChannelID, nil
		}
	}

	// The state cache is cold right after startup.
	vs, err := c.session.UserVoiceState(guildID, userID)
	if err != nil {
		if isRESTNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if vs == nil {
		return "", nil
	}
	return vs.ChannelID, nil
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == http.StatusNotFound
}

func (c *Client) ListVoiceChannelParticipants(guildID, channelID string) ([]discordpkg.VoiceParticipant, error) {
	if c.session == nil || c.session.State == nil {
		return nil, nil
	}
	guild, err := c.session.State.Guild(guildID)
	if err != nil || guild == nil {
		return nil, nil
	}
	var participants []discordpkg.VoiceParticipant
	for _, state := range guild.VoiceStates {
		if state == nil || state.ChannelID != channelID || state.UserID == "" {
			continue
		}
		participants = append(participants, discordpkg.VoiceParticipant{
			UserID: state.UserID,
			IsBot:  c.userIsBot(guildID, state),
		})
	}
	return participants, nil
}

func (c *Client) GetBotUserID() (string, error) {
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	if c.session == nil {
		return "", fmt.Errorf("discord session is not initialized")
	}
	if c.session.State != nil && c.session.State.User != nil && c.session.State.User.ID != "" {
		c.botUserID = c.session.State.User.ID
		return c.botUserID, nil
	}
	u, err := c.session.User("@me")
	if err != nil {
		return "", err
	}
	c.botUserID = u.ID
	return c.botUserID, nil
}

// userIsBot reads the bot flag from the voice state member, then the cached
// guild member, then the user API. Lookup failures count as human.
func (c *Client) userIsBot(guildID string, state *discordgo.VoiceState) bool {
	if state.Member != nil && state.Member.User != nil {
		return state.Member.User.Bot
	}
	if c.session.State != nil {
		if c.session.State.User != nil && c.session.State.User.ID == state.UserID {
			return true
		}
		if member, err := c.session.State.Member(guildID, state.UserID); err == nil && member.User != nil {
			return member.User.Bot
		}
	}
	u, err := c.session.User(state.UserID)
	if err != nil {
		slog.Debug("failed to resolve user for bot flag", "error", err, "user_id", state.UserID)
		return false
	}
	return u.Bot
}

func (c *Client) applicationID() string {
	if c.session == nil || c.session.State == nil {
		return ""
	}
	if c.session.State.Application != nil && c.session.State.Application.ID != "" {
		return c.session.State.Application.ID
	}
	if c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

type voiceConnectionImpl struct {
	vc *discordgo.VoiceConnection
}

func (v *voiceConnectionImpl) Disconnect() error {
	return v.vc.Disconnect()
}

func (v *voiceConnectionImpl) ReceiveAudio(callback func(userID string, opusPacket []byte)) {
	if v.vc.OpusRecv == nil {
		return
	}
	ssrcToUser := make(map[uint32]string)
	var mu sync.RWMutex
	v.vc.AddHandler(func(vc *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		mu.Lock()
		if vs.Speaking {
			ssrcToUser[uint32(vs.SSRC)] = vs.UserID
		}
		mu.Unlock()
	})
	for p := range v.vc.OpusRecv {
		if p == nil || len(p.Opus) == 0 {
			continue
		}
		mu.RLock()
		userID := ssrcToUser[p.SSRC]
		mu.RUnlock()
		if userID == "" {
			// Speaker not announced yet; the packet cannot be attributed.
			continue
		}
		callback(userID, p.Opus)
	}
}
