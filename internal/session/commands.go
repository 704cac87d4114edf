package session

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/room"
)

const (
	commandCaption         = "caption"
	commandCaptionStop     = "caption-stop"
	commandCaptionLanguage = "caption-language"

	optionLanguage = "language"
)

// SlashCommandDefinitions lists the guild commands the bot answers.
func SlashCommandDefinitions() []discord.SlashCommandDefinition {
	return []discord.SlashCommandDefinition{
		{Name: commandCaption, Description: slashCommandStartDescription},
		{Name: commandCaptionStop, Description: slashCommandStopDescription},
		{
			Name:        commandCaptionLanguage,
			Description: slashCommandLanguageDescription,
			Options: []discord.SlashCommandOption{
				{Name: optionLanguage, Description: slashOptionLanguageDescription, Required: true},
			},
		},
	}
}

func (m *Manager) HandleSlashCommand(event discord.SlashCommandEvent) {
	slog.Info("slash command received", "guild_id", event.GuildID, "channel_id", event.ChannelID, "user_id", event.UserID, "command", event.CommandName)
	if event.GuildID != m.cfg.DiscordGuildID {
		m.respondEphemeral(event, messageEphemeralWrongGuild)
		return
	}

	switch event.CommandName {
	case commandCaption:
		m.handleCaptionCommand(event)
	case commandCaptionStop:
		m.handleCaptionStopCommand(event)
	case commandCaptionLanguage:
		m.handleCaptionLanguageCommand(event)
	default:
		m.respondEphemeral(event, messageEphemeralUnknownCommand)
	}
}

func (m *Manager) handleCaptionCommand(event discord.SlashCommandEvent) {
	channelID, ok := m.requireVoiceChannel(event)
	if !ok {
		return
	}
	if err := m.startSession(event.GuildID, channelID, event.UserID); err != nil {
		if errors.Is(err, errAlreadyRunning) {
			m.respondEphemeral(event, messageEphemeralAlreadyRunning)
			return
		}
		slog.Error("failed to start caption session", "error", err, "guild_id", event.GuildID, "channel_id", channelID)
		m.respondEphemeral(event, messageEphemeralStartFailed)
		return
	}
	m.respondEphemeral(event, m.startEphemeralMessage(channelID))
}

func (m *Manager) handleCaptionStopCommand(event discord.SlashCommandEvent) {
	channelID, ok := m.requireVoiceChannel(event)
	if !ok {
		return
	}
	stopped, err := m.stopSession(event.GuildID, channelID, stopReasonManualSlash)
	if err != nil {
		slog.Error("failed to stop caption session", "error", err, "guild_id", event.GuildID, "channel_id", channelID)
		m.respondEphemeral(event, messageEphemeralStopFailed)
		return
	}
	if !stopped {
		m.respondEphemeral(event, messageEphemeralNotRunning)
		return
	}
	m.respondEphemeral(event, m.stopEphemeralMessage(channelID))
}

// handleCaptionLanguageCommand stores the caller's recognition language and
// applies it at once when the caller is in a captioned channel.
func (m *Manager) handleCaptionLanguageCommand(event discord.SlashCommandEvent) {
	language := strings.TrimSpace(event.Options[optionLanguage])
	if language == "" {
		m.respondEphemeral(event, messageEphemeralLanguageRequired)
		return
	}

	m.mu.Lock()
	m.preferences[event.UserID] = language
	m.mu.Unlock()

	applied := false
	channelID, err := m.discord.GetUserVoiceChannelID(event.GuildID, event.UserID)
	if err != nil {
		slog.Warn("failed to resolve voice channel for language change", "error", err, "user_id", event.UserID)
	} else if rs := m.runningSessionFor(event.GuildID, channelID); rs != nil {
		rs.orchestrator.HandleEvent(room.Event{
			Kind:       room.AttributesChanged,
			Identity:   event.UserID,
			Attributes: map[string]string{room.LanguageAttribute: language},
		})
		applied = true
	}

	hint := messageLanguageStoredHint
	if applied {
		hint = messageLanguageAppliedHint
	}
	m.respondEphemeral(event, languageEphemeralTitle(language)+"\n"+hint)
}

func (m *Manager) requireVoiceChannel(event discord.SlashCommandEvent) (string, bool) {
	channelID, err := m.discord.GetUserVoiceChannelID(event.GuildID, event.UserID)
	if err != nil {
		slog.Error("failed to resolve user voice channel", "error", err, "guild_id", event.GuildID, "user_id", event.UserID)
		m.respondEphemeral(event, messageEphemeralVoiceLookupFailed)
		return "", false
	}
	if channelID == "" {
		m.respondEphemeral(event, messageEphemeralJoinVCFirst)
		return "", false
	}
	return channelID, true
}

func (m *Manager) respondEphemeral(event discord.SlashCommandEvent, content string) {
	if event.RespondEphemeral == nil {
		return
	}
	if err := event.RespondEphemeral(content); err != nil {
		slog.Warn("failed to respond to slash command", "error", err, "command", event.CommandName, "user_id", event.UserID)
	}
}
