package session

import (
	"errors"
	"log/slog"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/room"
)

func (m *Manager) HandleVoiceStateUpdate(event discord.VoiceStateEvent) {
	slog.Debug("voice state update received", "guild_id", event.GuildID, "user_id", event.UserID, "before_channel_id", event.BeforeChannelID, "after_channel_id", event.AfterChannelID)
	if event.GuildID != m.cfg.DiscordGuildID {
		return
	}
	if event.BeforeChannelID != "" && event.BeforeChannelID == event.AfterChannelID {
		return
	}

	m.mu.Lock()
	botUserID := m.botUserID
	m.mu.Unlock()

	leftChannelID := event.BeforeChannelID
	if leftChannelID == "" && event.AfterChannelID == "" {
		leftChannelID = m.channelOfParticipant(event.GuildID, event.UserID)
	}
	if leftChannelID != "" {
		if event.UserID == botUserID {
			m.stopAfterBotRemoved(event.GuildID, leftChannelID)
		} else {
			m.participantLeft(event.GuildID, leftChannelID, event.UserID)
		}
	}
	if event.AfterChannelID != "" && event.UserID != botUserID {
		m.participantJoined(event.GuildID, event.AfterChannelID, event.UserID, event.UserIsBot)
	}
}

// channelOfParticipant finds the captioned channel a user is active in, for
// leave events that do not carry the previous channel.
func (m *Manager) channelOfParticipant(guildID, userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.sessions {
		if rs.repoSession.GuildID != guildID {
			continue
		}
		if _, ok := rs.activeParticipants[userID]; ok {
			return rs.repoSession.ChannelID
		}
		if userID == m.botUserID {
			return rs.repoSession.ChannelID
		}
	}
	return ""
}

func (m *Manager) stopAfterBotRemoved(guildID, channelID string) {
	if _, err := m.stopSession(guildID, channelID, stopReasonBotRemoved); err != nil {
		slog.Error("failed to stop session after bot removal", "error", err, "channel_id", channelID)
	}
}

func (m *Manager) participantJoined(guildID, channelID, userID string, isBot bool) {
	if rs := m.runningSessionFor(guildID, channelID); rs != nil {
		m.mu.Lock()
		rs.activeParticipants[userID] = participantState{isBot: isBot}
		rs.allParticipants[userID] = participantState{isBot: isBot}
		m.mu.Unlock()
		if !isBot {
			rs.orchestrator.HandleEvent(m.joinEvent(userID))
		}
		return
	}

	if !m.cfg.DiscordAutoCaption || channelID != m.cfg.DiscordAutoCaptionVC || isBot {
		return
	}
	if err := m.startSession(guildID, channelID, userID); err != nil && !errors.Is(err, errAlreadyRunning) {
		slog.Error("failed to auto start caption session", "error", err, "channel_id", channelID)
	}
}

func (m *Manager) participantLeft(guildID, channelID, userID string) {
	rs := m.runningSessionFor(guildID, channelID)
	if rs == nil {
		return
	}
	rs.closeSource(userID)
	rs.orchestrator.HandleEvent(room.Event{Kind: room.ParticipantLeft, Identity: userID})

	m.mu.Lock()
	delete(rs.activeParticipants, userID)
	remaining := rs.countedParticipants()
	m.mu.Unlock()
	if remaining > 0 {
		return
	}
	if _, err := m.stopSession(guildID, channelID, stopReasonParticipantsLeft); err != nil {
		slog.Error("failed to stop session after participants left", "error", err, "channel_id", channelID)
	}
}

// seedParticipants records who was already in the channel when the session
// started, handing each stored language preference to the orchestrator.
func (m *Manager) seedParticipants(rs *runningSession, guildID, channelID string) {
	participants, err := m.discord.ListVoiceChannelParticipants(guildID, channelID)
	if err != nil {
		slog.Warn("failed to list voice participants", "error", err, "channel_id", channelID)
		return
	}
	m.mu.Lock()
	botUserID := m.botUserID
	humans := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.UserID == botUserID {
			continue
		}
		rs.activeParticipants[p.UserID] = participantState{isBot: p.IsBot}
		rs.allParticipants[p.UserID] = participantState{isBot: p.IsBot}
		if !p.IsBot {
			humans = append(humans, p.UserID)
		}
	}
	m.mu.Unlock()
	for _, userID := range humans {
		rs.orchestrator.HandleEvent(m.joinEvent(userID))
	}
}

func (m *Manager) joinEvent(userID string) room.Event {
	ev := room.Event{Kind: room.ParticipantJoined, Identity: userID}
	m.mu.Lock()
	if lang, ok := m.preferences[userID]; ok {
		ev.Attributes = map[string]string{room.LanguageAttribute: lang}
	}
	m.mu.Unlock()
	return ev
}

// routePacket feeds one opus packet into the speaker's source, creating the
// source and announcing its track on the first packet.
func (m *Manager) routePacket(rs *runningSession, userID string, packet []byte) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	botUserID := m.botUserID
	state, known := rs.allParticipants[userID]
	m.mu.Unlock()
	if userID == botUserID || (known && state.isBot) {
		return
	}

	rs.sourcesMu.Lock()
	defer rs.sourcesMu.Unlock()
	if rs.sourcesClosed {
		return
	}
	src, ok := rs.sources[userID]
	if !ok {
		src = m.newSource(userID)
		rs.sources[userID] = src
		rs.orchestrator.HandleEvent(room.Event{
			Kind:     room.TrackSubscribed,
			Identity: userID,
			Source:   room.SourceMicrophone,
			Track:    src,
		})
		slog.Info("speaker audio track opened", "session_id", rs.repoSession.ID, "user_id", userID)
	}
	src.WriteOpusPacket(packet)
}

// countedParticipants reports remaining humans. Callers hold Manager.mu.
func (rs *runningSession) countedParticipants() int {
	n := 0
	for _, p := range rs.activeParticipants {
		if !p.isBot {
			n++
		}
	}
	return n
}

func (rs *runningSession) closeSource(userID string) {
	rs.sourcesMu.Lock()
	defer rs.sourcesMu.Unlock()
	if src, ok := rs.sources[userID]; ok {
		src.Close()
		delete(rs.sources, userID)
	}
}

// releaseSource drops a speaker's source after its worker ended on its own, so
// the next packet opens a fresh track. A source already replaced is kept.
func (rs *runningSession) releaseSource(userID string, track audio.Source) {
	rs.sourcesMu.Lock()
	defer rs.sourcesMu.Unlock()
	src, ok := rs.sources[userID]
	if !ok || audio.Source(src) != track {
		return
	}
	src.Close()
	delete(rs.sources, userID)
	slog.Info("speaker audio track released after worker ended", "session_id", rs.repoSession.ID, "user_id", userID)
}

func (rs *runningSession) closeSources() {
	rs.sourcesMu.Lock()
	defer rs.sourcesMu.Unlock()
	rs.sourcesClosed = true
	for userID, src := range rs.sources {
		src.Close()
		delete(rs.sources, userID)
	}
}
