package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/caption"
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/delivery"
	"github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/room"
	"github.com/foxseedlab/livecaption/internal/speaker"
	"github.com/foxseedlab/livecaption/internal/transcript"
	"github.com/foxseedlab/livecaption/internal/translator"
	"github.com/foxseedlab/livecaption/internal/webhook"
)

const (
	stopReasonManualSlash      = "manual_slash"
	stopReasonParticipantsLeft = "participants_left"
	stopReasonBotRemoved       = "bot_removed"
	stopReasonServerClosed     = "server_closed"
	stopReasonUnknownError     = "unknown_error"

	finalizeTimeout = 2 * time.Minute
)

var errAlreadyRunning = errors.New("caption session already running in channel")

// RoomBroadcasters hands out a broadcaster for the live viewers of one room.
type RoomBroadcasters interface {
	Room(roomID string) room.Broadcaster
}

type Dependencies struct {
	Config         *config.Config
	Repository     repository.Repository
	Discord        discord.Client
	Recognizer     recognizer.Recognizer
	Defaults       recognizer.Defaults
	SpeakerConfigs recognizer.SpeakerConfigs
	Translator     translator.Translator
	Registry       registry.Registry
	Publisher      delivery.SessionPublisher
	Broadcasters   RoomBroadcasters
	Webhook        webhook.Sender
	NewSource      audio.SourceFactory
}

type Manager struct {
	cfg            *config.Config
	repo           repository.Repository
	discord        discord.Client
	recognizer     recognizer.Recognizer
	defaults       recognizer.Defaults
	speakerConfigs recognizer.SpeakerConfigs
	translator     translator.Translator
	registry       registry.Registry
	publisher      delivery.SessionPublisher
	broadcasters   RoomBroadcasters
	webhook        webhook.Sender
	newSource      audio.SourceFactory
	now            func() time.Time

	mu          sync.Mutex
	sessions    map[string]*runningSession
	starting    map[string]struct{}
	preferences map[string]string
	botUserID   string
	finalizing  sync.WaitGroup
}

type participantState struct {
	isBot bool
}

type runningSession struct {
	repoSession  *repository.Session
	voice        discord.VoiceConnection
	orchestrator *speaker.Orchestrator
	publish      *transcript.PublishHandler

	activeParticipants map[string]participantState
	allParticipants    map[string]participantState

	sourcesMu     sync.Mutex
	sources       map[string]audio.PacketSource
	sourcesClosed bool
}

func NewManager(deps Dependencies) *Manager {
	return &Manager{
		cfg:            deps.Config,
		repo:           deps.Repository,
		discord:        deps.Discord,
		recognizer:     deps.Recognizer,
		defaults:       deps.Defaults,
		speakerConfigs: deps.SpeakerConfigs,
		translator:     deps.Translator,
		registry:       deps.Registry,
		publisher:      deps.Publisher,
		broadcasters:   deps.Broadcasters,
		webhook:        deps.Webhook,
		newSource:      deps.NewSource,
		now:            time.Now,
		sessions:       make(map[string]*runningSession),
		starting:       make(map[string]struct{}),
		preferences:    make(map[string]string),
	}
}

func (m *Manager) SetBotUserID(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = userID
}

func (m *Manager) sessionKey(guildID, channelID string) string {
	return guildID + ":" + channelID
}

func (m *Manager) isSessionRunning(guildID, channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[m.sessionKey(guildID, channelID)]
	return ok
}

// reserveSession claims key for a start in progress. It fails while the key
// is running or another start holds it.
func (m *Manager) reserveSession(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return false
	}
	if _, ok := m.starting[key]; ok {
		return false
	}
	m.starting[key] = struct{}{}
	return true
}

func (m *Manager) releaseReservation(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.starting, key)
}

func (m *Manager) runningSessionFor(guildID, channelID string) *runningSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[m.sessionKey(guildID, channelID)]
}

func (m *Manager) startSession(guildID, channelID, userID string) error {
	key := m.sessionKey(guildID, channelID)
	slog.Info("start caption session requested", "session_key", key, "guild_id", guildID, "channel_id", channelID, "user_id", userID)
	if !m.reserveSession(key) {
		return errAlreadyRunning
	}
	defer m.releaseReservation(key)

	ctx := context.Background()
	orphan, err := m.repo.GetRunningSessionByChannel(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("query running session: %w", err)
	}
	if orphan != nil {
		slog.Warn("found orphan running session in repository; closing and continuing", "session_id", orphan.ID, "guild_id", guildID, "channel_id", channelID)
		if err := m.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{SessionID: orphan.ID, EndedAt: m.now()}); err != nil {
			return fmt.Errorf("complete orphan session: %w", err)
		}
		if err := m.registry.Unregister(ctx, orphan.ID); err != nil {
			slog.Warn("failed to unregister orphan session", "error", err, "session_id", orphan.ID)
		}
	}

	voice, err := m.discord.JoinVoiceChannel(guildID, channelID)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	slog.Info("joined voice channel", "guild_id", guildID, "channel_id", channelID)

	created, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
		RoomID:    channelID,
		GuildID:   guildID,
		ChannelID: channelID,
		StartedAt: m.now(),
	})
	if err != nil {
		_ = voice.Disconnect()
		return fmt.Errorf("create session: %w", err)
	}

	rs := m.newRunningSession(created, voice)
	m.mu.Lock()
	m.sessions[key] = rs
	m.mu.Unlock()

	agent := registry.Agent{SessionID: created.ID, RoomID: created.RoomID, Status: registry.StatusRunning, StartedAt: m.now()}
	if created.HasStarted() {
		agent.StartedAt = *created.StartedAt
	}
	if err := m.registry.Register(ctx, agent); err != nil {
		slog.Error("failed to register caption agent; delivery will only run at stop", "error", err, "session_id", created.ID)
	}

	m.seedParticipants(rs, guildID, channelID)
	slog.Info("caption session activated", "session_key", key, "session_id", created.ID, "participants", len(rs.activeParticipants))

	if err := m.discord.SendChannelMessage(channelID, m.startChannelMessage()); err != nil {
		slog.Warn("failed to post start message", "error", err, "session_id", created.ID)
	}

	m.runSessionWorker(guildID, channelID, created.ID, "voice_receiver", func() {
		voice.ReceiveAudio(func(userID string, opusPacket []byte) {
			m.routePacket(rs, userID, opusPacket)
		})
	})
	return nil
}

func (m *Manager) newRunningSession(created *repository.Session, voice discord.VoiceConnection) *runningSession {
	publish := transcript.NewPublishHandler()
	chain := transcript.NewChain(
		transcript.NewTranslateHandler(m.translator, m.cfg.TranslationLanguages),
		transcript.NewPersistHandler(m.repo),
		publish,
	)
	pipeline := transcript.NewPipeline(created.ID, created.RoomID, chain)
	rs := &runningSession{
		repoSession:        created,
		voice:              voice,
		publish:            publish,
		activeParticipants: make(map[string]participantState),
		allParticipants:    make(map[string]participantState),
		sources:            make(map[string]audio.PacketSource),
	}
	rs.orchestrator = speaker.NewOrchestrator(speaker.OrchestratorConfig{
		SessionID:      created.ID,
		Recognizer:     m.recognizer,
		Handler:        pipeline,
		Defaults:       m.defaults,
		SpeakerConfigs: m.speakerConfigs,
		OnWorkerEnded:  rs.releaseSource,
	})
	publish.SetBroadcaster(room.Fanout{
		m.broadcasters.Room(created.RoomID),
		newChatBroadcaster(m.discord, created.ChannelID),
	})
	return rs
}

// runSessionWorker runs fn in its own goroutine and stops the session if fn
// panics.
func (m *Manager) runSessionWorker(guildID, channelID, sessionID, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("session worker panicked", "worker", name, "session_id", sessionID, "panic", r)
				if _, err := m.stopSession(guildID, channelID, stopReasonUnknownError); err != nil {
					slog.Error("failed to stop session after panic", "error", err, "session_id", sessionID)
				}
			}
		}()
		fn()
	}()
}

func (m *Manager) stopSession(guildID, channelID, reason string) (bool, error) {
	key := m.sessionKey(guildID, channelID)
	m.mu.Lock()
	rs, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	slog.Info("stopping caption session", "session_id", rs.repoSession.ID, "channel_id", channelID, "reason", reason)
	rs.closeSources()
	if rs.voice != nil {
		if err := rs.voice.Disconnect(); err != nil {
			slog.Warn("failed to disconnect voice", "error", err, "session_id", rs.repoSession.ID)
		}
	}
	if err := m.discord.SendChannelMessage(channelID, m.stopChannelMessage(reason)); err != nil {
		slog.Warn("failed to post stop message", "error", err, "session_id", rs.repoSession.ID)
	}

	m.finalizing.Add(1)
	go func() {
		defer m.finalizing.Done()
		m.finalizeSession(rs, channelID)
	}()
	return true, nil
}

// StopAllSessions stops every running session and returns how many were stopped.
func (m *Manager) StopAllSessions(reason string) int {
	m.mu.Lock()
	targets := make([][2]string, 0, len(m.sessions))
	for _, rs := range m.sessions {
		targets = append(targets, [2]string{rs.repoSession.GuildID, rs.repoSession.ChannelID})
	}
	m.mu.Unlock()

	count := 0
	for _, t := range targets {
		stopped, err := m.stopSession(t[0], t[1], reason)
		if err != nil {
			slog.Error("failed to stop session", "error", err, "guild_id", t[0], "channel_id", t[1])
			continue
		}
		if stopped {
			count++
		}
	}
	return count
}

// Shutdown stops all sessions and waits for their finalization or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	stopped := m.StopAllSessions(stopReasonServerClosed)
	slog.Info("stopping all caption sessions", "count", stopped)
	done := make(chan struct{})
	go func() {
		m.finalizing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finalizeSession waits for every worker, then publishes the last segments,
// posts the whole-session captions, and completes the session.
func (m *Manager) finalizeSession(rs *runningSession, channelID string) {
	s := rs.repoSession
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if rs.orchestrator != nil {
		rs.orchestrator.Close()
	}
	if rs.publish != nil {
		rs.publish.ClearBroadcaster()
	}
	if err := m.registry.Unregister(ctx, s.ID); err != nil {
		slog.Warn("failed to unregister caption agent", "error", err, "session_id", s.ID)
	}

	if result, err := m.publisher.PublishSession(ctx, s.ID); err != nil {
		slog.Error("final caption publish failed", "error", err, "session_id", s.ID)
	} else if result.Published() {
		slog.Info("final caption segments published", "session_id", s.ID, "first_segment", result.FirstSegment, "last_segment", result.LastSegment)
	}

	transcripts, err := m.repo.ListTranscriptsBySessionID(ctx, s.ID)
	if err != nil {
		slog.Error("failed to list transcripts; attaching empty captions", "error", err, "session_id", s.ID)
		transcripts = nil
	}
	startedAt := m.now()
	if s.HasStarted() {
		startedAt = *s.StartedAt
	}
	body := caption.RenderFull(transcripts, caption.NewClock(startedAt, m.cfg.CaptionSegmentDurationSec), "")
	if err := m.discord.SendChannelMessageWithFile(discord.FileMessage{
		ChannelID:   channelID,
		Content:     m.transcriptAttachmentMessage(),
		Filename:    captionsFilename(s.ID),
		ContentType: caption.SegmentContentType,
		FileBody:    []byte(body),
	}); err != nil {
		slog.Error("failed to attach captions", "error", err, "session_id", s.ID)
	}

	endedAt := m.now()
	if err := m.repo.UpdateSessionCompleted(ctx, repository.CompleteSessionInput{SessionID: s.ID, EndedAt: endedAt}); err != nil {
		slog.Error("failed to complete session", "error", err, "session_id", s.ID)
	}

	manifestURLs := m.publishedManifestURLs(ctx, s.ID)
	if err := m.webhook.SendSessionCompleted(ctx, buildSessionCompletedPayload(s, endedAt, transcripts, manifestURLs)); err != nil {
		slog.Error("failed to send session webhook", "error", err, "session_id", s.ID)
	}
	slog.Info("caption session finalized", "session_id", s.ID, "transcripts", len(transcripts))
}

func (m *Manager) publishedManifestURLs(ctx context.Context, sessionID string) map[string]string {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to read published urls", "error", err, "session_id", sessionID)
		return nil
	}
	return manifestURLs(sess.Delivery.PublishedURLs)
}

func captionsFilename(sessionID string) string {
	return fmt.Sprintf("captions-%s.vtt", sessionID)
}

func (m *Manager) startChannelMessage() string {
	return messageStartChannelTitle + "\n" + messageStartChannelHint
}

func (m *Manager) stopChannelMessage(reason string) string {
	restart := messageStopRestart
	if stopReasonNeedsRestartAgain(reason) {
		restart = messageStopRestartAgain
	}
	return messageStopChannelTitle + "\n" + stopReasonDetail(reason) + "\n-# " + restart
}

func (m *Manager) transcriptAttachmentMessage() string {
	return messageAttachmentTitle
}

func (m *Manager) startEphemeralMessage(channelID string) string {
	return startEphemeralTitle(channelID) + "\n" + messageStartEphemeralSecondLine + "\n" + messageStartEphemeralHint
}

func (m *Manager) stopEphemeralMessage(channelID string) string {
	return stopEphemeralTitle(channelID) + "\n" + messageStopEphemeralHint
}
