package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
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
	"github.com/foxseedlab/livecaption/internal/webhook"
)

type mockRepository struct {
	mu          sync.Mutex
	createCount int
	sessions    map[string]*repository.Session
	transcripts []repository.Transcript
	completed   []string
	listErr     error
}

func newMockRepository() *mockRepository {
	return &mockRepository{sessions: make(map[string]*repository.Session)}
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCount++
	startedAt := input.StartedAt
	s := &repository.Session{
		ID:        fmt.Sprintf("session-%d", m.createCount),
		RoomID:    input.RoomID,
		GuildID:   input.GuildID,
		ChannelID: input.ChannelID,
		StartedAt: &startedAt,
		Status:    repository.SessionStatusRunning,
		Version:   1,
		Delivery:  repository.DeliveryCursor{LastUploadedSegment: repository.NoUploadedSegment},
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *mockRepository) GetSession(_ context.Context, sessionID string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mockRepository) UpdateSessionCompleted(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, input.SessionID)
	if s, ok := m.sessions[input.SessionID]; ok {
		s.Status = repository.SessionStatusCompleted
	}
	return nil
}

func (m *mockRepository) GetRunningSessionByChannel(_ context.Context, guildID, channelID string) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.GuildID == guildID && s.ChannelID == channelID && s.Status == repository.SessionStatusRunning {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *mockRepository) UpdateDeliveryCursor(_ context.Context, input repository.UpdateDeliveryCursorInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[input.SessionID]
	if !ok {
		return repository.ErrSessionNotFound
	}
	s.Delivery.LastUploadedSegment = max(s.Delivery.LastUploadedSegment, input.LastUploadedSegment)
	s.Delivery.PublishedURLs = input.PublishedURLs
	return nil
}

func (m *mockRepository) InsertTranscript(_ context.Context, input repository.InsertTranscriptInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts = append(m.transcripts, repository.Transcript{
		SessionID:           input.SessionID,
		RoomID:              input.RoomID,
		ParticipantIdentity: input.ParticipantIdentity,
		Text:                input.Text,
		Language:            input.Language,
		StartTime:           input.StartTime,
		EndTime:             input.EndTime,
		Duration:            input.Duration,
		SpeakerID:           input.SpeakerID,
		Translations:        input.Translations,
	})
	return nil
}

func (m *mockRepository) ListTranscriptsBySessionID(_ context.Context, sessionID string) ([]repository.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []repository.Transcript
	for _, t := range m.transcripts {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepository) transcriptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transcripts)
}

func (m *mockRepository) completedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.completed...)
}

type mockVoiceConnection struct {
	packets        chan voicePacket
	stop           chan struct{}
	once           sync.Once
	panicOnReceive bool

	mu           sync.Mutex
	disconnected bool
}

type voicePacket struct {
	userID string
	data   []byte
}

func newMockVoiceConnection() *mockVoiceConnection {
	return &mockVoiceConnection{packets: make(chan voicePacket, 16), stop: make(chan struct{})}
}

func (m *mockVoiceConnection) Disconnect() error {
	m.mu.Lock()
	m.disconnected = true
	m.mu.Unlock()
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *mockVoiceConnection) ReceiveAudio(callback func(userID string, opusPacket []byte)) {
	if m.panicOnReceive {
		panic("voice receiver exploded")
	}
	for {
		select {
		case <-m.stop:
			return
		case p := <-m.packets:
			callback(p.userID, p.data)
		}
	}
}

func (m *mockVoiceConnection) isDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

type mockDiscordClient struct {
	mu                   sync.Mutex
	sendCalls            []string
	fileCalls            []discord.FileMessage
	userVoiceChannelByID map[string]string
	participants         []discord.VoiceParticipant
	botUserID            string
	voice                *mockVoiceConnection
	joinGate             chan struct{}
	joins                int
}

func (m *mockDiscordClient) Connect(_ context.Context) error { return nil }
func (m *mockDiscordClient) Close() error                    { return nil }
func (m *mockDiscordClient) JoinVoiceChannel(_, _ string) (discord.VoiceConnection, error) {
	m.mu.Lock()
	m.joins++
	gate := m.joinGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.voice == nil {
		m.voice = newMockVoiceConnection()
	}
	return m.voice, nil
}
func (m *mockDiscordClient) SendChannelMessage(_ string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls = append(m.sendCalls, content)
	return nil
}
func (m *mockDiscordClient) SendChannelMessageWithFile(msg discord.FileMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileCalls = append(m.fileCalls, msg)
	return nil
}
func (m *mockDiscordClient) RegisterVoiceStateUpdateHandler(_ func(discord.VoiceStateEvent)) {}
func (m *mockDiscordClient) RegisterSlashCommandHandler(_ func(discord.SlashCommandEvent))   {}
func (m *mockDiscordClient) UpsertGuildSlashCommands(_ string, _ []discord.SlashCommandDefinition) error {
	return nil
}
func (m *mockDiscordClient) GetUserVoiceChannelID(_, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userVoiceChannelByID[userID], nil
}
func (m *mockDiscordClient) ListVoiceChannelParticipants(_, _ string) ([]discord.VoiceParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discord.VoiceParticipant(nil), m.participants...), nil
}
func (m *mockDiscordClient) GetBotUserID() (string, error) {
	if m.botUserID != "" {
		return m.botUserID, nil
	}
	return "bot-self", nil
}

func (m *mockDiscordClient) joinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joins
}

func (m *mockDiscordClient) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sendCalls...)
}

func (m *mockDiscordClient) files() []discord.FileMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discord.FileMessage(nil), m.fileCalls...)
}

// echoRecognizer finalizes "hello" after the first frame of each stream.
type echoRecognizer struct {
	mu      sync.Mutex
	configs []recognizer.Config
}

func (r *echoRecognizer) StartStream(_ context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
	return &echoStream{events: make(chan recognizer.Event, 8)}, nil
}

func (r *echoRecognizer) languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	langs := make([]string, 0, len(r.configs))
	for _, cfg := range r.configs {
		langs = append(langs, cfg.Language)
	}
	return langs
}

type echoStream struct {
	mu     sync.Mutex
	events chan recognizer.Event
	frames int
	ended  bool
}

func (s *echoStream) PushFrame(_ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.frames == 1 && !s.ended {
		s.events <- recognizer.Event{Type: recognizer.EventFinal, Text: "hello", Duration: 500 * time.Millisecond}
	}
	return nil
}

func (s *echoStream) EndInput() error { return s.Close() }

func (s *echoStream) Events() <-chan recognizer.Event { return s.events }

func (s *echoStream) Err() error { return nil }

func (s *echoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

type mockWebhookSender struct {
	mu       sync.Mutex
	payloads []webhook.SessionCompletedPayload
}

func (m *mockWebhookSender) SendSessionCompleted(_ context.Context, payload webhook.SessionCompletedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockWebhookSender) sent() []webhook.SessionCompletedPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhook.SessionCompletedPayload(nil), m.payloads...)
}

type mockPublisher struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockPublisher) PublishSession(_ context.Context, sessionID string) (delivery.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sessionID)
	return delivery.Result{}, nil
}

func (m *mockPublisher) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type recordingRooms struct {
	mu       sync.Mutex
	payloads map[string]int
}

func (r *recordingRooms) Room(roomID string) room.Broadcaster {
	return roomSink{rooms: r, roomID: roomID}
}

func (r *recordingRooms) count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[roomID]
}

type roomSink struct {
	rooms  *recordingRooms
	roomID string
}

func (s roomSink) PublishData(_ context.Context, _ string, _ []byte) error {
	s.rooms.mu.Lock()
	defer s.rooms.mu.Unlock()
	if s.rooms.payloads == nil {
		s.rooms.payloads = make(map[string]int)
	}
	s.rooms.payloads[s.roomID]++
	return nil
}

type testHarness struct {
	manager   *Manager
	repo      *mockRepository
	dc        *mockDiscordClient
	rec       *echoRecognizer
	webhook   *mockWebhookSender
	publisher *mockPublisher
	rooms     *recordingRooms
	registry  *registry.Memory
}

func newTestHarness() *testHarness {
	h := &testHarness{
		repo: newMockRepository(),
		dc: &mockDiscordClient{
			botUserID:            "bot-self",
			userVoiceChannelByID: map[string]string{"user-1": "vc-1"},
			participants: []discord.VoiceParticipant{
				{UserID: "user-1"},
				{UserID: "bot-self", IsBot: true},
			},
		},
		rec:       &echoRecognizer{},
		webhook:   &mockWebhookSender{},
		publisher: &mockPublisher{},
		rooms:     &recordingRooms{},
		registry:  registry.NewMemory(),
	}
	cfg := &config.Config{
		Env:                       "test",
		DiscordGuildID:            "guild-1",
		DiscordAutoCaptionVC:      "vc-1",
		DefaultSTTEngine:          "fake",
		DefaultTranscribeLanguage: "ja-JP",
		CaptionSegmentDurationSec: caption.DefaultSegmentDuration,
		CaptionMaxSegments:        caption.DefaultMaxSegments,
	}
	h.manager = NewManager(Dependencies{
		Config:     cfg,
		Repository: h.repo,
		Discord:    h.dc,
		Recognizer: h.rec,
		Defaults: recognizer.Defaults{
			Engine:   "fake",
			Models:   map[string]string{"fake": "m1"},
			Language: "ja-JP",
		},
		Registry:     h.registry,
		Publisher:    h.publisher,
		Broadcasters: h.rooms,
		Webhook:      h.webhook,
		NewSource: func(string) audio.PacketSource {
			return audio.NewQueueSource(func(p []byte) ([]byte, error) { return p, nil }, 16)
		},
	})
	h.manager.SetBotUserID("bot-self")
	return h
}

func (h *testHarness) slash(command, userID string, options map[string]string) string {
	var got string
	h.manager.HandleSlashCommand(discord.SlashCommandEvent{
		GuildID:     "guild-1",
		CommandName: command,
		UserID:      userID,
		Options:     options,
		RespondEphemeral: func(content string) error {
			got = content
			return nil
		},
	})
	return got
}

func (h *testHarness) activeAgents(t *testing.T) int {
	t.Helper()
	agents, err := h.registry.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	return len(agents)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestHandleVoiceStateUpdate_IgnoresOtherGuild(t *testing.T) {
	h := newTestHarness()
	h.manager.cfg.DiscordAutoCaption = true

	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{
		GuildID:        "guild-2",
		AfterChannelID: "vc-1",
		UserID:         "user-1",
	})

	if h.repo.createCount != 0 {
		t.Fatalf("expected no sessions, got %d", h.repo.createCount)
	}
	if len(h.dc.sent()) != 0 {
		t.Fatalf("expected no discord calls, got %v", h.dc.sent())
	}
}

func TestHandleSlashCommand_WrongGuild(t *testing.T) {
	h := newTestHarness()
	var got string
	h.manager.HandleSlashCommand(discord.SlashCommandEvent{
		GuildID:          "guild-2",
		CommandName:      commandCaption,
		UserID:           "user-1",
		RespondEphemeral: func(content string) error { got = content; return nil },
	})
	if got != messageEphemeralWrongGuild {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestHandleSlashCommand_StartRequiresVC(t *testing.T) {
	h := newTestHarness()

	got := h.slash(commandCaption, "user-2", nil)
	if got != messageEphemeralJoinVCFirst {
		t.Fatalf("unexpected response: %q", got)
	}
	if h.repo.createCount != 0 {
		t.Fatal("expected no session to be created")
	}
}

func TestHandleSlashCommand_StopReturnsNotRunning(t *testing.T) {
	h := newTestHarness()

	if got := h.slash(commandCaptionStop, "user-1", nil); got != messageEphemeralNotRunning {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestHandleSlashCommand_UnknownCommand(t *testing.T) {
	h := newTestHarness()

	if got := h.slash("mystery", "user-1", nil); got != messageEphemeralUnknownCommand {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestHandleSlashCommand_StartAndStopSuccess(t *testing.T) {
	h := newTestHarness()

	startResp := h.slash(commandCaption, "user-1", nil)
	if startResp != ":closed_caption: <#vc-1> **のライブ字幕を開始しました。**\n-# ボイスチャンネルのチャットに字幕が表示されます。\n-# /caption-stop コマンドで中止できます。" {
		t.Fatalf("unexpected start response: %q", startResp)
	}
	if !h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected running session after start command")
	}
	if h.activeAgents(t) != 1 {
		t.Fatal("expected session registered for delivery")
	}
	if got := h.slash(commandCaption, "user-1", nil); got != messageEphemeralAlreadyRunning {
		t.Fatalf("expected already running response, got %q", got)
	}

	stopResp := h.slash(commandCaptionStop, "user-1", nil)
	if stopResp != ":pause_button:  <#vc-1> **のライブ字幕を中止しました。**\n-# /caption コマンドで開始できます。" {
		t.Fatalf("unexpected stop response: %q", stopResp)
	}
	if h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected session to stop after stop command")
	}
	h.manager.finalizing.Wait()

	if !h.dc.voice.isDisconnected() {
		t.Fatal("expected voice to be disconnected")
	}
	if h.activeAgents(t) != 0 {
		t.Fatal("expected session unregistered after stop")
	}
	sent := h.dc.sent()
	want := messageStopChannelTitle + "\n" + stopReasonDetail(stopReasonManualSlash) + "\n-# " + messageStopRestart
	if !contains(sent, want) {
		t.Fatalf("expected stop channel message, got %v", sent)
	}
}

func TestSession_CaptionsFlowFromVoiceToFinalize(t *testing.T) {
	h := newTestHarness()
	h.slash(commandCaption, "user-1", nil)

	h.dc.voice.packets <- voicePacket{userID: "bot-self", data: []byte{9}}
	h.dc.voice.packets <- voicePacket{userID: "user-1", data: []byte{1, 2, 3}}
	waitUntil(t, 2*time.Second, func() bool {
		return h.repo.transcriptCount() == 1 && h.rooms.count("vc-1") == 1 && contains(h.dc.sent(), "<@user-1>: hello")
	}, "expected the final to be persisted and broadcast")

	if _, err := h.manager.stopSession("guild-1", "vc-1", stopReasonManualSlash); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	h.manager.finalizing.Wait()

	if got := h.publisher.published(); len(got) != 1 || got[0] != "session-1" {
		t.Fatalf("expected one final publish, got %v", got)
	}
	files := h.dc.files()
	if len(files) != 1 {
		t.Fatalf("expected one attachment, got %d", len(files))
	}
	if files[0].Filename != "captions-session-1.vtt" || files[0].ContentType != caption.SegmentContentType {
		t.Fatalf("unexpected attachment: %+v", files[0])
	}
	body := string(files[0].FileBody)
	if !strings.HasPrefix(body, "WEBVTT\n\n1\n") || !strings.Contains(body, "\nhello\n") {
		t.Fatalf("unexpected captions body: %q", body)
	}
	if got := h.repo.completedIDs(); len(got) != 1 || got[0] != "session-1" {
		t.Fatalf("expected session completed, got %v", got)
	}
	payloads := h.webhook.sent()
	if len(payloads) != 1 || payloads[0].TranscriptCount != 1 || payloads[0].Transcripts[0].ParticipantIdentity != "user-1" {
		t.Fatalf("unexpected webhook payloads: %+v", payloads)
	}
	if got := h.rec.languages(); len(got) != 1 || got[0] != "ja-JP" {
		t.Fatalf("expected one stream in the default language, got %v", got)
	}
}

func TestHandleVoiceStateUpdate_BotRemovedStopsSession(t *testing.T) {
	h := newTestHarness()
	h.slash(commandCaption, "user-1", nil)

	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{
		GuildID:         "guild-1",
		UserID:          "bot-self",
		UserIsBot:       true,
		BeforeChannelID: "vc-1",
	})
	if h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected session to stop when bot is removed")
	}
	h.manager.finalizing.Wait()

	want := messageStopChannelTitle + "\n" + stopReasonDetail(stopReasonBotRemoved) + "\n-# " + messageStopRestart
	if !contains(h.dc.sent(), want) {
		t.Fatalf("expected bot removed message, got %v", h.dc.sent())
	}
}

func TestHandleVoiceStateUpdate_StopsWhenOnlyBotsRemain(t *testing.T) {
	h := newTestHarness()
	h.dc.participants = append(h.dc.participants, discord.VoiceParticipant{UserID: "music-bot", IsBot: true})
	h.slash(commandCaption, "user-1", nil)

	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{
		GuildID:         "guild-1",
		UserID:          "user-1",
		BeforeChannelID: "vc-1",
	})
	if h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected session to stop when only bots remain")
	}
	h.manager.finalizing.Wait()
}

func TestHandleVoiceStateUpdate_KeepsRunningWhileHumansRemain(t *testing.T) {
	h := newTestHarness()
	h.dc.participants = append(h.dc.participants, discord.VoiceParticipant{UserID: "user-2"})
	h.slash(commandCaption, "user-1", nil)

	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{
		GuildID:         "guild-1",
		UserID:          "user-1",
		BeforeChannelID: "vc-1",
		AfterChannelID:  "vc-2",
	})
	if !h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected session to keep running")
	}
	h.manager.StopAllSessions(stopReasonServerClosed)
	h.manager.finalizing.Wait()
}

func TestHandleVoiceStateUpdate_TracksLeaveWhenBeforeChannelIsUnknown(t *testing.T) {
	h := newTestHarness()
	h.slash(commandCaption, "user-1", nil)

	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{
		GuildID: "guild-1",
		UserID:  "user-1",
	})
	if h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected session to stop after unknown-channel leave event")
	}
	h.manager.finalizing.Wait()
}

func TestHandleVoiceStateUpdate_AutoCaptionStartsOnJoin(t *testing.T) {
	h := newTestHarness()
	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{GuildID: "guild-1", UserID: "user-1", AfterChannelID: "vc-1"})
	if h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected no auto start while disabled")
	}

	h.manager.cfg.DiscordAutoCaption = true
	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{GuildID: "guild-1", UserID: "user-1", AfterChannelID: "vc-2"})
	if h.manager.isSessionRunning("guild-1", "vc-2") {
		t.Fatal("expected no auto start outside the configured channel")
	}
	h.manager.HandleVoiceStateUpdate(discord.VoiceStateEvent{GuildID: "guild-1", UserID: "user-1", AfterChannelID: "vc-1"})
	if !h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected auto start in the configured channel")
	}
	if err := h.manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestStartSession_CompletesOrphanSession(t *testing.T) {
	h := newTestHarness()
	orphan, _ := h.repo.CreateSession(context.Background(), repository.CreateSessionInput{RoomID: "vc-1", GuildID: "guild-1", ChannelID: "vc-1", StartedAt: time.Now()})

	h.slash(commandCaption, "user-1", nil)
	if got := h.repo.completedIDs(); len(got) != 1 || got[0] != orphan.ID {
		t.Fatalf("expected orphan completed, got %v", got)
	}
	if !h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected new session to run")
	}
	h.manager.StopAllSessions(stopReasonServerClosed)
	h.manager.finalizing.Wait()
}

func TestStopAllSessions_CountsStopped(t *testing.T) {
	h := newTestHarness()
	h.dc.userVoiceChannelByID["user-2"] = "vc-2"
	h.slash(commandCaption, "user-1", nil)
	h.dc.voice = nil
	h.slash(commandCaption, "user-2", nil)

	if got := h.manager.StopAllSessions(stopReasonServerClosed); got != 2 {
		t.Fatalf("expected two stopped sessions, got %d", got)
	}
	if got := h.manager.StopAllSessions(stopReasonServerClosed); got != 0 {
		t.Fatalf("expected nothing left to stop, got %d", got)
	}
	h.manager.finalizing.Wait()
	if got := h.repo.completedIDs(); len(got) != 2 {
		t.Fatalf("expected both sessions completed, got %v", got)
	}
}

func TestShutdown_HonorsContext(t *testing.T) {
	h := newTestHarness()
	h.manager.finalizing.Add(1)
	defer h.manager.finalizing.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.manager.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRunSessionWorker_PanicStopsSession(t *testing.T) {
	h := newTestHarness()
	h.dc.voice = newMockVoiceConnection()
	h.dc.voice.panicOnReceive = true

	h.slash(commandCaption, "user-1", nil)
	waitUntil(t, time.Second, func() bool {
		return !h.manager.isSessionRunning("guild-1", "vc-1")
	}, "expected panicking worker to stop the session")
	h.manager.finalizing.Wait()

	want := messageStopChannelTitle + "\n" + stopReasonDetail(stopReasonUnknownError) + "\n-# " + messageStopRestartAgain
	if !contains(h.dc.sent(), want) {
		t.Fatalf("expected unknown error stop message, got %v", h.dc.sent())
	}
}

func TestFinalizeSession_ContinuesWhenTranscriptListFails(t *testing.T) {
	h := newTestHarness()
	h.repo.listErr = errors.New("db down")
	h.slash(commandCaption, "user-1", nil)

	if _, err := h.manager.stopSession("guild-1", "vc-1", stopReasonManualSlash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.manager.finalizing.Wait()

	files := h.dc.files()
	if len(files) != 1 || string(files[0].FileBody) != "WEBVTT\n" {
		t.Fatalf("expected an empty captions attachment, got %+v", files)
	}
	if len(h.repo.completedIDs()) != 1 {
		t.Fatal("expected session completed despite list failure")
	}
	if payloads := h.webhook.sent(); len(payloads) != 1 || payloads[0].TranscriptCount != 0 {
		t.Fatalf("expected an empty webhook payload, got %+v", payloads)
	}
}

func TestHandleSlashCommand_LanguageStoredAndApplied(t *testing.T) {
	h := newTestHarness()

	if got := h.slash(commandCaptionLanguage, "user-1", map[string]string{optionLanguage: " "}); got != messageEphemeralLanguageRequired {
		t.Fatalf("unexpected response: %q", got)
	}

	h.dc.userVoiceChannelByID["user-1"] = ""
	got := h.slash(commandCaptionLanguage, "user-1", map[string]string{optionLanguage: "en-US"})
	if got != languageEphemeralTitle("en-US")+"\n"+messageLanguageStoredHint {
		t.Fatalf("unexpected stored response: %q", got)
	}

	h.dc.userVoiceChannelByID["user-1"] = "vc-1"
	h.slash(commandCaption, "user-1", nil)
	h.dc.voice.packets <- voicePacket{userID: "user-1", data: []byte{1}}
	waitUntil(t, 2*time.Second, func() bool {
		langs := h.rec.languages()
		return len(langs) == 1 && langs[0] == "en-US"
	}, "expected stored preference to apply on start")

	got = h.slash(commandCaptionLanguage, "user-1", map[string]string{optionLanguage: "fr-FR"})
	if got != languageEphemeralTitle("fr-FR")+"\n"+messageLanguageAppliedHint {
		t.Fatalf("unexpected applied response: %q", got)
	}
	waitUntil(t, 2*time.Second, func() bool {
		langs := h.rec.languages()
		return len(langs) == 2 && langs[1] == "fr-FR"
	}, "expected running worker restarted with new language")

	h.manager.StopAllSessions(stopReasonServerClosed)
	h.manager.finalizing.Wait()
}

func TestSlashCommandDefinitions_LanguageOptionRequired(t *testing.T) {
	defs := SlashCommandDefinitions()
	if len(defs) != 3 {
		t.Fatalf("expected three commands, got %d", len(defs))
	}
	lang := defs[2]
	if lang.Name != commandCaptionLanguage || len(lang.Options) != 1 || !lang.Options[0].Required || lang.Options[0].Name != optionLanguage {
		t.Fatalf("unexpected language command: %+v", lang)
	}
}

func TestStartSession_ConcurrentStartsJoinOnce(t *testing.T) {
	h := newTestHarness()
	gate := make(chan struct{})
	h.dc.joinGate = gate

	first := make(chan error, 1)
	go func() { first <- h.manager.startSession("guild-1", "vc-1", "user-1") }()
	waitUntil(t, time.Second, func() bool { return h.dc.joinCount() == 1 }, "expected first start to reach voice join")

	if err := h.manager.startSession("guild-1", "vc-1", "user-2"); !errors.Is(err, errAlreadyRunning) {
		t.Fatalf("expected second start to be rejected while the first is joining, got %v", err)
	}
	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("unexpected first start error: %v", err)
	}

	if h.dc.joinCount() != 1 {
		t.Fatalf("expected one voice join, got %d", h.dc.joinCount())
	}
	h.repo.mu.Lock()
	created := h.repo.createCount
	h.repo.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected one repository session, got %d", created)
	}
	if h.dc.voice.isDisconnected() {
		t.Fatal("expected the running session to keep its voice connection")
	}
	if !h.manager.isSessionRunning("guild-1", "vc-1") {
		t.Fatal("expected the first start to win")
	}

	h.manager.StopAllSessions(stopReasonManualSlash)
	h.manager.finalizing.Wait()
	if err := h.manager.startSession("guild-1", "vc-1", "user-1"); err != nil {
		t.Fatalf("expected restart after stop, got %v", err)
	}
}

func TestSession_SpeakerTrackReopensAfterWorkerEnds(t *testing.T) {
	h := newTestHarness()
	h.slash(commandCaption, "user-1", nil)
	rs := h.manager.runningSessionFor("guild-1", "vc-1")

	h.dc.voice.packets <- voicePacket{userID: "user-1", data: []byte{1}}
	waitUntil(t, 2*time.Second, func() bool { return h.repo.transcriptCount() == 1 }, "expected first track to produce a final")

	rs.sourcesMu.Lock()
	src := rs.sources["user-1"]
	rs.sourcesMu.Unlock()
	if src == nil {
		t.Fatal("expected an open source for the speaker")
	}
	src.Close()
	waitUntil(t, 2*time.Second, func() bool {
		rs.sourcesMu.Lock()
		defer rs.sourcesMu.Unlock()
		_, ok := rs.sources["user-1"]
		return !ok
	}, "expected ended track to be released")

	h.dc.voice.packets <- voicePacket{userID: "user-1", data: []byte{2}}
	waitUntil(t, 2*time.Second, func() bool {
		return len(h.rec.languages()) == 2 && h.repo.transcriptCount() == 2
	}, "expected a new worker on the next packet")

	h.manager.StopAllSessions(stopReasonManualSlash)
	h.manager.finalizing.Wait()
}
