package discord

import "context"

type FileMessage struct {
	ChannelID   string
	Content     string
	Filename    string
	ContentType string
	FileBody    []byte
}

type SlashCommandOption struct {
	Name        string
	Description string
	Required    bool
}

type SlashCommandDefinition struct {
	Name        string
	Description string
	Options     []SlashCommandOption
}

type SlashCommandEvent struct {
	GuildID          string
	ChannelID        string
	CommandName      string
	UserID           string
	Options          map[string]string
	RespondEphemeral func(content string) error
}

type VoiceStateEvent struct {
	GuildID         string
	UserID          string
	UserIsBot       bool
	BeforeChannelID string
	AfterChannelID  string
}

type VoiceParticipant struct {
	UserID string
	IsBot  bool
}

type Client interface {
	Connect(ctx context.Context) error
	Close() error
	JoinVoiceChannel(guildID, channelID string) (VoiceConnection, error)
	SendChannelMessage(channelID, content string) error
	SendChannelMessageWithFile(msg FileMessage) error
	RegisterVoiceStateUpdateHandler(handler func(VoiceStateEvent))
	RegisterSlashCommandHandler(handler func(SlashCommandEvent))
	UpsertGuildSlashCommands(guildID string, defs []SlashCommandDefinition) error
	GetUserVoiceChannelID(guildID, userID string) (string, error)
	ListVoiceChannelParticipants(guildID, channelID string) ([]VoiceParticipant, error)
	GetBotUserID() (string, error)
}

// VoiceConnection delivers per-speaker opus packets. ReceiveAudio blocks until
// the connection stops receiving.
type VoiceConnection interface {
	Disconnect() error
	ReceiveAudio(callback func(userID string, opusPacket []byte))
}
