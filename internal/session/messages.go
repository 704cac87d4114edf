package session

import "fmt"

const (
	slashCommandStartDescription    = "あなたがいるボイスチャンネルでライブ字幕を開始します。"
	slashCommandStopDescription     = "あなたがいるボイスチャンネルのライブ字幕を中止します。"
	slashCommandLanguageDescription = "あなたの音声を認識する言語を設定します。"
	slashOptionLanguageDescription  = "言語コード（例: ja-JP, en-US）"

	messageEphemeralWrongGuild        = ":warning: **このサーバーでは実行できません。**"
	messageEphemeralUnknownCommand    = ":warning: **不明なコマンドです。**"
	messageEphemeralVoiceLookupFailed = ":warning: **ボイスチャンネルの参加状態の確認に失敗しました。**"
	messageEphemeralJoinVCFirst       = ":warning: **ボイスチャンネルに参加してから実行してください。**"
	messageEphemeralAlreadyRunning    = ":warning: **このボイスチャンネルでは既にライブ字幕が実行中です。**"
	messageEphemeralStartFailed       = ":warning: **ライブ字幕の開始に失敗しました。**"
	messageEphemeralStopFailed        = ":warning: **ライブ字幕の停止に失敗しました。**"
	messageEphemeralNotRunning        = ":warning: **現在このボイスチャンネルではライブ字幕は実行されていません。**"
	messageEphemeralLanguageRequired  = ":warning: **言語コードを指定してください。**"

	messageStartChannelTitle = ":closed_caption: **ライブ字幕を開始しました。**"
	messageStartChannelHint  = "-# /caption-stop コマンドで中止できます。/caption-language コマンドで認識言語を変更できます。"

	messageStopChannelTitle = ":pause_button:  **ライブ字幕を中止しました。**"
	messageStopRestart      = "/caption コマンドで開始できます。"
	messageStopRestartAgain = "/caption コマンドで再度開始できます。"

	messageAttachmentTitle = ":page_facing_up:  **字幕ファイル（WebVTT）**"

	messageStartEphemeralTitleFormat    = ":closed_caption: <#%s> **のライブ字幕を開始しました。**"
	messageStopEphemeralTitleFormat     = ":pause_button:  <#%s> **のライブ字幕を中止しました。**"
	messageLanguageEphemeralTitleFormat = ":speech_balloon: **認識言語を `%s` に設定しました。**"

	messageStartEphemeralSecondLine = "-# ボイスチャンネルのチャットに字幕が表示されます。"
	messageStartEphemeralHint       = "-# /caption-stop コマンドで中止できます。"
	messageStopEphemeralHint        = "-# /caption コマンドで開始できます。"
	messageLanguageAppliedHint      = "-# 実行中のライブ字幕にすぐ反映されます。"
	messageLanguageStoredHint       = "-# 次にライブ字幕を開始したときに反映されます。"
)

func startEphemeralTitle(channelID string) string {
	return fmt.Sprintf(messageStartEphemeralTitleFormat, channelID)
}

func stopEphemeralTitle(channelID string) string {
	return fmt.Sprintf(messageStopEphemeralTitleFormat, channelID)
}

func languageEphemeralTitle(language string) string {
	return fmt.Sprintf(messageLanguageEphemeralTitleFormat, language)
}

func stopReasonDetail(reason string) string {
	switch reason {
	case stopReasonManualSlash:
		return "参加者に終了コマンドを実行されました。"
	case stopReasonParticipantsLeft:
		return "ボイスチャットに誰もいなくなりました。"
	case stopReasonBotRemoved:
		return "字幕ボットが退出させられました。"
	case stopReasonServerClosed:
		return "字幕サーバーが閉じられました。"
	default:
		return "不明なエラーが発生しました。"
	}
}

func stopReasonNeedsRestartAgain(reason string) bool {
	switch reason {
	case stopReasonServerClosed, stopReasonUnknownError:
		return true
	default:
		return false
	}
}
