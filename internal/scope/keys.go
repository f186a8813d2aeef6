// Package scope derives the canonical redis keys for per-channel state.
// Every other component goes through these constructors so that a key
// format change stays local to this package.
package scope

import "fmt"

// Scope identifies one guild/channel configuration namespace.
type Scope struct {
	GuildID   string
	ChannelID string
}

func New(guildID, channelID string) Scope {
	return Scope{GuildID: guildID, ChannelID: channelID}
}

func (s Scope) String() string {
	return s.GuildID + "/" + s.ChannelID
}

// SettingsKey holds the channel settings hash (model, prompt, toggles).
func SettingsKey(s Scope) string {
	return fmt.Sprintf("guild:%s:channel:%s:settings", s.GuildID, s.ChannelID)
}

// HistoryKey holds one user's conversation history within a scope.
func HistoryKey(s Scope, userID string) string {
	return fmt.Sprintf("guild:%s:channel:%s:user:%s:history", s.GuildID, s.ChannelID, userID)
}

// HistoryPattern matches every history key under a scope, for SCAN.
func HistoryPattern(s Scope) string {
	return fmt.Sprintf("guild:%s:channel:%s:user:*:history", s.GuildID, s.ChannelID)
}

// BanKey holds the guild's ban hash, one field per banned user.
func BanKey(guildID string) string {
	return fmt.Sprintf("guild:%s:bans", guildID)
}

// WhitelistKey holds the channel's whitelist member set.
func WhitelistKey(s Scope) string {
	return fmt.Sprintf("guild:%s:channel:%s:whitelist", s.GuildID, s.ChannelID)
}
