package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned when a policy cannot be registered.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// LimitType selects which IDs form a bucket's scope key.
type LimitType string

const (
	LimitUser        LimitType = "user"
	LimitChannel     LimitType = "channel"
	LimitGuild       LimitType = "guild"
	LimitGlobal      LimitType = "global"
	LimitUserChannel LimitType = "user_channel"
)

// Policy is a named, static rate-limit rule.
//
// Message may contain {retry_after}, replaced with the wait in seconds (one decimal).
// Adaptive policies shrink their buckets while the paired circuit breaker is degraded.
type Policy struct {
	Name     string        `yaml:"name" json:"name"`
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
	Type     LimitType     `yaml:"type" json:"type"`
	Message  string        `yaml:"message,omitempty" json:"message,omitempty"`
	Silent   bool          `yaml:"silent,omitempty" json:"silent,omitempty"`
	Adaptive bool          `yaml:"adaptive,omitempty" json:"adaptive,omitempty"`
}

// Validate checks the fields Check depends on.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	// Bucket keys are "<policy>:<scope>".
	if strings.Contains(p.Name, ":") {
		return fmt.Errorf("%w: %s: name must not contain ':'", ErrInvalidPolicy, p.Name)
	}
	if p.Requests <= 0 {
		return fmt.Errorf("%w: %s: requests must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidPolicy, p.Name)
	}
	switch p.Type {
	case LimitUser, LimitChannel, LimitGuild, LimitGlobal, LimitUserChannel:
	default:
		return fmt.Errorf("%w: %s: unknown limit type %q", ErrInvalidPolicy, p.Name, p.Type)
	}
	return nil
}

// Scope carries the Discord IDs a check is made for. Unused IDs may be empty.
type Scope struct {
	UserID    string
	ChannelID string
	GuildID   string
}

// scopeKey resolves the bucket key for a policy and scope.
func (p Policy) scopeKey(s Scope) string {
	switch p.Type {
	case LimitUser:
		return p.Name + ":user:" + s.UserID
	case LimitChannel:
		return p.Name + ":channel:" + s.ChannelID
	case LimitGuild:
		return p.Name + ":guild:" + s.GuildID
	case LimitUserChannel:
		return p.Name + ":user_channel:" + s.UserID + ":" + s.ChannelID
	default:
		return p.Name + ":global"
	}
}

func (p Policy) formatMessage(retryAfter time.Duration) string {
	if p.Silent || p.Message == "" {
		return ""
	}
	return strings.ReplaceAll(p.Message, "{retry_after}", fmt.Sprintf("%.1f", retryAfter.Seconds()))
}

// Policy names used by the bot.
const (
	PolicyChat        = "chat"
	PolicyChatChannel = "chat_channel"
	PolicyAIGlobal    = "ai_global"
	PolicyCommands    = "commands"
	PolicyMusic       = "music"
)

// DefaultPolicies returns the built-in rules. A config file may replace them.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:     PolicyChat,
			Requests: 10,
			Window:   time.Minute,
			Type:     LimitUser,
			Message:  "You're sending messages too quickly. Try again in {retry_after}s.",
			Adaptive: true,
		},
		{
			Name:     PolicyChatChannel,
			Requests: 30,
			Window:   time.Minute,
			Type:     LimitChannel,
			Silent:   true,
		},
		{
			Name:     PolicyAIGlobal,
			Requests: 60,
			Window:   time.Minute,
			Type:     LimitGlobal,
			Message:  "The bot is busy right now. Try again in {retry_after}s.",
			Adaptive: true,
		},
		{
			Name:     PolicyCommands,
			Requests: 5,
			Window:   10 * time.Second,
			Type:     LimitUserChannel,
			Message:  "Slow down! You can use commands again in {retry_after}s.",
		},
		{
			Name:     PolicyMusic,
			Requests: 20,
			Window:   time.Minute,
			Type:     LimitGuild,
			Message:  "Too many music requests in this server. Try again in {retry_after}s.",
		},
	}
}
