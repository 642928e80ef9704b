// Package comms resolves direct-message channels between agents and writes
// the transcript entries the relay leaves behind.
package comms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrChannelNotFound is returned for an unknown channel id.
var ErrChannelNotFound = errors.New("channel not found")

// Source tags a transcript entry with what produced it.
type Source string

const (
	SourceAsk        Source = "agent_ask"
	SourceDelegation Source = "agent_delegation"
	SourceNotify     Source = "agent_notify"
	SourceResponse   Source = "agent_response"
	SourceSystem     Source = "system"
)

// Message is one transcript entry.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a conversation space.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Direct    bool      `json:"direct"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolver finds channels and posts transcript entries.
type Resolver interface {
	// GetOrCreateDMChannel returns the direct channel between a and b. The
	// same channel is returned regardless of argument order.
	GetOrCreateDMChannel(ctx context.Context, a, b string) (string, error)

	// CreateChannel creates a named multi-member channel.
	CreateChannel(ctx context.Context, name string, members []string) (*Channel, error)

	// PostMessage appends a message to a channel.
	PostMessage(ctx context.Context, channelID, senderID, text string, source Source) (*Message, error)

	// History returns up to limit most recent messages, oldest first.
	// limit <= 0 returns everything.
	History(ctx context.Context, channelID string, limit int) ([]*Message, error)

	// Members lists the members of a channel.
	Members(ctx context.Context, channelID string) ([]string, error)
}

// dmKey returns the order-independent key for a direct channel.
func dmKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// FormatRequestMessage renders the transcript entry for a contact request.
// contextText, priority and taskID are optional.
func FormatRequestMessage(action, senderName, message, contextText, priority, taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s from %s]", strings.ToUpper(action), senderName)
	if priority != "" {
		fmt.Fprintf(&b, " (priority: %s)", priority)
	}
	if taskID != "" {
		fmt.Fprintf(&b, " (task: %s)", taskID)
	}
	b.WriteString("\n")
	b.WriteString(message)
	if contextText != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(contextText)
	}
	return b.String()
}

// FormatResponseMessage renders a reply to an ask or a delegated task.
func FormatResponseMessage(responderName, text, taskID string) string {
	if taskID != "" {
		return fmt.Sprintf("[RESPONSE from %s] (task: %s)\n%s", responderName, taskID, text)
	}
	return fmt.Sprintf("[RESPONSE from %s]\n%s", responderName, text)
}
