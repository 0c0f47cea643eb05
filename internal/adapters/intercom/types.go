package intercom

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexibleID accepts identifiers Intercom sends either as JSON numbers or
// strings (admin_assignee_id is a number on some API versions). null and absent
// both decode to "".
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = FlexibleID(n.String())
	return nil
}

// String returns the identifier as a plain string.
func (f FlexibleID) String() string { return string(f) }

// Author is the originator of a conversation's source message.
type Author struct {
	Type  string `json:"type"` // "user", "lead", "admin", "bot"
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Source is the first message of a conversation.
type Source struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Author    Author `json:"author"`
	Body      string `json:"body"`
	Subject   string `json:"subject"`
	CreatedAt int64  `json:"created_at"`
}

// ContactRef is the lightweight contact reference embedded in a conversation.
type ContactRef struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
}

// ContactRefList wraps the contacts attached to a conversation.
type ContactRefList struct {
	Type     string       `json:"type"`
	Contacts []ContactRef `json:"contacts"`
}

// LegacyUser is the pre-2.0 "user" object some conversations still carry.
type LegacyUser struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ConversationParts holds the reply/assignment history of a conversation.
type ConversationParts struct {
	Type       string            `json:"type"`
	Parts      []json.RawMessage `json:"conversation_parts"`
	TotalCount int               `json:"total_count"`
}

// Conversation is a full conversation snapshot as returned by GET /conversations/:id.
type Conversation struct {
	Type              string             `json:"type"`
	ID                string             `json:"id"`
	State             string             `json:"state"`
	Open              bool               `json:"open"`
	CreatedAt         int64              `json:"created_at"`
	UpdatedAt         int64              `json:"updated_at"`
	AdminAssigneeID   FlexibleID         `json:"admin_assignee_id"`
	TeamAssigneeID    FlexibleID         `json:"team_assignee_id"`
	Source            Source             `json:"source"`
	Contacts          ContactRefList     `json:"contacts"`
	ConversationParts *ConversationParts `json:"conversation_parts,omitempty"`
	User              *LegacyUser        `json:"user,omitempty"`
}

// Contact is a full contact record as returned by GET /contacts/:id.
type Contact struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Role       string `json:"role"` // "user" or "lead"
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	ExternalID string `json:"external_id"`
}

// WebhookItem is the object carried by a webhook notification. Only the id is
// trusted; the snapshot itself is re-fetched before use.
type WebhookItem struct {
	Type string     `json:"type"`
	ID   FlexibleID `json:"id"`
}

// WebhookData wraps the notification item.
type WebhookData struct {
	Type string          `json:"type"`
	Item json.RawMessage `json:"item"`
}

// WebhookNotification is the envelope Intercom posts to webhook subscribers.
type WebhookNotification struct {
	Type             string      `json:"type"` // "notification_event"
	ID               string      `json:"id"`   // notification id, stable across redeliveries
	Topic            string      `json:"topic"`
	AppID            string      `json:"app_id"`
	DeliveryAttempts int         `json:"delivery_attempts"`
	CreatedAt        int64       `json:"created_at"`
	Data             WebhookData `json:"data"`
}

// ItemID extracts data.item.id, or "" when the item is missing or malformed.
func (n *WebhookNotification) ItemID() string {
	if len(n.Data.Item) == 0 {
		return ""
	}
	var item WebhookItem
	if err := json.Unmarshal(n.Data.Item, &item); err != nil {
		return ""
	}
	return item.ID.String()
}

// Webhook topics this service reacts to or explicitly acknowledges.
const (
	TopicConversationUserCreated   = "conversation.user.created"
	TopicConversationAdminAssigned = "conversation.admin.assigned"
	TopicConversationUserReplied   = "conversation.user.replied"
	TopicConversationAdminClosed   = "conversation.admin.closed"
	TopicPing                      = "ping"
)
