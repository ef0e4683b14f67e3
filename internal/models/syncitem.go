package models

import "fmt"

// ItemType identifies which kind of local entity a SyncItem refers to.
type ItemType string

const (
	ItemConversation      ItemType = "CONVERSATION"
	ItemEvent             ItemType = "EVENT"
	ItemEventConversation ItemType = "EVENT_CONVERSATION"
	ItemMessage           ItemType = "MESSAGE"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemConversation, ItemEvent, ItemEventConversation, ItemMessage:
		return true
	}
	return false
}

// Channel selects which backend a queued operation targets on retry.
type Channel string

const (
	ChannelREST Channel = "REST"
	ChannelPush Channel = "PUSH"
)

// SyncItem is one durable, retryable operation. It is created when a send
// fails or times out without an echo, and destroyed when a matching ack or
// synchronous success is observed. Seq is assigned by the store and gives
// strict FIFO order across restarts.
type SyncItem struct {
	Seq      int64    `db:"seq"`
	ItemID   string   `db:"item_id"`
	ItemType ItemType `db:"item_type"`
	Channel  Channel  `db:"channel"`
}

func (s SyncItem) String() string {
	return fmt.Sprintf("%s/%s via %s", s.ItemType, s.ItemID, s.Channel)
}

// Matches reports whether an observed acknowledgement retires this item.
func (s SyncItem) Matches(itemType ItemType, itemID string) bool {
	return s.ItemType == itemType && s.ItemID == itemID
}
