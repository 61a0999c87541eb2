package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"hollowpeer/router"
)

// chatMethod is an application method carried over the router alongside the
// friend protocol.
const chatMethod router.Method = "chat"

type chatMessage struct {
	Method    router.Method `json:"method"`
	Text      string        `json:"text"`
	Timestamp int64         `json:"timestamp"`
}

var errNotFriend = errors.New("not a friend")

// say sends a line of chat to a friend.
func (c *console) say(ctx context.Context, peerID, text string) error {
	if _, ok := c.manager.GetFriend(peerID); !ok {
		return errNotFriend
	}
	return c.send.SendMessage(ctx, peerID, chatMessage{
		Method:    chatMethod,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}

// receiveChat prints chat from friends. Anything else is dropped.
func (c *console) receiveChat(_ context.Context, from string, msg router.Message) {
	friend, ok := c.manager.GetFriend(from)
	if !ok {
		return
	}
	var chat chatMessage
	if err := json.Unmarshal(msg.Raw, &chat); err != nil {
		return
	}
	text := strings.TrimSpace(chat.Text)
	if text == "" {
		return
	}
	c.printf("\n<%s> %s\n", nameOr(friend.PlayerName, from), text)
}
