package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"hollowpeer/friends"
	"hollowpeer/models"
	"hollowpeer/router"
	"hollowpeer/storage"
)

const consoleHelp = `commands:
  friends                              list friends and pending requests
  invite <name> [peer]                 create an invitation code
  request <code>                       redeem an invitation code
  approve <peer> <name> <code>         approve a claimed invitation
  decline <peer> <name> <code>         decline a claimed invitation
  cancel <peer>                        forget an outgoing request
  befriend <peer> [name]               ask a peer to be friends without a code
  accept <peer> [name]                 accept a friend request
  reject <peer>                        decline a friend request for good
  ignore <peer>                        dismiss a friend request for now
  rename <peer> <name>                 change a friend's display name
  unfriend <peer>                      remove a friend
  say <peer> <text>                    chat with a friend
  ping <peer>                          measure round trip to a peer
  connect <multiaddr>                  dial a peer by full /p2p address
  peers                                list connected peers
  events [n]                           show the n most recent notifications
  quarantine                           list quarantined peers
  release <peer>                       lift quarantine
  nick [name]                          show or change your player name
  quit                                 stop the node`

// console is a line-oriented front end to the friends manager.
type console struct {
	manager *friends.Manager
	send    router.Sender
	peers   func() []string
	connect func(ctx context.Context, addr string) error
	events  func(filter storage.EventFilter) ([]storage.Event, error)

	mu  sync.Mutex
	out io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		c.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if quit := c.exec(ctx, scanner.Text()); quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// exec runs one command line and reports whether the console should stop.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	command, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch command {
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "quit", "exit":
		return true
	case "friends":
		c.listFriends()
	case "invite":
		err = c.invite(args)
	case "request":
		if err = needArgs(args, 1, "request <code>"); err == nil {
			err = c.manager.SendRequestFriend(ctx, args[0])
			if err == nil {
				c.printf("friend request recorded\n")
			}
		}
	case "approve", "decline":
		if err = needArgs(args, 3, command+" <peer> <name> <code>"); err == nil {
			err = c.manager.ApproveFriendRequest(ctx, args[0], args[1], args[2], command == "approve")
			if err == nil {
				c.printf("%sd invitation %s\n", command, args[2])
			}
		}
	case "cancel":
		if err = needArgs(args, 1, "cancel <peer>"); err == nil {
			if !c.manager.CancelPendingRequest(args[0]) {
				c.printf("no pending request to %s\n", args[0])
			}
		}
	case "befriend":
		if err = needArgs(args, 1, "befriend <peer> [name]"); err == nil {
			err = c.manager.AddPendingNewInvitation(args[0], optionalArg(args, 1))
			if err == nil {
				c.printf("will ask %s when reachable\n", args[0])
			}
		}
	case "accept":
		if err = needArgs(args, 1, "accept <peer> [name]"); err == nil {
			err = c.manager.AcceptNewFriendRequest(ctx, args[0], optionalArg(args, 1))
		}
	case "reject":
		if err = needArgs(args, 1, "reject <peer>"); err == nil {
			err = c.manager.DeclineNewFriendRequest(args[0])
		}
	case "ignore":
		if err = needArgs(args, 1, "ignore <peer>"); err == nil {
			err = c.manager.IgnoreNewFriendRequest(args[0])
		}
	case "ping":
		if err = needArgs(args, 1, "ping <peer>"); err == nil {
			err = c.ping(ctx, args[0])
		}
	case "rename":
		if err = needArgs(args, 2, "rename <peer> <name>"); err == nil {
			err = c.rename(args[0], strings.Join(args[1:], " "))
		}
	case "unfriend":
		if err = needArgs(args, 1, "unfriend <peer>"); err == nil {
			if !c.manager.RemoveFriend(args[0]) {
				c.printf("%s is not a friend\n", args[0])
			}
		}
	case "say":
		if err = needArgs(args, 2, "say <peer> <text>"); err == nil {
			err = c.say(ctx, args[0], strings.Join(args[1:], " "))
		}
	case "connect":
		if err = needArgs(args, 1, "connect <multiaddr>"); err == nil {
			if err = c.connect(ctx, args[0]); err == nil {
				c.printf("connected\n")
			}
		}
	case "peers":
		c.printList("connected peers", c.peers(), true)
	case "events":
		err = c.listEvents(optionalArg(args, 0))
	case "quarantine":
		c.printList("quarantined peers", c.manager.QuarantinedPeers(), true)
	case "release":
		if err = needArgs(args, 1, "release <peer>"); err == nil {
			if !c.manager.ReleaseQuarantine(args[0]) {
				c.printf("%s is not quarantined\n", args[0])
			}
		}
	case "nick":
		if len(args) == 0 {
			c.printf("%s\n", c.manager.Nickname())
		} else {
			err = c.manager.SetNickname(strings.Join(args, " "))
		}
	default:
		c.printf("unknown command %q, type help\n", command)
	}

	if err != nil {
		c.printf("error: %v\n", err)
	}
	return false
}

func (c *console) invite(args []string) error {
	if err := needArgs(args, 1, "invite <name> [peer]"); err != nil {
		return err
	}
	encoded, err := c.manager.CreateInvitation(args[0], optionalArg(args, 1))
	if err != nil {
		return err
	}
	c.printf("share this invitation:\n%s\n", encoded)
	return nil
}

func (c *console) ping(ctx context.Context, peerID string) error {
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.manager.SendPing(pingCtx, peerID, func(res router.PongResult) {
		c.printf("\npong from %s in %s\n", res.PeerID, res.RoundTrip.Round(time.Millisecond))
	})
	return err
}

func (c *console) listFriends() {
	all := c.manager.GetAllFriends()
	c.printf("friends (%d):\n", len(all))
	for _, friend := range all {
		c.printf("  %-20s %s\n", friend.PlayerName, friend.PeerID)
	}
	if pending := c.manager.PendingRequests(); len(pending) > 0 {
		c.printf("outgoing requests:\n")
		for _, req := range pending {
			c.printf("  %s (code %s)\n", req.PeerID, req.Invitation.InviteCode)
		}
	}
	c.printList("friend requests", c.manager.PendingNewFriendRequests(), false)
	c.printList("waiting on", c.manager.PendingNewInvitations(), false)
	if invitations := c.manager.Invitations(); len(invitations) > 0 {
		c.printf("open invitations:\n")
		for _, inv := range invitations {
			c.printf("  %s for %s%s\n", inv.InviteCode, inv.FriendName, boundSuffix(inv))
		}
	}
}

func (c *console) rename(peerID, name string) error {
	friend, ok := c.manager.GetFriend(peerID)
	if !ok {
		return errNotFriend
	}
	friend.PlayerName = name
	return c.manager.AddFriend(friend)
}

func (c *console) listEvents(count string) error {
	limit := 10
	if count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: events [n]")
		}
		limit = n
	}
	events, err := c.events(storage.EventFilter{Limit: limit})
	if err != nil {
		return err
	}
	c.printf("events (%d):\n", len(events))
	for _, event := range events {
		var details models.Event
		_ = json.Unmarshal([]byte(event.Details), &details)
		at := time.UnixMilli(event.Timestamp).Format(time.DateTime)
		c.printf("  %s %-24s %s\n", at, event.EventType, nameOr(details.Message, event.Details))
	}
	return nil
}

// printList skips empty lists unless always is set.
func (c *console) printList(title string, items []string, always bool) {
	if len(items) == 0 && !always {
		return
	}
	c.printf("%s (%d):\n", title, len(items))
	for _, item := range items {
		c.printf("  %s\n", item)
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func boundSuffix(inv models.Invitation) string {
	if inv.FriendID == "" {
		return ""
	}
	return " (only " + inv.FriendID + ")"
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}
