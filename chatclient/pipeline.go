package chatclient

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/taskflow/supportchat/protocol"
)

// Pipeline moves messages for joined chats. Outbound sends go over the
// socket and fall back to REST when it is down; both paths carry the same
// client-generated ULID, so the eventual socket echo of a REST-delivered
// send de-duplicates instead of double-appending. Inbound messages are kept
// per chat in (CreatedAt, ID) order regardless of arrival order.
type Pipeline struct {
	transport *Transport
	rest      *Client
	sessions  *SessionStore

	mu      sync.Mutex
	byChat  map[string][]protocol.Message
	seen    map[string]map[string]struct{}
	entropy *ulid.MonotonicEntropy
}

// NewPipeline wires a pipeline over a connected-or-not transport and the
// REST client it falls back to.
func NewPipeline(transport *Transport, rest *Client, sessions *SessionStore) *Pipeline {
	return &Pipeline{
		transport: transport,
		rest:      rest,
		sessions:  sessions,
		byChat:    make(map[string][]protocol.Message),
		seen:      make(map[string]map[string]struct{}),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewID generates a sortable message id. Ids are minted client-side so a
// send keeps its identity across delivery paths.
func (p *Pipeline) NewID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// Send delivers one message, socket first, REST while disconnected. A
// closed transport fails the send outright. The returned message is the
// local record; its id is final either way, and the server echo with the
// same id is absorbed by Receive.
func (p *Pipeline) Send(ctx context.Context, chatID, content string, kind protocol.MessageKind, sender protocol.Participant) (*protocol.Message, error) {
	if kind == "" {
		kind = protocol.MessageText
	}
	msg := protocol.Message{
		ID:         p.NewID(),
		ChatID:     chatID,
		SenderID:   sender.ID,
		SenderKind: sender.Kind,
		Content:    content,
		Kind:       kind,
		CreatedAt:  time.Now().UnixMilli(),
	}

	err := p.transport.Emit(protocol.EventChatMessage, protocol.SendMessagePayload{
		ID:      msg.ID,
		ChatID:  chatID,
		Content: content,
		Kind:    kind,
	})
	if err != nil {
		// A closed transport means the caller is done; no delivery path
		// remains, REST included.
		if !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		stored, rerr := p.rest.SendMessage(ctx, chatID, msg.ID, content, kind)
		if rerr != nil {
			return nil, rerr
		}
		msg = *stored
	}

	p.append(msg)
	if p.sessions != nil {
		p.sessions.SetLastMessage(chatID, protocol.MessageSummary{
			Content:   msg.Content,
			SenderID:  msg.SenderID,
			Timestamp: msg.CreatedAt,
		})
	}
	return &msg, nil
}

// Receive absorbs one inbound message, dropping duplicates by id. It also
// rolls the owning session's last-message summary forward.
func (p *Pipeline) Receive(msg protocol.Message) bool {
	if !p.append(msg) {
		return false
	}
	if p.sessions != nil {
		p.sessions.SetLastMessage(msg.ChatID, protocol.MessageSummary{
			Content:   msg.Content,
			SenderID:  msg.SenderID,
			Timestamp: msg.CreatedAt,
		})
	}
	return true
}

// append inserts the message in order, returning false for a duplicate id.
func (p *Pipeline) append(msg protocol.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, ok := p.seen[msg.ChatID]
	if !ok {
		ids = make(map[string]struct{})
		p.seen[msg.ChatID] = ids
	}
	if _, dup := ids[msg.ID]; dup {
		return false
	}
	ids[msg.ID] = struct{}{}

	msgs := p.byChat[msg.ChatID]
	i := sort.Search(len(msgs), func(i int) bool { return msg.Less(&msgs[i]) })
	msgs = append(msgs, protocol.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	p.byChat[msg.ChatID] = msgs
	return true
}

// Messages returns the ordered messages held for a chat.
func (p *Pipeline) Messages(chatID string) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Message(nil), p.byChat[chatID]...)
}

// LoadHistory backfills a chat from the REST history endpoint. Pages already
// held locally merge by id, so overlapping fetches are harmless.
func (p *Pipeline) LoadHistory(ctx context.Context, chatID string, limit int, before int64) (bool, error) {
	msgs, hasMore, err := p.rest.History(ctx, chatID, limit, before)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		p.append(m)
	}
	return hasMore, nil
}

// MarkRead flips the given messages to read locally and confirms with the
// server. The local flip is monotonic: a message never goes back to unread.
func (p *Pipeline) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	p.mu.Lock()
	want := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	msgs := p.byChat[chatID]
	for i := range msgs {
		if _, ok := want[msgs[i].ID]; ok {
			msgs[i].IsRead = true
		}
	}
	p.mu.Unlock()

	return p.rest.MarkRead(ctx, chatID, messageIDs)
}

// Forget drops all local message state for a chat.
func (p *Pipeline) Forget(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byChat, chatID)
	delete(p.seen, chatID)
}
