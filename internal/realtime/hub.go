package realtime

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSlowSubscriber   = errors.New("subscriber buffer exceeded")
)

// Close codes sent to replaced or shut down subscribers.
const (
	CloseSessionReplaced = 4001
	CloseShutdown        = 1001
)

// Subscriber receives encoded frames. Implementations must be safe for concurrent use and
// must keep frames in the order Send was called.
type Subscriber interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close(code int, reason string)
}

// Hub is the channel registry of the broadcast layer: channel id -> set of subscribers.
// A user has at most one attached subscriber; attaching a new one closes the previous.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber            // subscriberID -> subscriber
	users       map[string]string                // userID -> subscriberID
	channels    map[string]map[string]Subscriber // channel -> subscriberID -> subscriber
	memberships map[string]map[string]struct{}   // subscriberID -> set of channels

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		users:       make(map[string]string),
		channels:    make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Attach registers sub for its user and subscribes it to the feed and its user channel.
func (h *Hub) Attach(sub Subscriber) {
	var previous Subscriber

	h.mu.Lock()
	if existingID, ok := h.users[sub.UserID()]; ok {
		if existing := h.subscribers[existingID]; existing != nil && existingID != sub.ID() {
			previous = existing
			h.detachLocked(existingID)
		}
	}

	h.subscribers[sub.ID()] = sub
	h.users[sub.UserID()] = sub.ID()
	h.subscribeLocked(FeedChannel, sub)
	h.subscribeLocked(UserChannel(sub.UserID()), sub)
	h.mu.Unlock()

	h.logger.Debug("Subscriber attached", zap.String("subscriber", sub.ID()), zap.String("user", sub.UserID()))

	if previous != nil {
		previous.Close(CloseSessionReplaced, "session replaced")
	}
}

// Stream registers an anonymous in-process subscriber on a single channel.
func (h *Hub) Stream(channel string, size int) *Inbox {
	inbox := NewInbox("", size)
	h.mu.Lock()
	h.subscribers[inbox.ID()] = inbox
	h.subscribeLocked(channel, inbox)
	h.mu.Unlock()
	return inbox
}

// Detach removes sub from every channel it belongs to.
func (h *Hub) Detach(sub Subscriber) {
	h.mu.Lock()
	h.detachLocked(sub.ID())
	h.mu.Unlock()
}

// Subscribe adds an attached subscriber to channel. It reports false for unknown subscribers.
func (h *Hub) Subscribe(channel string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID()]; !ok {
		return false
	}
	h.subscribeLocked(channel, sub)
	return true
}

// SubscribeUser subscribes the user's attached subscriber, if any, to channel.
func (h *Hub) SubscribeUser(channel string, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subID, ok := h.users[userID]
	if !ok {
		return false
	}
	sub := h.subscribers[subID]
	if sub == nil {
		return false
	}
	h.subscribeLocked(channel, sub)
	return true
}

func (h *Hub) Unsubscribe(channel string, sub Subscriber) {
	h.mu.Lock()
	h.unsubscribeLocked(channel, sub.ID())
	h.mu.Unlock()
}

// Publish delivers ev to the current subscribers of channel and returns how many accepted it.
// Subscribers that fail to accept the frame are detached; they recover through history fetch.
func (h *Hub) Publish(channel string, ev Event) (int, error) {
	payload, err := Encode(channel, ev)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	room := h.channels[channel]
	targets := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(payload); err != nil {
			h.logger.Warn("Dropping subscriber",
				zap.String("subscriber", sub.ID()),
				zap.String("channel", channel),
				zap.Error(err))
			h.Detach(sub)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Reply sends ev to a single subscriber outside of any channel.
func Reply(sub Subscriber, ev Event) error {
	payload, err := Encode("", ev)
	if err != nil {
		return err
	}
	return sub.Send(payload)
}

// Close terminates all tracked subscribers and clears hub state.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]Subscriber)
	h.users = make(map[string]string)
	h.channels = make(map[string]map[string]Subscriber)
	h.memberships = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close(CloseShutdown, "server shutdown")
	}
}

func (h *Hub) subscribeLocked(channel string, sub Subscriber) {
	room := h.channels[channel]
	if room == nil {
		room = make(map[string]Subscriber)
		h.channels[channel] = room
	}
	room[sub.ID()] = sub

	memberships := h.memberships[sub.ID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.memberships[sub.ID()] = memberships
	}
	memberships[channel] = struct{}{}
}

func (h *Hub) detachLocked(subID string) {
	sub, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)

	if current, ok := h.users[sub.UserID()]; ok && current == subID {
		delete(h.users, sub.UserID())
	}

	for channel := range h.memberships[subID] {
		h.unsubscribeLocked(channel, subID)
	}
	delete(h.memberships, subID)
}

func (h *Hub) unsubscribeLocked(channel string, subID string) {
	room := h.channels[channel]
	if room == nil {
		return
	}
	delete(room, subID)
	if len(room) == 0 {
		delete(h.channels, channel)
	}
	if memberships, ok := h.memberships[subID]; ok {
		delete(memberships, channel)
	}
}
