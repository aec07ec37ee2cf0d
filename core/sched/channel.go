package sched

import (
	"fmt"
	"time"
)

// Channel is a named broadcast group. A send delivers one copy of the
// message to every coroutine subscribed at send time; a subscriber added
// afterwards does not receive it.
type Channel struct {
	s    *Scheduler
	name string

	// Loop-owned.
	seq  uint64
	subs map[ID]struct{}
}

// NewChannel creates and registers a broadcast channel. Channel names are
// unique per scheduler and resolvable by remote peers.
func (s *Scheduler) NewChannel(name string) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("empty channel name")
	}
	ch := &Channel{s: s, name: name, subs: make(map[ID]struct{})}

	s.namesMu.Lock()
	defer s.namesMu.Unlock()
	if _, dup := s.channels[name]; dup {
		return nil, fmt.Errorf("channel %q already exists", name)
	}
	s.channels[name] = ch
	return ch, nil
}

// ChannelByName looks up a registered channel.
func (s *Scheduler) ChannelByName(name string) (*Channel, bool) {
	s.namesMu.RLock()
	ch, ok := s.channels[name]
	s.namesMu.RUnlock()
	return ch, ok
}

// Name returns the channel's registered name.
func (ch *Channel) Name() string { return ch.name }

// Ref returns the qualified reference remote peers address this channel by.
func (ch *Channel) Ref() string {
	if loc := ch.s.Location(); loc != "" {
		return fmt.Sprintf("chan:%s@%s", ch.name, loc)
	}
	return "chan:" + ch.name
}

// Subscribe adds a coroutine to the broadcast group.
func (ch *Channel) Subscribe(id ID) error {
	if !ch.s.post(func() { ch.subs[id] = struct{}{} }) {
		return ErrSchedulerClosed
	}
	return nil
}

// Unsubscribe removes a coroutine from the broadcast group.
func (ch *Channel) Unsubscribe(id ID) error {
	if !ch.s.post(func() { delete(ch.subs, id) }) {
		return ErrSchedulerClosed
	}
	return nil
}

// Send broadcasts payload to the current subscriber snapshot. sender may be
// empty, in which case the channel itself is recorded as sender.
func (ch *Channel) Send(sender string, payload any) error {
	sentAt := time.Now()
	ok := ch.s.post(func() {
		ch.seq++
		if sender == "" {
			sender = ch.Ref()
		}
		msg := Message{Sender: sender, Seq: ch.seq, SentAt: sentAt, Payload: payload}
		for id := range ch.subs {
			ch.s.deliverLocal(id, msg)
		}
	})
	if !ok {
		return ErrSchedulerClosed
	}
	return nil
}

// broadcast relays a fully-formed message (remote sender and sequence
// preserved) to the current subscriber snapshot.
func (ch *Channel) broadcast(msg Message) error {
	if !ch.s.post(func() {
		for id := range ch.subs {
			ch.s.deliverLocal(id, msg)
		}
	}) {
		return ErrSchedulerClosed
	}
	return nil
}
