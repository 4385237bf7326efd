package store

import "sync"

// Subscription receives snapshots of one conversation. A subscriber that
// falls behind loses intermediate snapshots, never the latest one.
type Subscription struct {
	ch    chan Snapshot
	id    uint64
	state *conversationState
	once  sync.Once
}

// C is closed when the subscription ends or the conversation is removed.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.state == nil {
		return
	}
	s.state.mu.Lock()
	delete(s.state.subs, s.id)
	s.closeLocked()
	s.state.mu.Unlock()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers an observer; the current state is delivered first.
func (s *Store) Subscribe(id string) (*Subscription, error) {
	cs, err := s.state(id)
	if err != nil {
		return nil, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.removed {
		return nil, ErrConversationNotFound
	}
	cs.nextSub++
	sub := &Subscription{
		ch:    make(chan Snapshot, s.subBuffer),
		id:    cs.nextSub,
		state: cs,
	}
	cs.subs[sub.id] = sub
	sub.ch <- cs.snapshot()
	return sub, nil
}

// publish must be called with cs.mu held.
func (cs *conversationState) publish() {
	if len(cs.subs) == 0 {
		return
	}
	snap := cs.snapshot()
	for _, sub := range cs.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// drop the oldest pending snapshot to make room
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}
