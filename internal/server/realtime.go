package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
)

const (
	RealtimeEventClaimFinalized = "claim-finalized"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "bitdrop-backend"
)

// RealtimeMessage is one finalized claim routed to campaign subscribers.
type RealtimeMessage struct {
	CampaignID      uint64
	EventType       string
	DropHash        string
	Claimant        string
	ReceiverAddress string
	Amount          uint64
	SignedTxHex     string
	Timestamp       time.Time
}

// RealtimeDispatcher fans finalized claims out to per-campaign subscribers. Slow
// subscribers miss messages rather than block the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[uint64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[uint64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, campaignID uint64) (<-chan RealtimeMessage, func()) {
	if campaignID == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(campaignID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(campaignID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements claims.EventPublisher.
func (d *RealtimeDispatcher) Publish(event claims.Event) {
	d.publish(RealtimeMessage{
		CampaignID:      event.CampaignID,
		EventType:       RealtimeEventClaimFinalized,
		DropHash:        event.DropHash,
		Claimant:        event.Claimant,
		ReceiverAddress: event.ReceiverAddress,
		Amount:          event.Amount,
		SignedTxHex:     event.SignedTxHex,
		Timestamp:       time.Unix(event.ClaimedAtSeconds, 0).UTC(),
	})
}

func (d *RealtimeDispatcher) publish(message RealtimeMessage) {
	if message.CampaignID == 0 || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.CampaignID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for a campaign.
func (d *RealtimeDispatcher) Subscribers(campaignID uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[campaignID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(campaignID uint64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[campaignID]; !ok {
		d.subscribers[campaignID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[campaignID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(campaignID uint64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[campaignID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, campaignID)
		}
	}
	d.mu.Unlock()
}
