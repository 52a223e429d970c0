// Package feed carries raw frames from the websocket reader to the applier and
// top-of-book quotes from the applier to the publisher.
package feed

import (
	"context"
	"sync"

	"bookmirror/logger"
	"bookmirror/models"
)

type ChannelStats struct {
	RawSent       int64
	QuotesSent    int64
	QuotesDropped int64
}

type Channels struct {
	Raw    chan models.RawFeedMessage
	Quotes chan models.QuoteUpdate

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, quoteBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:    make(chan models.RawFeedMessage, rawBufferSize),
		Quotes: make(chan models.QuoteUpdate, quoteBufferSize),
		log:    log,
	}

	log.WithComponent("feed_channels").WithFields(logger.Fields{
		"raw_buffer_size":   rawBufferSize,
		"quote_buffer_size": quoteBufferSize,
	}).Info("feed channels initialized")

	return c
}

// CloseRaw closes the raw channel once the reader is done with it. The applier
// drains what is left and then stops.
func (c *Channels) CloseRaw() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("feed_channels").Info("raw feed channel closed")
	})
}

// SendRaw blocks until the applier has room for msg or ctx ends. Frames are never
// dropped: losing one would leave the book silently wrong.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawFeedMessage) bool {
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("raw_feed", len(msg.Data))
		return true
	case <-ctx.Done():
		return false
	}
}

// PublishQuote enqueues q without blocking; when the publisher lags the quote is
// dropped and counted.
func (c *Channels) PublishQuote(q models.QuoteUpdate) {
	select {
	case c.Quotes <- q:
		c.statsMutex.Lock()
		c.stats.QuotesSent++
		c.statsMutex.Unlock()
	default:
		c.statsMutex.Lock()
		c.stats.QuotesDropped++
		c.statsMutex.Unlock()
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
