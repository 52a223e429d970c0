package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "bookmirror/config"
	"bookmirror/logger"
	"bookmirror/models"
	"bookmirror/orderbook"
)

// ErrInstrumentMismatch marks a book message for an instrument other than the subscribed one.
var ErrInstrumentMismatch = errors.New("instrument mismatch")

// Outcome is the result of handling one feed message.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeIgnored
	OutcomeMismatch
	OutcomeDecodeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeDecodeError:
		return "decode_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// QuoteSink receives the new top of book after a message moved it. It is called
// outside the book lock and must not block.
type QuoteSink interface {
	PublishQuote(q models.QuoteUpdate)
}

// Stats is a point-in-time copy of the applier counters.
type Stats struct {
	Messages        int64     `json:"messages"`
	Snapshots       int64     `json:"snapshots"`
	Updates         int64     `json:"updates"`
	ChangesApplied  int64     `json:"changes_applied"`
	RejectedEntries int64     `json:"rejected_entries"`
	DecodeErrors    int64     `json:"decode_errors"`
	Mismatches      int64     `json:"mismatches"`
	Ignored         int64     `json:"ignored"`
	FeedErrors      int64     `json:"feed_errors"`
	SequenceGaps    int64     `json:"sequence_gaps"`
	LastApplied     time.Time `json:"last_applied"`
}

type counters struct {
	messages        atomic.Int64
	snapshots       atomic.Int64
	updates         atomic.Int64
	changesApplied  atomic.Int64
	rejectedEntries atomic.Int64
	decodeErrors    atomic.Int64
	mismatches      atomic.Int64
	ignored         atomic.Int64
	feedErrors      atomic.Int64
	sequenceGaps    atomic.Int64
	lastApplied     atomic.Int64 // unix nanos
}

// Applier is the only writer of the shared book. It classifies each raw frame,
// checks the instrument and applies snapshots and incremental changes.
type Applier struct {
	config     *appconfig.Config
	instrument string
	book       *orderbook.Shared
	rawChan    <-chan models.RawFeedMessage
	sink       QuoteSink
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	done       chan struct{}
	log        *logger.Log

	diag    *rate.Limiter
	stats   counters
	lastSeq int64 // guarded by the book write lock
}

// NewApplier creates an applier for instrument. sink may be nil.
func NewApplier(cfg *appconfig.Config, instrument string, book *orderbook.Shared, rawChan <-chan models.RawFeedMessage, sink QuoteSink) *Applier {
	limit := rate.Limit(cfg.Processor.DiagnosticsPerSecond)
	if cfg.Processor.DiagnosticsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Processor.DiagnosticsBurst
	if burst < 1 {
		burst = 1
	}
	return &Applier{
		config:     cfg,
		instrument: instrument,
		book:       book,
		rawChan:    rawChan,
		sink:       sink,
		wg:         &sync.WaitGroup{},
		done:       make(chan struct{}),
		log:        logger.GetLogger(),
		diag:       rate.NewLimiter(limit, burst),
	}
}

// Start begins consuming the raw feed channel.
func (a *Applier) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("applier already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("applier").WithFields(logger.Fields{
		"operation":  "start",
		"instrument": a.instrument,
	})
	log.Info("starting feed applier")

	logger.RegisterReportFields("applier", func() logger.Fields {
		s := a.GetStats()
		return logger.Fields{
			"messages":         s.Messages,
			"snapshots":        s.Snapshots,
			"changes_applied":  s.ChangesApplied,
			"rejected_entries": s.RejectedEntries,
			"decode_errors":    s.DecodeErrors,
			"mismatches":       s.Mismatches,
			"sequence_gaps":    s.SequenceGaps,
		}
	})

	a.wg.Add(1)
	go a.consume()

	a.wg.Add(1)
	go a.metricsReporter(ctx)

	return nil
}

// Stop waits for the consumer to finish. The caller cancels the context passed to
// Start or closes the raw channel first.
func (a *Applier) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("applier").Info("stopping feed applier")
	a.wg.Wait()
	logger.RegisterReportFields("applier", nil)
	a.log.WithComponent("applier").WithFields(logger.Fields{"stats": a.GetStats()}).Info("feed applier stopped")
}

// Done is closed when the consumer loop has returned, either because the feed
// stopped or because the context ended.
func (a *Applier) Done() <-chan struct{} {
	return a.done
}

func (a *Applier) consume() {
	defer a.wg.Done()
	defer close(a.done)

	for {
		select {
		case <-a.ctx.Done():
			return
		case msg, ok := <-a.rawChan:
			if !ok {
				a.log.WithComponent("applier").Warn("feed stopped; book keeps its last state")
				return
			}
			a.Handle(msg.Data)
		}
	}
}

// Handle classifies and applies one payload.
func (a *Applier) Handle(payload []byte) Outcome {
	a.stats.messages.Add(1)

	evt, err := Classify(payload)
	if err != nil {
		a.stats.decodeErrors.Add(1)
		a.diagnose(logger.Fields{"payload": string(payload)}, err, "failed to recognize feed message")
		return OutcomeDecodeError
	}

	switch e := evt.(type) {
	case models.Snapshot:
		if err := a.checkInstrument(e.Instrument); err != nil {
			return a.mismatch(evt, err)
		}
		a.applySnapshot(e)
		return OutcomeApplied
	case models.Update:
		if err := a.checkInstrument(e.Instrument); err != nil {
			return a.mismatch(evt, err)
		}
		a.applyUpdate(e)
		return OutcomeApplied
	case models.Ack:
		a.stats.ignored.Add(1)
		a.log.WithComponent("applier").Debug("subscription acknowledged")
		return OutcomeIgnored
	case models.FeedError:
		a.stats.feedErrors.Add(1)
		a.stats.ignored.Add(1)
		a.log.WithComponent("applier").WithFields(logger.Fields{
			"message": e.Message,
			"reason":  e.Reason,
		}).Warn("feed reported an error")
		return OutcomeIgnored
	case models.Unrecognized:
		a.stats.ignored.Add(1)
		a.log.WithComponent("applier").WithFields(logger.Fields{"type": e.Type}).Debug("unexpected message type")
		return OutcomeIgnored
	default:
		a.stats.ignored.Add(1)
		return OutcomeIgnored
	}
}

func (a *Applier) checkInstrument(got string) error {
	if got != a.instrument {
		return fmt.Errorf("%w: got %q, subscribed to %q", ErrInstrumentMismatch, got, a.instrument)
	}
	return nil
}

func (a *Applier) mismatch(evt models.Event, err error) Outcome {
	a.stats.mismatches.Add(1)
	a.log.WithComponent("applier").WithFields(logger.Fields{"type": evt.Kind()}).WithError(err).Debug("message discarded")
	return OutcomeMismatch
}

func (a *Applier) applySnapshot(s models.Snapshot) {
	var before, after orderbook.Quote
	a.book.WithWrite(func(b *orderbook.Book) {
		before = b.Top()
		b.ReplaceFull(s.Bids, s.Asks)
		a.lastSeq = s.Sequence
		after = b.Top()
	})

	a.stats.snapshots.Add(1)
	a.stats.lastApplied.Store(time.Now().UnixNano())
	a.log.WithComponent("applier").WithFields(logger.Fields{
		"instrument": s.Instrument,
		"bids":       len(s.Bids),
		"asks":       len(s.Asks),
	}).Info("snapshot applied")
	if s.Clamped > 0 {
		a.diagnose(logger.Fields{"instrument": s.Instrument, "clamped": s.Clamped}, nil, "negative snapshot values loaded as zero")
	}

	a.publishIfMoved(before, after, s.Sequence)
}

type rejected struct {
	index int
	err   error
}

func (a *Applier) applyUpdate(u models.Update) {
	var (
		before, after orderbook.Quote
		applied       int64
		bad           []rejected
		gap           [2]int64
	)

	a.book.WithWrite(func(b *orderbook.Book) {
		before = b.Top()
		for i, c := range u.Changes {
			side, err := orderbook.ParseSide(c.Side)
			if err == nil {
				err = b.ApplyChange(side, c.Price, c.Size)
			}
			if err != nil {
				bad = append(bad, rejected{index: i, err: err})
				continue
			}
			applied++
		}
		if u.Sequence > 0 {
			if a.lastSeq > 0 && u.Sequence != a.lastSeq+1 {
				gap = [2]int64{a.lastSeq, u.Sequence}
			}
			a.lastSeq = u.Sequence
		}
		after = b.Top()
	})

	a.stats.updates.Add(1)
	a.stats.changesApplied.Add(applied)
	a.stats.lastApplied.Store(time.Now().UnixNano())

	for _, r := range bad {
		a.stats.rejectedEntries.Add(1)
		a.diagnose(logger.Fields{"instrument": u.Instrument, "entry": r.index}, r.err, "change entry rejected")
	}
	if u.BadTime != "" {
		a.diagnose(logger.Fields{"instrument": u.Instrument, "time": u.BadTime}, nil, "unparsable update time ignored")
	}
	if gap[1] != 0 {
		a.stats.sequenceGaps.Add(1)
		a.diagnose(logger.Fields{"previous": gap[0], "received": gap[1]}, nil, "sequence gap")
	}

	a.publishIfMoved(before, after, u.Sequence)
}

func (a *Applier) publishIfMoved(before, after orderbook.Quote, seq int64) {
	if a.sink == nil || before.Equal(after) {
		return
	}
	a.sink.PublishQuote(models.QuoteUpdate{
		Instrument: a.instrument,
		Quote:      after,
		Sequence:   seq,
		Timestamp:  time.Now().UTC(),
	})
}

// diagnose logs at warn level unless the diagnostic budget is spent.
func (a *Applier) diagnose(fields logger.Fields, err error, msg string) {
	if !a.diag.Allow() {
		return
	}
	entry := a.log.WithComponent("applier").WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(msg)
}

// GetStats returns a copy of the counters.
func (a *Applier) GetStats() Stats {
	s := Stats{
		Messages:        a.stats.messages.Load(),
		Snapshots:       a.stats.snapshots.Load(),
		Updates:         a.stats.updates.Load(),
		ChangesApplied:  a.stats.changesApplied.Load(),
		RejectedEntries: a.stats.rejectedEntries.Load(),
		DecodeErrors:    a.stats.decodeErrors.Load(),
		Mismatches:      a.stats.mismatches.Load(),
		Ignored:         a.stats.ignored.Load(),
		FeedErrors:      a.stats.feedErrors.Load(),
		SequenceGaps:    a.stats.sequenceGaps.Load(),
	}
	if ns := a.stats.lastApplied.Load(); ns > 0 {
		s.LastApplied = time.Unix(0, ns).UTC()
	}
	return s
}

func (a *Applier) metricsReporter(ctx context.Context) {
	defer a.wg.Done()
	interval := a.config.Processor.StatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			s := a.GetStats()
			log := a.log.WithComponent("applier")
			log.WithFields(logger.Fields{
				"raw_channel_len": len(a.rawChan),
				"raw_channel_cap": cap(a.rawChan),
				"stats":           s,
			}).Info("applier stats")

			dims := logger.Fields{"instrument": a.instrument}
			log.LogMetric("applier", "SnapshotsApplied", s.Snapshots-last.Snapshots, "counter", copyFields(dims))
			log.LogMetric("applier", "ChangesApplied", s.ChangesApplied-last.ChangesApplied, "counter", copyFields(dims))
			log.LogMetric("applier", "DecodeErrors", s.DecodeErrors-last.DecodeErrors, "counter", copyFields(dims))
			log.LogMetric("applier", "RejectedEntries", s.RejectedEntries-last.RejectedEntries, "counter", copyFields(dims))
			last = s
		}
	}
}

func copyFields(f logger.Fields) logger.Fields {
	out := make(logger.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
