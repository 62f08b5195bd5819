package triage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/culler/internal/triage")

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

// DefaultTargetSize is used when Options.TargetSize is unset.
var DefaultTargetSize = Size{Width: 1920, Height: 1080}

// Options configures a Session.
type Options struct {
	// TargetSize is the resolution images are fitted into.
	TargetSize Size
	// ImmediateDeletes makes DeleteCurrent remove the photo from the library
	// right away instead of moving it to the trash set.
	ImmediateDeletes bool
	Hooks            SessionHooks
	Notifier         Notifier
	// IntN returns a uniform int in [0,n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// Session is the photo triage state machine. All state is owned by a single
// loop goroutine; library and persistence calls run in workers whose results
// are posted back to the loop.
type Session struct {
	library Library
	logger  log.Logger
	opts    Options
	persist *persister

	events  chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	base    context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	// published state, readable from any goroutine
	pubMu     sync.Mutex
	latest    Snapshot
	latestIm  image.Image
	latestVer uint64
	subs      map[int]chan Snapshot
	nextSub   int
	subsDone  bool

	// loop-owned state
	state         State
	epoch         string
	gen           uint64
	drawSeq       uint64
	remaining     []AssetID
	kept          idSet
	trashed       idSet
	purged        idSet
	current       *AssetID
	image         image.Image
	imageVer      uint64
	purging       bool
	deleting      bool
	lastErr       string
	pickerOffered bool
	pickerPending bool
}

// NewSession creates a Session and starts its loop. Call Close to stop it.
func NewSession(library Library, sets SetStore, logger log.Logger, opts Options) *Session {
	if library == nil {
		panic(xerrors.New("photo library is required"))
	}
	if sets == nil {
		panic(xerrors.New("set store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.TargetSize.Width <= 0 || opts.TargetSize.Height <= 0 {
		opts.TargetSize = DefaultTargetSize
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}

	base, cancel := context.WithCancel(log.WithContext(context.Background(), logger))
	s := &Session{
		library: library,
		logger:  logger,
		opts:    opts,
		persist: newPersister(sets, logger, opts.Hooks),
		events:  make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		base:    base,
		cancel:  cancel,
		subs:    make(map[int]chan Snapshot),
		state:   StateIdle,
		kept:    idSet{},
		trashed: idSet{},
		purged:  idSet{},
	}
	s.latest = s.snapshot()

	go s.persist.run(context.WithoutCancel(base))
	go s.loop()
	return s
}

// Close stops the loop, waits for in-flight work and flushes pending writes.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		<-s.stopped
		s.cancel()
		s.workers.Wait()
		err = s.persist.Flush(ctx)
		s.persist.stop()

		s.pubMu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.subsDone = true
		s.pubMu.Unlock()
	})
	return err
}

// Start loads persisted sets, authorizes the library and derives a new
// draw pool. It returns once the request is queued; progress is published
// to subscribers.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.Start")
	defer span.End()
	return s.do(ctx, func() { s.start(ctx) })
}

// KeepCurrent marks the displayed photo as kept and draws the next one.
func (s *Session) KeepCurrent(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.KeepCurrent")
	defer span.End()
	return s.do(ctx, func() { s.keepCurrent(ctx, span) })
}

// DeleteCurrent trashes the displayed photo (or deletes it outright in
// immediate mode) and draws the next one.
func (s *Session) DeleteCurrent(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.DeleteCurrent")
	defer span.End()
	return s.do(ctx, func() { s.deleteCurrent(ctx, span) })
}

// DeleteTrashed asks the library to delete every trashed photo.
func (s *Session) DeleteTrashed(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.DeleteTrashed")
	defer span.End()
	return s.do(ctx, func() { s.deleteTrashed(ctx, span) })
}

// ResetData forgets every decision and re-derives the draw pool.
func (s *Session) ResetData(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.ResetData")
	defer span.End()
	return s.do(ctx, func() { s.resetData(ctx) })
}

// OpenSettings forwards to the library.
func (s *Session) OpenSettings(ctx context.Context) error {
	return s.library.OpenSettings(ctx)
}

// TakePickerOffer reports whether the limited-library picker should be
// offered, and consumes the offer.
func (s *Session) TakePickerOffer(ctx context.Context) (bool, error) {
	var offer bool
	err := s.do(ctx, func() {
		offer = s.pickerPending
		s.pickerPending = false
	})
	return offer, err
}

// Kept returns the kept ids in sorted order.
func (s *Session) Kept(ctx context.Context) ([]AssetID, error) {
	var out []AssetID
	err := s.do(ctx, func() { out = s.kept.sorted() })
	return out, err
}

// Trashed returns the trashed ids in sorted order.
func (s *Session) Trashed(ctx context.Context) ([]AssetID, error) {
	var out []AssetID
	err := s.do(ctx, func() { out = s.trashed.sorted() })
	return out, err
}

// Remaining returns a copy of the draw pool.
func (s *Session) Remaining(ctx context.Context) ([]AssetID, error) {
	var out []AssetID
	err := s.do(ctx, func() { out = append([]AssetID(nil), s.remaining...) })
	return out, err
}

// Snapshot returns the most recently published state.
func (s *Session) Snapshot() Snapshot {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	return s.latest
}

// Image returns the published image for the current photo, if any.
func (s *Session) Image() (AssetID, image.Image, bool) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.latest.Current == nil || s.latestIm == nil {
		return "", nil, false
	}
	return *s.latest.Current, s.latestIm, true
}

// Subscribe returns a channel that receives the latest Snapshot after every
// change, starting with the current one. Intermediate snapshots are dropped
// for slow readers. Call cancel to unsubscribe. The channel is closed when
// the session is.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.pubMu.Lock()
	if s.subsDone {
		s.pubMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.latest
	s.pubMu.Unlock()

	cancel := func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Session) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.events:
			fn()
			s.publish()
		}
	}
}

// post queues fn on the loop. It reports false once the loop has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// do runs fn on the loop and waits until its effects are published.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); s.publish(); close(done) }:
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs fn in a worker. The worker context keeps ctx values but not its
// deadline, and is cancelled when the session closes.
func (s *Session) async(ctx context.Context, fn func(ctx context.Context)) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stop := context.AfterFunc(s.base, cancel)
		defer stop()
		defer cancel()
		fn(wctx)
	}()
}

func (s *Session) start(ctx context.Context) {
	if s.state == StateRequestingPermission || s.state == StateLoading {
		return
	}
	if s.purging {
		s.logger.Warn(ctx, "start ignored while a purge is in flight")
		return
	}

	s.lastErr = ""
	s.current = nil
	s.setImage(nil)
	s.setState(StateRequestingPermission)
	gen := s.bumpGen()

	s.async(ctx, func(ctx context.Context) {
		sets, loadErr := s.loadSets(ctx)

		var auth Authorization
		var authErr error
		if loadErr == nil {
			auth, authErr = s.authorize(ctx)
		}

		s.post(func() { s.authorized(ctx, gen, sets, loadErr, auth, authErr) })
	})
}

func (s *Session) loadSets(ctx context.Context) (map[string][]AssetID, error) {
	// pending writes must land before reading them back
	if err := s.persist.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush pending writes: %w", err)
	}

	sets := make(map[string][]AssetID, 3)
	for _, key := range []string{KeyKept, KeyTrashed, KeyPurged} {
		ids, err := s.persist.store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		sets[key] = ids
	}
	return sets, nil
}

func (s *Session) authorize(ctx context.Context) (Authorization, error) {
	ctx, span := tracer.Start(ctx, "library.Authorize")
	defer span.End()

	auth, err := s.library.Authorize(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AuthDenied, err
	}
	span.SetAttributes(attribute.String("culler.authorization", string(auth)))
	return auth, nil
}

func (s *Session) authorized(ctx context.Context, gen uint64, sets map[string][]AssetID, loadErr error, auth Authorization, authErr error) {
	if gen != s.gen {
		return
	}

	if loadErr != nil {
		s.logger.Error(ctx, loadErr, "failed to load persisted sets")
		s.lastErr = "persisted state unavailable"
		s.setState(StateIdle)
		return
	}

	s.kept = newIDSet(sets[KeyKept])
	s.trashed = newIDSet(sets[KeyTrashed])
	s.purged = newIDSet(sets[KeyPurged])

	if authErr != nil {
		s.logger.Error(ctx, authErr, "library authorization failed")
	}
	if !auth.Granted() {
		s.logger.Warn(ctx, "library access not granted", "authorization", auth)
		s.setState(StateDenied)
		return
	}

	if auth == AuthLimited && !s.pickerOffered {
		s.pickerOffered = true
		s.pickerPending = true
	}

	s.setState(StateLoading)
	s.enumerate(ctx, gen)
}

func (s *Session) enumerate(ctx context.Context, gen uint64) {
	s.async(ctx, func(ctx context.Context) {
		ctx, span := tracer.Start(ctx, "library.ListAssetIDs")
		ids, err := s.library.ListAssetIDs(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("culler.assets", len(ids)))
		span.End()

		s.post(func() { s.enumerated(ctx, gen, ids, err) })
	})
}

func (s *Session) enumerated(ctx context.Context, gen uint64, ids []AssetID, err error) {
	if gen != s.gen {
		return
	}
	if err != nil {
		s.logger.Error(ctx, err, "failed to list library")
		s.lastErr = "library unavailable"
		ids = nil
	}

	all := newIDSet(ids)

	// forget purged ids once the library no longer lists them; a failed
	// listing says nothing about what is gone
	if err == nil {
		pruned := false
		for id := range s.purged {
			if !all.has(id) {
				s.purged.remove(id)
				pruned = true
			}
		}
		if pruned {
			s.persistSets()
		}
	}

	seen := make(idSet, len(ids))
	s.remaining = s.remaining[:0]
	for _, id := range ids {
		if seen.has(id) || s.kept.has(id) || s.trashed.has(id) || s.purged.has(id) {
			continue
		}
		seen.add(id)
		s.remaining = append(s.remaining, id)
	}

	s.epoch = ulid.Make().String()
	s.current = nil
	s.setImage(nil)

	s.logger.Info(ctx, "derived draw pool",
		"epoch", s.epoch,
		"listed", len(ids),
		"remaining", len(s.remaining),
		"kept", len(s.kept),
		"trashed", len(s.trashed),
		"purged", len(s.purged),
	)

	if len(s.remaining) == 0 {
		s.setState(StateEmpty)
		return
	}
	s.setState(StateReady)
	s.selectNext(ctx)
}

// selectNext draws a fresh photo uniformly from the pool and fetches its image.
func (s *Session) selectNext(ctx context.Context) {
	s.setImage(nil)
	if len(s.remaining) == 0 {
		s.current = nil
		s.setState(StateEmpty)
		return
	}

	id := s.remaining[s.opts.IntN(len(s.remaining))]
	s.current = &id
	s.drawSeq++
	seq := s.drawSeq
	s.opts.Hooks.draw(len(s.remaining))
	s.setState(StateReady)

	size := s.opts.TargetSize
	s.async(ctx, func(ctx context.Context) {
		ctx, span := tracer.Start(ctx, "library.FetchImage", trace.WithAttributes(
			attribute.String("culler.asset.id", string(id)),
			attribute.Int("culler.target.width", size.Width),
			attribute.Int("culler.target.height", size.Height),
		))
		start := time.Now()
		img, err := s.library.FetchImage(ctx, id, size)
		dur := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		s.post(func() { s.fetched(ctx, seq, id, img, err, dur) })
	})
}

func (s *Session) fetched(ctx context.Context, seq uint64, id AssetID, img image.Image, err error, dur time.Duration) {
	if s.current == nil || *s.current != id || seq != s.drawSeq {
		s.opts.Hooks.fetch(FetchStale, dur.Seconds())
		return
	}

	switch {
	case errors.Is(err, ErrAssetNotFound):
		s.opts.Hooks.fetch(FetchMissing, dur.Seconds())
		s.logger.Warn(ctx, "asset vanished before fetch, redrawing", "asset", id)
		s.removeRemaining(id)
		s.selectNext(ctx)
	case err != nil:
		s.opts.Hooks.fetch(FetchError, dur.Seconds())
		s.logger.Warn(ctx, "image fetch failed, showing placeholder", "asset", id, "error", err)
	case img == nil:
		s.opts.Hooks.fetch(FetchEmpty, dur.Seconds())
	default:
		s.opts.Hooks.fetch(FetchOK, dur.Seconds())
		s.setImage(img)
	}
}

func (s *Session) decidable() bool {
	return s.state == StateReady && s.current != nil && !s.deleting
}

func (s *Session) keepCurrent(ctx context.Context, span trace.Span) {
	if !s.decidable() {
		return
	}
	id := *s.current
	span.SetAttributes(attribute.String("culler.asset.id", string(id)))

	s.kept.add(id)
	s.persistSets()
	s.removeRemaining(id)
	s.opts.Hooks.decision(DecisionKeep)
	s.selectNext(ctx)
}

func (s *Session) deleteCurrent(ctx context.Context, span trace.Span) {
	if !s.decidable() {
		return
	}
	id := *s.current
	span.SetAttributes(
		attribute.String("culler.asset.id", string(id)),
		attribute.Bool("culler.immediate", s.opts.ImmediateDeletes),
	)

	if !s.opts.ImmediateDeletes {
		s.trashed.add(id)
		s.persistSets()
		s.removeRemaining(id)
		s.opts.Hooks.decision(DecisionTrash)
		s.selectNext(ctx)
		return
	}

	s.deleting = true
	s.async(ctx, func(ctx context.Context) {
		err := s.deleteAssets(ctx, []AssetID{id})
		s.post(func() { s.deletedOne(ctx, id, err) })
	})
}

func (s *Session) deletedOne(ctx context.Context, id AssetID, err error) {
	s.deleting = false
	if err != nil {
		s.logger.Error(ctx, err, "failed to delete photo", "asset", id)
		s.lastErr = fmt.Sprintf("failed to delete photo: %v", err)
		return
	}

	s.lastErr = ""
	s.opts.Hooks.decision(DecisionDelete)
	s.removeRemaining(id)
	if s.current != nil && *s.current == id {
		s.selectNext(ctx)
	}
}

func (s *Session) deleteTrashed(ctx context.Context, span trace.Span) {
	if len(s.trashed) == 0 || s.purging {
		return
	}
	if s.state != StateReady && s.state != StateEmpty {
		return
	}

	batch := s.trashed.sorted()
	report := &PurgeReport{
		ID:        ulid.Make().String(),
		Requested: len(batch),
		StartedAt: time.Now(),
	}
	span.SetAttributes(
		attribute.String("culler.purge.id", report.ID),
		attribute.Int("culler.purge.size", len(batch)),
	)

	s.purging = true
	gen := s.gen
	s.async(ctx, func(ctx context.Context) {
		err := s.deleteAssets(ctx, batch)
		s.post(func() { s.purgedBatch(ctx, gen, report, batch, err) })
	})
}

func (s *Session) deleteAssets(ctx context.Context, ids []AssetID) error {
	ctx, span := tracer.Start(ctx, "library.Delete", trace.WithAttributes(
		attribute.Int("culler.assets", len(ids)),
	))
	defer span.End()

	err := s.library.Delete(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// purgedBatch treats the library call as all-or-nothing: submitted ids leave
// the trash whatever the outcome.
func (s *Session) purgedBatch(ctx context.Context, gen uint64, report *PurgeReport, batch []AssetID, err error) {
	s.purging = false
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt).Seconds()
	if err != nil {
		report.Error = err.Error()
		s.logger.Error(ctx, err, "batch delete reported failure", "purge_id", report.ID, "requested", report.Requested)
	} else {
		s.logger.Info(ctx, "batch delete complete", "purge_id", report.ID, "requested", report.Requested)
	}
	s.opts.Hooks.purge(report)
	s.notify(ctx, report)

	// a reset while the purge was in flight already re-derived the pool
	if gen != s.gen {
		return
	}

	for _, id := range batch {
		s.trashed.remove(id)
		s.purged.add(id)
	}
	s.persistSets()

	s.current = nil
	s.setImage(nil)
	s.setState(StateLoading)
	s.enumerate(ctx, s.bumpGen())
}

func (s *Session) notify(ctx context.Context, report *PurgeReport) {
	if s.opts.Notifier == nil {
		return
	}
	cp := *report
	s.async(ctx, func(ctx context.Context) {
		if err := s.opts.Notifier.Send(ctx, &cp); err != nil {
			s.logger.Warn(ctx, "purge notification failed", "purge_id", cp.ID, "error", err)
		}
	})
}

func (s *Session) resetData(ctx context.Context) {
	if s.state == StateRequestingPermission {
		s.logger.Warn(ctx, "reset ignored while authorization is pending")
		return
	}

	s.kept, s.trashed, s.purged = idSet{}, idSet{}, idSet{}
	s.persistSets()
	s.lastErr = ""

	if s.state == StateIdle || s.state == StateDenied {
		return
	}

	s.current = nil
	s.setImage(nil)
	s.setState(StateLoading)
	s.enumerate(ctx, s.bumpGen())
}

func (s *Session) removeRemaining(id AssetID) {
	for i, r := range s.remaining {
		if r == id {
			s.remaining = append(s.remaining[:i], s.remaining[i+1:]...)
			return
		}
	}
}

func (s *Session) persistSets() {
	s.persist.enqueue(map[string][]AssetID{
		KeyKept:    s.kept.sorted(),
		KeyTrashed: s.trashed.sorted(),
		KeyPurged:  s.purged.sorted(),
	})
}

func (s *Session) setImage(img image.Image) {
	if img == nil && s.image == nil {
		return
	}
	s.image = img
	s.imageVer++
}

func (s *Session) bumpGen() uint64 {
	s.gen++
	return s.gen
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	s.state = to
	s.opts.Hooks.transition(to, len(s.remaining))
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Epoch:       s.epoch,
		ImageReady:  s.image != nil,
		Remaining:   len(s.remaining),
		Kept:        len(s.kept),
		Trashed:     len(s.trashed),
		Purged:      len(s.purged),
		Purging:     s.purging,
		LastError:   s.lastErr,
		OfferPicker: s.pickerPending,
	}
	if s.current != nil {
		id := *s.current
		snap.Current = &id
	}
	return snap
}

// publish hands the loop state to readers when it changed.
func (s *Session) publish() {
	snap := s.snapshot()

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	if sameSnapshot(s.latest, snap) && s.latestVer == s.imageVer {
		return
	}
	snap.UpdatedAt = time.Now()
	s.latest = snap
	s.latestIm = s.image
	s.latestVer = s.imageVer

	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// replace the unread value
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func sameSnapshot(a, b Snapshot) bool {
	if (a.Current == nil) != (b.Current == nil) {
		return false
	}
	if a.Current != nil && *a.Current != *b.Current {
		return false
	}
	a.Current, b.Current = nil, nil
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}
