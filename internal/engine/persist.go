package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierkv/tierkv/internal/snapshot"
	"github.com/tierkv/tierkv/internal/wal"
)

// persister is the single goroutine that owns all WAL and snapshot I/O.
// Mutations reach it through a bounded channel, so a slow disk backpressures
// writers instead of growing memory without bound.
type persister struct {
	ch   chan wal.Record
	quit chan struct{}
	dead chan struct{} // closed when the worker goroutine exits

	w       *wal.Writer
	snaps   *snapshot.Manager
	opts    Options
	collect func() *snapshot.Snapshot

	// Worker-goroutine state, never touched from outside run.
	opsSinceSnap int64

	closeOnce sync.Once
}

func newPersister(w *wal.Writer, snaps *snapshot.Manager, opts Options, collect func() *snapshot.Snapshot) *persister {
	return &persister{
		ch:      make(chan wal.Record, opts.QueueSize),
		quit:    make(chan struct{}),
		dead:    make(chan struct{}),
		w:       w,
		snaps:   snaps,
		opts:    opts,
		collect: collect,
	}
}

func (p *persister) start() {
	go p.run()
}

// enqueue hands rec to the worker, blocking while the queue is full.
// Returns false if the worker has exited.
func (p *persister) enqueue(rec wal.Record) bool {
	select {
	case <-p.dead:
		return false
	default:
	}
	select {
	case p.ch <- rec:
		return true
	case <-p.dead:
		return false
	}
}

func (p *persister) alive() bool {
	select {
	case <-p.dead:
		return false
	default:
		return true
	}
}

// Close asks the worker to drain, flush and exit, then waits for it.
func (p *persister) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	<-p.dead
}

func (p *persister) run() {
	defer close(p.dead)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("persistence worker crashed")
		}
	}()

	flushTick := time.NewTicker(p.opts.FlushInterval)
	defer flushTick.Stop()
	snapTick := time.NewTicker(p.opts.SnapshotInterval)
	defer snapTick.Stop()

	for {
		select {
		case rec := <-p.ch:
			p.consume(rec)
		case <-flushTick.C:
			if err := p.w.Flush(); err != nil {
				log.Warn().Err(err).Msg("wal flush failed")
			}
		case <-snapTick.C:
			p.snapshotNow()
		case <-p.quit:
			p.drain()
			if err := p.w.Flush(); err != nil {
				log.Warn().Err(err).Msg("final wal flush failed")
			}
			if err := p.w.Close(); err != nil {
				log.Warn().Err(err).Msg("wal close failed")
			}
			return
		}
	}
}

func (p *persister) consume(rec wal.Record) {
	p.w.Append(rec)
	p.opsSinceSnap++
	if p.w.Size() >= p.opts.WALMaxBytes {
		if err := p.w.Flush(); err != nil {
			log.Warn().Err(err).Msg("wal flush failed")
			return
		}
		if err := p.w.Rotate(time.Now().UnixNano()); err != nil {
			log.Warn().Err(err).Msg("wal rotate failed")
		}
	}
	if p.opsSinceSnap >= p.opts.SnapshotOps {
		p.snapshotNow()
	}
}

// drain consumes whatever is still queued at shutdown so the final flush
// covers it.
func (p *persister) drain() {
	for {
		select {
		case rec := <-p.ch:
			p.w.Append(rec)
		default:
			return
		}
	}
}

// snapshotNow serialises the current engine state and prunes WAL segments
// the snapshot makes redundant. The WAL position is captured before state
// collection: records stamped later than pos may also be reflected in the
// snapshot, but every logged record carries the absolute resulting state,
// so replaying them on top is a no-op.
func (p *persister) snapshotNow() {
	pos := time.Now().UnixNano()
	if err := p.w.Flush(); err != nil {
		log.Warn().Err(err).Msg("wal flush before snapshot failed")
		return
	}
	snap := p.collect()
	snap.WALPos = pos
	meta, err := p.snaps.Create(snap)
	if err != nil {
		log.Error().Err(err).Msg("snapshot failed")
		return
	}
	p.opsSinceSnap = 0
	if err := p.w.Rotate(pos); err != nil {
		log.Warn().Err(err).Msg("wal rotate after snapshot failed")
		return
	}
	wal.PruneBefore(p.opts.DataDir, pos)
	log.Info().
		Str("path", meta.Path).
		Int64("bytes", meta.SizeBytes).
		Msg("snapshot written")
}
