// Package backend implements the asynchronous mapping backend: the
// producer/consumer loop that ingests a submitted keyframe, fuses
// duplicate landmarks, runs a two-pass local bundle adjustment with outlier
// rejection, and publishes results back to the tracking frontend. It does
// not triangulate: new mappoints arrive with the positions the frontend
// gave them.
//
// The worker goroutine, its single-slot mailbox, and shutdown are grounded
// on the reference stack's component-driver idiom (e.g.
// components/camera/replaypcd, services/slam/builtin): a background
// goroutine launched at construction, a sync.WaitGroup joined by Stop, and
// a cancelable context.Context standing in for a boolean run-flag plus
// condition variable. The one-slot buffer is a mutex-guarded pending
// *Input that each submission overwrites (replace-not-queue), paired with a
// capacity-1 chan struct{} that a non-blocking send uses to wake the
// worker.
package backend

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/slamcore/camera"
	"go.viam.com/slamcore/handoff"
	"go.viam.com/slamcore/keyframe"
	"go.viam.com/slamcore/mappoint"
	"go.viam.com/slamcore/mapmanager"
	"go.viam.com/slamcore/optimizer"
	"go.viam.com/slamcore/slamerrors"
)

// NewMappointMatch pairs a frontend-constructed candidate mappoint with the
// keypoint index in the submitted keyframe it was triangulated from.
type NewMappointMatch struct {
	Mappoint *mappoint.Mappoint
	KpIdx    int
}

// Input is one frontend submission: a fully constructed keyframe (keypoints
// and descriptors set, no observations registered yet), the existing
// mappoints the frontend matched against it, and the candidate new
// mappoints it triangulated from previously-unmatched keypoints.
type Input struct {
	Keyframe   *keyframe.Keyframe
	OldMatches map[int64]int // existing mappoint id -> keypoint index
	NewMatches []NewMappointMatch
}

// Backend is the single background worker processing submitted keyframes
// against a shared MapManager.
type Backend struct {
	logger golog.Logger
	cfg    Config
	mm     *mapmanager.MapManager
	cb     handoff.Callback
	opt    *optimizer.Adapter

	mu      sync.Mutex
	pending *Input

	notify chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackend validates cfg, wires an optimizer adapter around cam, and
// starts the background worker. Fatal construction errors (invalid config,
// no camera model) are returned to the caller and the worker is never
// started.
func NewBackend(cfg Config, mm *mapmanager.MapManager, cam *camera.Model, logger golog.Logger, cb handoff.Callback) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "backend: construction failed")
	}
	if cam == nil {
		return nil, errors.Wrap(slamerrors.ErrOptimizerUnavailable, "backend: no camera model supplied")
	}
	if logger == nil {
		logger = golog.NewDevelopmentLogger("backend")
	}
	if mm == nil {
		mm = mapmanager.New(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger: logger,
		cfg:    cfg,
		mm:     mm,
		cb:     cb,
		opt:    optimizer.NewAdapter(logger, cam),
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}

	b.wg.Add(1)
	go b.run(ctx)
	return b, nil
}

// MapManager returns the shared map registry this backend mutates.
func (b *Backend) MapManager() *mapmanager.MapManager { return b.mm }

// ProcessNewKeyframe submits input for processing. It replaces — never
// queues — any input the worker has not yet consumed: the frontend is
// expected to only submit once the previous submission has been consumed,
// but the backend tolerates replacement and guarantees it processes
// whichever input is present when it next wakes.
func (b *Backend) ProcessNewKeyframe(input *Input) {
	b.mu.Lock()
	b.pending = input
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// run is the worker's Idle -> Processing -> Idle loop; ctx.Done() is the
// Stopping signal.
func (b *Backend) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.opt.Clear()
			return
		case <-b.notify:
			b.mu.Lock()
			input := b.pending
			b.pending = nil
			b.mu.Unlock()
			if input == nil {
				continue
			}
			if err := b.processOnce(input); err != nil {
				b.logger.Warnw("backend: iteration failed, continuing", "error", err)
			}
		}
	}
}

// Stop requests shutdown, waits for the worker to finish its current
// iteration and join, and releases the optimizer's vertex/edge state.
// Returns once the worker has exited; subsequent ProcessNewKeyframe calls
// are not required to succeed but must not panic.
func (b *Backend) Stop() {
	b.cancel()
	b.wg.Wait()
}
