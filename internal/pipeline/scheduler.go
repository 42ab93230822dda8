package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
)

// SchedulerConfig carries the runtime knobs of the dispatch loop.
type SchedulerConfig struct {
	Procs      int
	Sleep      time.Duration
	Priorities []string
	// WorkerTimeout, when positive, bounds each worker with a context
	// deadline. Zero leaves workers unbounded.
	WorkerTimeout time.Duration
}

type taskResult struct {
	taskID string
	action string
	fileID uint
	dirID  uint
	err    error
}

// Scheduler is the long-lived dispatch loop: each tick it fills the free
// concurrency slots in fixed priority order, sleeps, then reaps finished
// workers. Dispatching flips the row to 'submitted' in its own transaction,
// so a row is handed to exactly one worker no matter how ticks interleave.
type Scheduler struct {
	pipe     *Pipeline
	cfg      SchedulerConfig
	inflight map[string]string // task id -> action
	results  chan taskResult
}

func NewScheduler(pipe *Pipeline, cfg SchedulerConfig) *Scheduler {
	if cfg.Procs < 1 {
		cfg.Procs = 1
	}
	return &Scheduler{
		pipe:     pipe,
		cfg:      cfg,
		inflight: make(map[string]string),
		results:  make(chan taskResult, cfg.Procs),
	}
}

// Run drives the loop until ctx is cancelled, then waits for in-flight
// workers to finish. Store-level failures propagate: the loop cannot make
// safe progress without its source of truth.
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Info("Scheduler started", map[string]interface{}{
		"procs":      s.cfg.Procs,
		"sleep":      s.cfg.Sleep.String(),
		"priorities": s.cfg.Priorities,
	})
	for {
		if err := s.tick(ctx); err != nil {
			s.drain()
			return err
		}
		select {
		case <-ctx.Done():
			logger.Info("Scheduler stopping, waiting for in-flight workers", map[string]interface{}{
				"inflight": len(s.inflight),
			})
			s.drain()
			return nil
		case <-time.After(s.cfg.Sleep):
		}
		s.reap()
	}
}

// tick fills the free slots. Load and calibrate go first: they free
// downstream capacity fastest. Grouping runs last, feeding the pipeline only
// when transform work does not saturate it.
func (s *Scheduler) tick(ctx context.Context) error {
	free := s.cfg.Procs - len(s.inflight)
	if free <= 0 {
		return nil
	}

	n, err := s.dispatchLoad(ctx, free)
	if err != nil {
		return err
	}
	free -= n

	for _, name := range []string{ActionCalibrate, ActionClean, ActionCorrect, ActionCombine} {
		if free <= 0 {
			return nil
		}
		n, err := s.dispatchStage(ctx, actions[name], free)
		if err != nil {
			return err
		}
		free -= n
	}

	if free <= 0 {
		return nil
	}
	_, err = s.dispatchGrouping(ctx, free)
	return err
}

func (s *Scheduler) dispatchLoad(ctx context.Context, free int) (int, error) {
	rows, err := s.pipe.store.FilesToLoad(s.cfg.Priorities)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, row := range rows {
		if launched >= free {
			break
		}
		won, err := s.pipe.store.ClaimToLoad(row.ID)
		if err != nil {
			return launched, err
		}
		if !won {
			continue
		}
		row.Status = models.FileStatusSubmitted
		s.launch(ctx, actions[ActionLoad], row)
		launched++
	}
	return launched, nil
}

func (s *Scheduler) dispatchStage(ctx context.Context, action Action, free int) (int, error) {
	rows, err := s.pipe.store.SelectEligible(action.InputStages, action.QCOnly, s.cfg.Priorities)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, row := range rows {
		if launched >= free {
			break
		}
		won, err := s.pipe.store.ClaimFile(row.ID)
		if err != nil {
			return launched, err
		}
		if !won {
			continue
		}
		row.Status = models.FileStatusSubmitted
		s.launch(ctx, action, row)
		launched++
	}
	return launched, nil
}

func (s *Scheduler) dispatchGrouping(ctx context.Context, free int) (int, error) {
	dirs, err := s.pipe.store.DirectoriesByStatus(models.DirectoryStatusNew)
	if err != nil {
		return 0, err
	}
	launched := 0
	for _, dir := range dirs {
		if launched >= free {
			break
		}
		won, err := s.pipe.store.ClaimDirectory(dir.ID)
		if err != nil {
			return launched, err
		}
		if !won {
			continue
		}
		dir.Status = models.DirectoryStatusRunning
		s.launchGrouping(ctx, dir)
		launched++
	}
	return launched, nil
}

// launch starts one worker out-of-band. The row is a snapshot; the worker
// re-reads nothing it does not need.
func (s *Scheduler) launch(ctx context.Context, action Action, row store.FileRow) {
	taskID := uuid.NewString()
	s.inflight[taskID] = action.Name
	logger.WithTask(taskID, action.Name).Infof("Dispatching file %d (%s, stage %s)", row.ID, row.SourceName, row.Stage)
	go func() {
		s.results <- taskResult{
			taskID: taskID,
			action: action.Name,
			fileID: row.ID,
			err:    s.runBounded(ctx, func(wctx context.Context) error { return s.pipe.RunAction(wctx, action, row) }),
		}
	}()
}

func (s *Scheduler) launchGrouping(ctx context.Context, dir models.Directory) {
	taskID := uuid.NewString()
	s.inflight[taskID] = ActionGroup
	logger.WithTask(taskID, ActionGroup).Infof("Dispatching directory %d (%s)", dir.ID, dir.Path)
	go func() {
		s.results <- taskResult{
			taskID: taskID,
			action: ActionGroup,
			dirID:  dir.ID,
			err:    s.runBounded(ctx, func(wctx context.Context) error { return s.pipe.GroupDirectory(wctx, dir) }),
		}
	}()
}

func (s *Scheduler) runBounded(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.WorkerTimeout <= 0 {
		return fn(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WorkerTimeout)
	defer cancel()
	return fn(wctx)
}

// reap removes finished workers from the in-flight set. The worker already
// persisted its row's outcome; failures here are bookkeeping and logging
// only, never a reason to stop the loop.
func (s *Scheduler) reap() {
	for {
		select {
		case res := <-s.results:
			s.finish(res)
		default:
			return
		}
	}
}

// drain blocks until every in-flight worker has reported.
func (s *Scheduler) drain() {
	for len(s.inflight) > 0 {
		s.finish(<-s.results)
	}
}

func (s *Scheduler) finish(res taskResult) {
	delete(s.inflight, res.taskID)
	log := logger.WithTask(res.taskID, res.action)
	if res.err != nil {
		if res.dirID != 0 {
			log.WithError(res.err).Errorf("Worker failed for directory %d", res.dirID)
		} else {
			log.WithError(res.err).Errorf("Worker failed for file %d", res.fileID)
		}
		return
	}
	log.Debug("Worker finished")
}
