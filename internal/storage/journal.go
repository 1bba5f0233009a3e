package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

// JournalWriter is the persistence side of the journal. ExecutionStore
// implements it.
type JournalWriter interface {
	StartExecution(ctx context.Context, exec *Execution) error
	AppendEvent(ctx context.Context, event *ExecutionEvent) error
	FinishExecution(ctx context.Context, id uuid.UUID, state, lastError, safetyCode string, finishedAt time.Time) error
}

// RunDescriber names the program behind a run ID.
type RunDescriber interface {
	DescribeRun(runID uuid.UUID) (number int, name string, ok bool)
}

// Journal records bus events. Observe is registered as a bus observer and
// only enqueues; Run performs the writes so the database never slows the
// dispatcher.
type Journal struct {
	writer    JournalWriter
	describer RunDescriber
	logger    *zap.Logger
	queue     chan streaming.Event
	timeout   time.Duration

	mu   sync.Mutex
	runs map[uuid.UUID]runState
}

type runState int

const (
	runUnknown runState = iota
	runOpen
	runFinished
)

func NewJournal(writer JournalWriter, describer RunDescriber, queueSize int, logger *zap.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Journal{
		writer:    writer,
		describer: describer,
		logger:    logger,
		queue:     make(chan streaming.Event, queueSize),
		timeout:   5 * time.Second,
		runs:      make(map[uuid.UUID]runState),
	}
}

func (j *Journal) Observe(event streaming.Event) {
	if event.RunID == uuid.Nil {
		return
	}
	select {
	case j.queue <- event:
	default:
		j.logger.Warn("Journal queue full, dropping event",
			zap.String("run_id", event.RunID.String()),
			zap.String("kind", string(event.Kind)))
	}
}

// Run writes queued events until ctx is done.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-j.queue:
			j.record(event)
		}
	}
}

func (j *Journal) record(event streaming.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	// Events after the end of a run, such as a reset, stay out of its record.
	switch j.state(event.RunID) {
	case runFinished:
		return
	case runUnknown:
		exec := &Execution{
			ID:         event.RunID,
			TotalSteps: event.TotalSteps,
			State:      event.State,
			StartedAt:  event.Timestamp,
		}
		if j.describer != nil {
			if number, name, ok := j.describer.DescribeRun(event.RunID); ok {
				exec.ProgramNumber = &number
				exec.ProgramName = name
			}
		}
		if err := j.writer.StartExecution(ctx, exec); err != nil {
			j.logger.Error("Failed to journal execution start", zap.Error(err))
			return
		}
		j.setState(event.RunID, runOpen)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		j.logger.Error("Failed to encode journal event", zap.Error(err))
		return
	}
	record := &ExecutionEvent{
		ID:          event.ID,
		ExecutionID: event.RunID,
		Kind:        string(event.Kind),
		Payload:     payload,
		CreatedAt:   event.Timestamp,
	}
	if event.Step != nil {
		index := event.Step.Index
		record.StepIndex = &index
	}
	if err := j.writer.AppendEvent(ctx, record); err != nil {
		j.logger.Error("Failed to journal event",
			zap.String("kind", record.Kind),
			zap.Error(err))
	}

	if event.IsTerminal() {
		lastError := ""
		if event.Kind == streaming.EventError || event.Kind == streaming.EventEmergencyStop {
			lastError = event.Message
		}
		if err := j.writer.FinishExecution(ctx, event.RunID, string(event.Kind), lastError, event.SafetyCode, event.Timestamp); err != nil {
			j.logger.Error("Failed to journal execution end", zap.Error(err))
		}
		j.setState(event.RunID, runFinished)
	}
}

func (j *Journal) state(runID uuid.UUID) runState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs[runID]
}

func (j *Journal) setState(runID uuid.UUID, state runState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[runID] = state
}
