package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/observability"
)

// Parallel branch states persisted under the reserved data key.
const (
	branchPending   = "PENDING"
	branchCompleted = "COMPLETED"
)

const parallelKeyPrefix = "_parallel_"

// parallelDataKey names the reserved instance-data key holding fan-out
// state for a parallel node. Only the manager reads or writes these keys.
func parallelDataKey(step string) string { return parallelKeyPrefix + step }

// Manager is the process-manager core. It owns the configuration registry
// and drives instances through dispatch, reply handling, parallel
// fan-out/fan-in, retry, and compensation. All public mutations run inside
// the unit-of-work.
type Manager struct {
	mu      sync.RWMutex
	configs map[string]Configuration

	uow      domain.UnitOfWork
	procs    domain.ProcessRepository
	commands domain.CommandRepository
	dlq      domain.DLQRepository
	bus      domain.CommandBus
	host     string

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager constructs a Manager over its ports. host identifies this
// instance in DLQ entries.
func NewManager(uow domain.UnitOfWork, procs domain.ProcessRepository, commands domain.CommandRepository, dlq domain.DLQRepository, bus domain.CommandBus, host string) *Manager {
	return &Manager{
		configs:  make(map[string]Configuration),
		uow:      uow,
		procs:    procs,
		commands: commands,
		dlq:      dlq,
		bus:      bus,
		host:     host,
		shutdown: make(chan struct{}),
	}
}

// Register installs a process configuration. The configuration for a given
// process type is registered exactly once; re-registration is an error and
// the first registration is preserved.
func (m *Manager) Register(cfg Configuration) error {
	if cfg.ProcessType == "" {
		return fmt.Errorf("op=process.register: %w: empty process type", domain.ErrInvalidArgument)
	}
	if cfg.Graph == nil {
		return fmt.Errorf("op=process.register: %w: nil graph for %q", domain.ErrInvalidArgument, cfg.ProcessType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ProcessType]; ok {
		return fmt.Errorf("op=process.register: %q: %w", cfg.ProcessType, domain.ErrAlreadyExists)
	}
	m.configs[cfg.ProcessType] = cfg
	return nil
}

func (m *Manager) config(processType string) (Configuration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[processType]
	return cfg, ok
}

// Start creates an instance and immediately drives the initial step. The
// insert, the ProcessStarted event, and the initial dispatch share one
// unit-of-work. If the initial dispatch fails, the failed transaction is
// rolled back, the instance is committed as FAILED in a fresh transaction,
// and the error surfaces to the caller.
func (m *Manager) Start(ctx domain.Context, processType, businessKey string, initialData map[string]any) (uuid.UUID, error) {
	tr := otel.Tracer("process.manager")
	ctx, span := tr.Start(ctx, "Manager.Start")
	defer span.End()

	cfg, ok := m.config(processType)
	if !ok {
		return uuid.Nil, fmt.Errorf("op=process.start: type %q: %w", processType, domain.ErrNotFound)
	}

	now := time.Now().UTC()
	inst := domain.ProcessInstance{
		ProcessID:   uuid.New(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      domain.ProcessNew,
		CurrentStep: cfg.Graph.InitialStep(),
		Data:        copyData(initialData),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := m.uow.Do(ctx, func(ctx domain.Context) error {
		if err := m.procs.Insert(ctx, inst); err != nil {
			return err
		}
		if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessStarted}); err != nil {
			return err
		}
		return m.executeStep(ctx, &inst, cfg)
	})
	if err != nil {
		m.commitStartFailure(ctx, inst, err)
		return inst.ProcessID, fmt.Errorf("op=process.start: %w", err)
	}

	observability.ProcessesStartedTotal.WithLabelValues(processType).Inc()
	slog.Info("process started",
		slog.String("process_id", inst.ProcessID.String()),
		slog.String("process_type", processType),
		slog.String("business_key", businessKey))
	return inst.ProcessID, nil
}

// commitStartFailure records a FAILED instance after the start transaction
// rolled back. A failed INSERT aborts the surrounding Postgres transaction,
// so the terminal snapshot goes through a fresh one.
func (m *Manager) commitStartFailure(ctx domain.Context, inst domain.ProcessInstance, cause error) {
	inst.Status = domain.ProcessFailed
	inst.UpdatedAt = time.Now().UTC()
	err := m.uow.Do(ctx, func(ctx domain.Context) error {
		if err := m.procs.Insert(ctx, inst); err != nil {
			// The failed transaction may not have rolled back the
			// original insert (joined unit-of-work); fall back to an
			// update of the existing row.
			if updErr := m.procs.Update(ctx, inst); updErr != nil {
				return err
			}
		} else if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessStarted}); err != nil {
			return err
		}
		return m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessFailed, Error: cause.Error()})
	})
	if err != nil {
		slog.Error("failed to record start failure",
			slog.String("process_id", inst.ProcessID.String()),
			slog.Any("error", err))
		return
	}
	observability.ProcessesFinishedTotal.WithLabelValues(inst.ProcessType, string(domain.ProcessFailed)).Inc()
}

// HandleReply routes a correlated reply to the instance it belongs to.
// Replies for unknown correlations are tolerated: logged and dropped.
// Errors are returned so the reply transport redelivers; idempotency of
// redelivery relies on the inbox check performed by the consumer.
func (m *Manager) HandleReply(ctx domain.Context, correlationID, commandID uuid.UUID, reply domain.Reply) error {
	tr := otel.Tracer("process.manager")
	ctx, span := tr.Start(ctx, "Manager.HandleReply")
	defer span.End()

	err := m.uow.Do(ctx, func(ctx domain.Context) error {
		inst, err := m.procs.FindByID(ctx, correlationID)
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("reply for unknown correlation",
				slog.String("correlation_id", correlationID.String()),
				slog.String("command_id", commandID.String()))
			return nil
		}
		if err != nil {
			return err
		}
		if inst.Status.Terminal() || inst.Status == domain.ProcessPaused {
			slog.Warn("reply for non-waiting instance dropped",
				slog.String("process_id", inst.ProcessID.String()),
				slog.String("status", string(inst.Status)),
				slog.String("reply_status", reply.Status))
			return nil
		}
		cfg, ok := m.config(inst.ProcessType)
		if !ok {
			return fmt.Errorf("op=process.reply: type %q unregistered: %w", inst.ProcessType, domain.ErrNotFound)
		}
		if commandID != uuid.Nil {
			if err := m.markCommandTerminal(ctx, commandID, reply); err != nil {
				return err
			}
		}
		switch reply.Status {
		case domain.TypeCommandCompleted:
			return m.handleStepCompleted(ctx, &inst, cfg, commandID, reply)
		case domain.TypeCommandFailed:
			return m.handleStepFailed(ctx, &inst, cfg, commandID, reply.Error, reply)
		case domain.TypeCommandTimedOut:
			return m.handleStepTimedOut(ctx, &inst, cfg, commandID, reply)
		default:
			slog.Warn("reply with unknown status dropped",
				slog.String("process_id", inst.ProcessID.String()),
				slog.String("reply_status", reply.Status))
			return nil
		}
	})
	if err != nil {
		slog.Error("reply handling failed",
			slog.String("correlation_id", correlationID.String()),
			slog.String("command_id", commandID.String()),
			slog.Any("error", err))
	}
	return err
}

func (m *Manager) markCommandTerminal(ctx domain.Context, commandID uuid.UUID, reply domain.Reply) error {
	var status domain.CommandStatus
	switch reply.Status {
	case domain.TypeCommandCompleted:
		status = domain.CommandSucceeded
	case domain.TypeCommandFailed:
		status = domain.CommandFailed
	case domain.TypeCommandTimedOut:
		status = domain.CommandTimedOut
	default:
		return nil
	}
	err := m.commands.MarkTerminal(ctx, commandID, status, reply.Error)
	if errors.Is(err, domain.ErrNotFound) {
		// Reply for a command this store never saw; the instance lookup
		// already succeeded so keep going.
		slog.Warn("reply for unknown command", slog.String("command_id", commandID.String()))
		return nil
	}
	return err
}

// executeStep dispatches the instance's current step: the parallel path for
// a parallel node, the sequential path otherwise. Runs inside the caller's
// unit-of-work.
func (m *Manager) executeStep(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration) error {
	step, ok := cfg.Graph.Step(inst.CurrentStep)
	if !ok {
		return domain.Permanent(fmt.Errorf("op=process.execute: unknown step %q", inst.CurrentStep))
	}
	if par, parallel := step.Next.(Parallel); parallel {
		return m.fanOut(ctx, inst, step, par)
	}

	idemKey := inst.ProcessID.String() + ":" + step.Name
	headers := m.commandHeaders(inst, idemKey)
	payload, err := commandPayload(inst, step.Name, "")
	if err != nil {
		return err
	}
	cmdID, err := m.bus.Accept(ctx, CommandNameForStep(step.Name), idemKey, inst.BusinessKey, payload, headers)
	if err != nil {
		return err
	}

	inst.Status = domain.ProcessRunning
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	return m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepStarted,
		Step:      step.Name,
		CommandID: cmdID.String(),
	})
}

// fanOut initializes the reserved parallel state, advances the instance to
// the join step, and dispatches one command per branch. A single
// StepStarted(step, "PARALLEL:<n>") event covers the whole fan-out.
func (m *Manager) fanOut(ctx domain.Context, inst *domain.ProcessInstance, step Step, par Parallel) error {
	state := make(map[string]any, len(par.Branches))
	for _, b := range par.Branches {
		state[b] = branchPending
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	inst.Data[parallelDataKey(step.Name)] = state
	inst.CurrentStep = par.JoinStep

	for _, branch := range par.Branches {
		idemKey := inst.ProcessID.String() + ":" + branch
		headers := m.commandHeaders(inst, idemKey)
		headers[domain.HeaderParallelBranch] = branch
		headers[domain.HeaderParentStep] = step.Name
		payload, err := commandPayload(inst, branch, branch)
		if err != nil {
			return err
		}
		if _, err := m.bus.Accept(ctx, CommandNameForStep(branch), idemKey, inst.BusinessKey, payload, headers); err != nil {
			return err
		}
	}

	inst.Status = domain.ProcessRunning
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	return m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepStarted,
		Step:      step.Name,
		CommandID: "PARALLEL:" + strconv.Itoa(len(par.Branches)),
	})
}

func (m *Manager) handleStepCompleted(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, commandID uuid.UUID, reply domain.Reply) error {
	// Branch replies route by their echo even while compensating: a late
	// branch completion must not be mistaken for the compensation reply.
	if branch := reply.ParallelBranch(); branch != "" {
		return m.handleBranchCompleted(ctx, inst, cfg, commandID, branch, reply)
	}
	if inst.Status == domain.ProcessCompensating {
		return m.completeCompensation(ctx, inst, commandID)
	}

	step := inst.CurrentStep
	mergeData(inst, reply.Data)
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepCompleted,
		Step:      step,
		CommandID: commandID.String(),
		Details:   reply.Data,
	}); err != nil {
		return err
	}

	next, err := cfg.Graph.NextStep(step, inst.Data)
	if err != nil {
		return domain.Permanent(err)
	}
	if next != "" {
		inst.CurrentStep = next
		inst.Retries = 0
		return m.executeStep(ctx, inst, cfg)
	}
	return m.completeProcess(ctx, inst)
}

// handleBranchCompleted merges the branch result and performs fan-in: the
// join step is dispatched exactly once, after the last pending branch.
func (m *Manager) handleBranchCompleted(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, commandID uuid.UUID, branch string, reply domain.Reply) error {
	mergeData(inst, reply.Data)

	key, state := findParallelState(inst, branch)
	if key == "" {
		// A branch reply with no live fan-out: the process fail-fasted or
		// an operator replayed a stale message. Dropped without events.
		slog.Warn("late parallel branch reply dropped",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("branch", branch))
		return nil
	}
	state[branch] = branchCompleted

	if pending(state) {
		if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventStepCompleted,
			Step:      branch,
			CommandID: commandID.String(),
			Details:   reply.Data,
		}); err != nil {
			return err
		}
		inst.UpdatedAt = time.Now().UTC()
		return m.procs.Update(ctx, *inst)
	}

	delete(inst.Data, key)
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepCompleted,
		Step:      branch,
		CommandID: commandID.String(),
		Details:   reply.Data,
	}); err != nil {
		return err
	}
	// CurrentStep was advanced to the join at fan-out; dispatching it now
	// behaves exactly like a sequential advance.
	inst.Retries = 0
	return m.executeStep(ctx, inst, cfg)
}

func (m *Manager) handleStepFailed(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, commandID uuid.UUID, errMsg string, reply domain.Reply) error {
	if branch := reply.ParallelBranch(); branch != "" {
		return m.failFast(ctx, inst, cfg, commandID, branch, errMsg)
	}
	if inst.Status == domain.ProcessCompensating {
		return m.failCompensation(ctx, inst, commandID, errMsg)
	}

	step := inst.CurrentStep
	if cfg.retryable(step, errMsg) && inst.Retries < cfg.maxRetries(step) {
		inst.Retries++
		inst.UpdatedAt = time.Now().UTC()
		if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
			Type:      domain.EventStepFailed,
			Step:      step,
			CommandID: commandID.String(),
			Error:     errMsg,
			Retryable: true,
		}); err != nil {
			return err
		}
		if err := m.procs.Update(ctx, *inst); err != nil {
			return err
		}
		// The delay runs outside the transaction: this commit releases
		// the UoW, the re-dispatch opens a fresh one.
		m.scheduleRedispatch(inst.ProcessID, inst.ProcessType, step, cfg.retryDelay(step, inst.Retries))
		return nil
	}

	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepFailed,
		Step:      step,
		CommandID: commandID.String(),
		Error:     errMsg,
	}); err != nil {
		return err
	}
	return m.handlePermanentFailure(ctx, inst, cfg, step, commandID, errMsg)
}

func (m *Manager) handleStepTimedOut(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, commandID uuid.UUID, reply domain.Reply) error {
	errMsg := "Timeout: " + reply.Error
	if branch := reply.ParallelBranch(); branch != "" {
		return m.failFast(ctx, inst, cfg, commandID, branch, errMsg)
	}
	if inst.Status == domain.ProcessCompensating {
		return m.failCompensation(ctx, inst, commandID, errMsg)
	}
	step := inst.CurrentStep
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepTimedOut,
		Step:      step,
		CommandID: commandID.String(),
		Error:     errMsg,
	}); err != nil {
		return err
	}
	// Timeouts are permanent at this layer; reply deadlines belong to the
	// transport.
	return m.handlePermanentFailure(ctx, inst, cfg, step, commandID, errMsg)
}

// failFast handles the first failed branch of a parallel fan-out: the whole
// process fails (or compensates, per graph) regardless of pending branches.
// Outstanding branch commands are not cancelled; their late replies find a
// non-waiting instance and are dropped.
func (m *Manager) failFast(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, commandID uuid.UUID, branch, errMsg string) error {
	key, _ := findParallelState(inst, branch)
	if key == "" {
		slog.Warn("late parallel branch failure dropped",
			slog.String("process_id", inst.ProcessID.String()),
			slog.String("branch", branch))
		return nil
	}
	parentStep := strings.TrimPrefix(key, parallelKeyPrefix)
	delete(inst.Data, key)
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventStepFailed,
		Step:      branch,
		CommandID: commandID.String(),
		Error:     errMsg,
	}); err != nil {
		return err
	}
	return m.handlePermanentFailure(ctx, inst, cfg, parentStep, commandID, errMsg)
}

// handlePermanentFailure transitions to COMPENSATING when the failing step
// or a completed predecessor declares a compensation, otherwise to FAILED
// with DLQ parking.
func (m *Manager) handlePermanentFailure(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, step string, commandID uuid.UUID, errMsg string) error {
	source, comp, err := m.findCompensation(ctx, inst, cfg, step)
	if err != nil {
		return err
	}
	if comp != "" {
		return m.startCompensation(ctx, inst, source, comp)
	}

	inst.Status = domain.ProcessFailed
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessFailed, Error: errMsg}); err != nil {
		return err
	}
	observability.ProcessesFinishedTotal.WithLabelValues(inst.ProcessType, string(domain.ProcessFailed)).Inc()
	m.parkCommand(ctx, commandID, errMsg)
	slog.Info("process failed",
		slog.String("process_id", inst.ProcessID.String()),
		slog.String("step", step),
		slog.String("error", errMsg))
	return nil
}

// findCompensation resolves which compensation to dispatch for a permanent
// failure at step: the failing step's own compensation when declared, else
// the most recently completed step that declares one.
func (m *Manager) findCompensation(ctx domain.Context, inst *domain.ProcessInstance, cfg Configuration, step string) (source, comp string, err error) {
	if s, ok := cfg.Graph.Step(step); ok && s.CompensationStep != "" {
		return step, s.CompensationStep, nil
	}
	entries, err := m.procs.LogEntries(ctx, inst.ProcessID)
	if err != nil {
		return "", "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i].Event
		if e.Type != domain.EventStepCompleted {
			continue
		}
		if s, ok := cfg.Graph.Step(e.Step); ok && s.CompensationStep != "" {
			return e.Step, s.CompensationStep, nil
		}
	}
	return "", "", nil
}

func (m *Manager) startCompensation(ctx domain.Context, inst *domain.ProcessInstance, failedStep, comp string) error {
	inst.Status = domain.ProcessCompensating
	inst.CurrentStep = comp
	inst.UpdatedAt = time.Now().UTC()

	idemKey := inst.ProcessID.String() + ":COMPENSATE:" + failedStep
	headers := m.commandHeaders(inst, idemKey)
	headers[domain.HeaderCompensating] = "true"
	payload, err := commandPayload(inst, comp, "")
	if err != nil {
		return err
	}
	cmdID, err := m.bus.Accept(ctx, CommandNameForStep(comp), idemKey, inst.BusinessKey, payload, headers)
	if err != nil {
		return err
	}
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	return m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventCompensationStarted,
		Step:      comp,
		CommandID: cmdID.String(),
	})
}

func (m *Manager) completeCompensation(ctx domain.Context, inst *domain.ProcessInstance, commandID uuid.UUID) error {
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventCompensationCompleted,
		Step:      inst.CurrentStep,
		CommandID: commandID.String(),
	}); err != nil {
		return err
	}
	inst.Status = domain.ProcessCompensated
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	observability.ProcessesFinishedTotal.WithLabelValues(inst.ProcessType, string(domain.ProcessCompensated)).Inc()
	slog.Info("process compensated", slog.String("process_id", inst.ProcessID.String()))
	return nil
}

func (m *Manager) failCompensation(ctx domain.Context, inst *domain.ProcessInstance, commandID uuid.UUID, errMsg string) error {
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{
		Type:      domain.EventCompensationFailed,
		Step:      inst.CurrentStep,
		CommandID: commandID.String(),
		Error:     errMsg,
	}); err != nil {
		return err
	}
	inst.Status = domain.ProcessFailed
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessFailed, Error: errMsg}); err != nil {
		return err
	}
	observability.ProcessesFinishedTotal.WithLabelValues(inst.ProcessType, string(domain.ProcessFailed)).Inc()
	m.parkCommand(ctx, commandID, errMsg)
	return nil
}

func (m *Manager) completeProcess(ctx domain.Context, inst *domain.ProcessInstance) error {
	inst.Status = domain.ProcessSucceeded
	inst.UpdatedAt = time.Now().UTC()
	if err := m.procs.Update(ctx, *inst); err != nil {
		return err
	}
	if err := m.procs.Log(ctx, inst.ProcessID, domain.ProcessEvent{Type: domain.EventProcessCompleted}); err != nil {
		return err
	}
	observability.ProcessesFinishedTotal.WithLabelValues(inst.ProcessType, string(domain.ProcessSucceeded)).Inc()
	slog.Info("process completed", slog.String("process_id", inst.ProcessID.String()))
	return nil
}

// parkCommand appends the failed command to the DLQ for operator review.
// Best-effort: a park failure must not mask the terminal transition.
func (m *Manager) parkCommand(ctx domain.Context, commandID uuid.UUID, errMsg string) {
	if commandID == uuid.Nil {
		return
	}
	cmd, err := m.commands.FindByID(ctx, commandID)
	if err != nil {
		slog.Error("dlq park: command lookup failed",
			slog.String("command_id", commandID.String()),
			slog.Any("error", err))
		return
	}
	errorClass := "permanent"
	if strings.HasPrefix(errMsg, "Timeout:") {
		errorClass = "timeout"
	}
	entry := domain.DlqEntry{
		ID:           uuid.New(),
		CommandID:    cmd.ID,
		CommandName:  cmd.Name,
		BusinessKey:  cmd.BusinessKey,
		Payload:      cmd.Payload,
		FailedStatus: cmd.Status,
		ErrorClass:   errorClass,
		ErrorMessage: errMsg,
		Attempts:     cmd.Retries,
		ParkedBy:     m.host,
		ParkedAt:     time.Now().UTC(),
	}
	if err := m.dlq.Park(ctx, entry); err != nil {
		slog.Error("dlq park failed",
			slog.String("command_id", commandID.String()),
			slog.Any("error", err))
		return
	}
	observability.CommandsParkedTotal.Inc()
	slog.Info("command parked to dlq",
		slog.String("command_id", cmd.ID.String()),
		slog.String("command_name", cmd.Name))
}

// scheduleRedispatch re-executes a retried step after delay in a fresh
// unit-of-work. The wait is cooperative: Close cancels pending retries.
func (m *Manager) scheduleRedispatch(processID uuid.UUID, processType, step string, delay time.Duration) {
	select {
	case <-m.shutdown:
		return
	default:
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-m.shutdown:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := m.uow.Do(ctx, func(ctx domain.Context) error {
			inst, err := m.procs.FindByID(ctx, processID)
			if err != nil {
				return err
			}
			if inst.Status != domain.ProcessRunning || inst.CurrentStep != step {
				slog.Info("retry skipped, instance moved on",
					slog.String("process_id", processID.String()),
					slog.String("status", string(inst.Status)),
					slog.String("current_step", inst.CurrentStep))
				return nil
			}
			cfg, ok := m.config(inst.ProcessType)
			if !ok {
				return fmt.Errorf("op=process.retry: type %q unregistered: %w", inst.ProcessType, domain.ErrNotFound)
			}
			return m.executeStep(ctx, &inst, cfg)
		})
		if err != nil {
			slog.Error("retry dispatch failed",
				slog.String("process_id", processID.String()),
				slog.String("step", step),
				slog.Any("error", err))
			return
		}
		observability.StepRetriesTotal.WithLabelValues(processType).Inc()
	}()
}

// Pause marks a running instance PAUSED. Replies arriving while paused are
// dropped by HandleReply.
func (m *Manager) Pause(ctx domain.Context, processID uuid.UUID) error {
	return m.uow.Do(ctx, func(ctx domain.Context) error {
		inst, err := m.procs.FindByID(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() || inst.Status == domain.ProcessPaused {
			return fmt.Errorf("op=process.pause: status %s: %w", inst.Status, domain.ErrConflict)
		}
		inst.Status = domain.ProcessPaused
		inst.UpdatedAt = time.Now().UTC()
		if err := m.procs.Update(ctx, inst); err != nil {
			return err
		}
		return m.procs.Log(ctx, processID, domain.ProcessEvent{Type: domain.EventProcessPaused})
	})
}

// Resume moves a paused instance back to RUNNING. Lost replies must be
// redelivered by the transport; Resume does not re-dispatch.
func (m *Manager) Resume(ctx domain.Context, processID uuid.UUID) error {
	return m.uow.Do(ctx, func(ctx domain.Context) error {
		inst, err := m.procs.FindByID(ctx, processID)
		if err != nil {
			return err
		}
		if inst.Status != domain.ProcessPaused {
			return fmt.Errorf("op=process.resume: status %s: %w", inst.Status, domain.ErrConflict)
		}
		inst.Status = domain.ProcessRunning
		inst.UpdatedAt = time.Now().UTC()
		if err := m.procs.Update(ctx, inst); err != nil {
			return err
		}
		return m.procs.Log(ctx, processID, domain.ProcessEvent{Type: domain.EventProcessResumed})
	})
}

// Close cancels pending retry timers and waits for in-flight re-dispatches.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.shutdown) })
	m.wg.Wait()
}

func (m *Manager) commandHeaders(inst *domain.ProcessInstance, idemKey string) map[string]string {
	return map[string]string{
		domain.HeaderCorrelationID:  inst.ProcessID.String(),
		domain.HeaderIdempotencyKey: idemKey,
		domain.HeaderBusinessKey:    inst.BusinessKey,
	}
}

// commandPayload builds the command body: the process data (reserved keys
// stripped) merged with the business key and step.
func commandPayload(inst *domain.ProcessInstance, step, branch string) (json.RawMessage, error) {
	body := make(map[string]any, len(inst.Data)+3)
	for k, v := range inst.Data {
		if strings.HasPrefix(k, parallelKeyPrefix) {
			continue
		}
		body[k] = v
	}
	body["businessKey"] = inst.BusinessKey
	body["step"] = step
	if branch != "" {
		body[domain.HeaderParallelBranch] = branch
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=process.payload: %w", err)
	}
	return b, nil
}

// mergeData folds reply data into the instance, protecting the reserved
// parallel keys and dropping the branch echo.
func mergeData(inst *domain.ProcessInstance, data map[string]any) {
	if len(data) == 0 {
		return
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		if k == domain.HeaderParallelBranch || strings.HasPrefix(k, parallelKeyPrefix) {
			continue
		}
		inst.Data[k] = v
	}
}

// findParallelState locates the fan-out entry containing branch. Keys are
// scanned in sorted order so the result is deterministic.
func findParallelState(inst *domain.ProcessInstance, branch string) (string, map[string]any) {
	keys := make([]string, 0, 2)
	for k := range inst.Data {
		if strings.HasPrefix(k, parallelKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		state, ok := inst.Data[k].(map[string]any)
		if !ok {
			continue
		}
		if _, in := state[branch]; in {
			return k, state
		}
	}
	return "", nil
}

func pending(state map[string]any) bool {
	for _, v := range state {
		if v == branchPending {
			return true
		}
	}
	return false
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
