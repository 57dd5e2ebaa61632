package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/history"
	"github.com/songzhibin97/approval-engine/logger"
	"github.com/songzhibin97/approval-engine/maker"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/tracing"
	"github.com/songzhibin97/approval-engine/types"
)

// DefaultGraphTTL is how long a parsed graph stays cached when no cache is supplied.
const DefaultGraphTTL = 10 * time.Minute

// Engine moves approval instances through their flow graphs. It keeps no
// instance state between calls; every operation reloads what it needs
// inside one unit of work of the store.
type Engine struct {
	store     storage.Storage
	generate  generator.Generator
	resolver  *maker.Resolver
	branches  *rules.BranchResolver
	graphs    *graph.GraphCache
	recorder  *history.Recorder
	publisher events.StatusPublisher
	eventBus  *events.EventBus
	ownBus    bool
	actions   map[types.Menu]action
	newID     func() string
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDirectory sets the directory used to expand role designations.
func WithDirectory(dir maker.Directory) Option {
	return func(e *Engine) {
		e.resolver = maker.NewResolver(dir)
	}
}

// WithEvaluator sets the evaluator of branch condition expressions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		e.branches = rules.NewBranchResolver(evaluator)
	}
}

// WithPublisher sets where status changes are announced.
func WithPublisher(p events.StatusPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithEventBus makes the engine publish EventTransitionCommitted on bus.
// The caller stays responsible for stopping it.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

func WithGraphCache(c *graph.GraphCache) Option {
	return func(e *Engine) {
		e.graphs = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDFunc replaces the uuid generator of instance, form link and history ids.
func WithIDFunc(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// NewEngine creates an Engine with the given generator and storage. The
// generator supplies instance codes; a nil store means in-memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:    store,
		generate: generate,
		resolver: maker.NewResolver(nil),
		branches: rules.NewBranchResolver(nil),
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.graphs == nil {
		e.graphs = graph.NewGraphCache(DefaultGraphTTL)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
		e.ownBus = true
	}
	e.recorder = history.NewRecorder(e.newID, e.now)
	e.actions = e.registerActions()
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) events.Subscription {
	return e.eventBus.Subscribe(eventType, handler)
}

func (e *Engine) UnsubscribeEvent(sub events.Subscription) bool {
	return e.eventBus.Unsubscribe(sub)
}

// Close stops the event bus the engine created for itself.
func (e *Engine) Close() {
	if e.ownBus {
		e.eventBus.Stop()
	}
}

// GenerateCode returns the next business serial of an instance.
func (e *Engine) GenerateCode() (string, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// Create submits a new process, or the draft named by req.InstanceID.
func (e *Engine) Create(ctx context.Context, req TransitionRequest) (Result, error) {
	req.Menu = types.MenuSubmit
	return e.ProcessTransition(ctx, req)
}

// SaveDraft stores form data without submitting it.
func (e *Engine) SaveDraft(ctx context.Context, req TransitionRequest) (Result, error) {
	req.Menu = types.MenuSave
	return e.ProcessTransition(ctx, req)
}

// ProcessTransition runs the operation named by req.Menu as one unit of
// work. Refused requests yield a Result with Success false and a nil
// error; the error is only set when the store failed.
func (e *Engine) ProcessTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	act, ok := e.actions[req.Menu]
	if !ok {
		return refuse(fmt.Errorf("%w: %s is not a transition", ErrIllegalOperation, req.Menu)), nil
	}
	if req.ActorID == "" {
		return refuse(fmt.Errorf("%w: userId", ErrMissingParameter)), nil
	}

	ctx, span := tracing.StartSpan(ctx, "workflow."+req.Menu.String(), map[string]string{
		"flow.id":     req.FlowID,
		"instance.id": req.InstanceID,
		"actor.id":    req.ActorID,
	})
	var out outcome
	err := e.store.RunInTx(ctx, func(tx storage.Tx) error {
		out = outcome{}
		return act(ctx, tx, &req, &out)
	})
	tracing.EndSpan(span, err)

	if err != nil {
		if IsRejection(err) {
			logger.Warn("transition refused",
				zap.String("menu", req.Menu.String()),
				zap.String("instance", req.InstanceID),
				zap.String("actor", req.ActorID),
				zap.Error(err))
			return refuse(err), nil
		}
		logger.Error("transition failed",
			zap.String("menu", req.Menu.String()),
			zap.String("instance", req.InstanceID),
			zap.String("actor", req.ActorID),
			zap.Error(err))
		return Result{}, fmt.Errorf("%s %s: %w", req.Menu, req.InstanceID, err)
	}

	e.afterCommit(ctx, &req, &out)
	res := Result{Success: true}
	if !out.deleted {
		inst := out.instance
		res.Instance = &inst
	}
	return res, nil
}

func refuse(err error) Result {
	return Result{Message: err.Error()}
}

// afterCommit logs the transition and announces it. Failures here never
// undo the committed work.
func (e *Engine) afterCommit(ctx context.Context, req *TransitionRequest, out *outcome) {
	inst := out.instance
	logger.Info("transition committed",
		zap.String("instance", inst.InstanceID),
		zap.String("menu", req.Menu.String()),
		zap.String("from", out.from.ID),
		zap.String("to", out.to.ID),
		zap.String("actor", req.ActorID),
		zap.String("status", inst.Status.String()))

	if e.eventBus.HasSubscribers(events.EventTransitionCommitted) {
		err := e.eventBus.Publish(ctx, events.Event{
			Type:       events.EventTransitionCommitted,
			InstanceID: inst.InstanceID,
			Data: map[string]interface{}{
				"menu":    req.Menu.String(),
				"from":    out.from.ID,
				"to":      out.to.ID,
				"actor":   req.ActorID,
				"status":  inst.Status,
				"deleted": out.deleted,
			},
		})
		if err != nil {
			logger.Warn("transition event dropped", zap.String("instance", inst.InstanceID), zap.Error(err))
		}
	}

	if !out.publish || req.Notify == nil || e.publisher == nil {
		return
	}
	change := types.StatusChange{
		InstanceID: inst.InstanceID,
		Target:     req.Notify.Topic,
		KeyValue:   req.Notify.KeyValue,
		Status:     inst.Status,
		FlowTime:   e.now().UnixMilli(),
	}
	if err := e.publisher.Publish(ctx, req.Notify.Topic, change); err != nil {
		logger.Error("status publish failed",
			zap.String("instance", inst.InstanceID),
			zap.String("topic", req.Notify.Topic),
			zap.Error(err))
	}
}

func actorOf(req *TransitionRequest) history.Actor {
	return history.Actor{ID: req.ActorID, Name: req.ActorName}
}

// instanceGraph anchors the graph snapshot of inst at its current node.
func (e *Engine) instanceGraph(inst types.WorkflowInstance) (*graph.Context, error) {
	g, err := e.graphs.Get(inst.FlowID, inst.FlowContent)
	if err != nil {
		return nil, err
	}
	return graph.NewContext(g, inst.ActivityID, inst.PreviousID)
}

// loadActive loads an instance a forward transition may act on.
func (e *Engine) loadActive(ctx context.Context, r storage.Reader, instanceID string) (types.WorkflowInstance, *graph.Context, error) {
	if instanceID == "" {
		return types.WorkflowInstance{}, nil, fmt.Errorf("%w: instanceId", ErrMissingParameter)
	}
	inst, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, nil, err
	}
	if inst.IsFinish == types.FinishDraft {
		return types.WorkflowInstance{}, nil, fmt.Errorf("%w: %s has not been submitted", ErrIllegalOperation, instanceID)
	}
	if inst.Terminal() {
		return types.WorkflowInstance{}, nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, instanceID, inst.Status)
	}
	gc, err := e.instanceGraph(inst)
	if err != nil {
		return types.WorkflowInstance{}, nil, err
	}
	return inst, gc, nil
}

// enter places inst on node, arriving from from, and seeds its makers.
func (e *Engine) enter(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, from, node types.FlowNode) error {
	kind := graph.Kind(node)
	inst.PreviousID = from.ID
	inst.ActivityID = node.ID
	inst.ActivityName = node.Name
	inst.ActivityType = kind
	inst.Round = nil
	inst.IsFinish = types.FinishFor(kind)
	inst.Status = types.StatusRunning

	switch kind {
	case types.KindEndRound:
		inst.MakerList = types.MakerList{}
		inst.Status = types.StatusFinished
	case types.KindBeginRound:
		inst.MakerList = types.NewMakerList(inst.CreateUserID)
	case types.KindChatNode:
		return e.openRound(ctx, tx, inst, node)
	default:
		res, err := e.resolver.Resolve(ctx, node)
		if err != nil {
			return err
		}
		makers := res.Makers()
		if makers.Empty() {
			return fmt.Errorf("%w: %s", ErrNoExecutableType, node.ID)
		}
		inst.MakerList = makers
	}
	return nil
}

// openRound freezes the roster of a counter-signing node. Only operation
// rows written after the mark count as votes of the round.
func (e *Engine) openRound(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, node types.FlowNode) error {
	res, err := e.resolver.Resolve(ctx, node)
	if err != nil {
		return err
	}
	if res.Kind != maker.KindUsers || len(res.UserIDs) == 0 {
		return fmt.Errorf("%w: counter-signing node %s needs named actors", ErrNoExecutableType, node.ID)
	}
	ops, err := tx.ListOperations(ctx, inst.InstanceID)
	if err != nil {
		return err
	}

	roster := append([]string(nil), res.UserIDs...)
	inst.Round = &types.ChatRound{NodeID: node.ID, Roster: roster, Mark: len(ops)}
	if node.Chat != nil && node.Chat.ChatType == types.ChatSerial {
		inst.MakerList = types.NewMakerList(roster[0])
	} else {
		inst.MakerList = types.NewMakerList(roster...)
	}
	return nil
}

// target returns the node reached from the current node. At a branch point
// the System line whose condition evaluates to want is followed.
func (e *Engine) target(ctx context.Context, tx storage.Tx, inst types.WorkflowInstance, gc *graph.Context, want bool) (types.FlowNode, error) {
	current := gc.Current()
	if !gc.IsMultipleNextNode() {
		return gc.NextNode()
	}

	lines := gc.LinesFrom(current.ID)
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.ConditionID != "" {
			ids = append(ids, l.ConditionID)
		}
	}
	conditions, err := tx.GetLineConditions(ctx, ids)
	if err != nil {
		return types.FlowNode{}, err
	}
	formData, err := branchData(ctx, tx, inst.InstanceID)
	if err != nil {
		return types.FlowNode{}, err
	}

	line, err := e.branches.Choose(lines, conditions, formData, want)
	if err != nil {
		return types.FlowNode{}, fmt.Errorf("%w: %s: %v", ErrNotImplemented, current.ID, err)
	}
	next, ok := gc.Graph().Node(line.To)
	if !ok {
		return types.FlowNode{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, line.To)
	}
	return next, nil
}

// branchData is the form content conditions are evaluated against. System
// forms keep their data outside the engine.
func branchData(ctx context.Context, r storage.Reader, instanceID string) (string, error) {
	form, err := r.GetInstanceForm(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if form.FormType != types.FormCustom {
		return "", nil
	}
	return form.FormData, nil
}

// authorize checks that actorID is expected to act on inst now.
func authorize(inst types.WorkflowInstance, ops []types.OperationHistory, actorID string) error {
	if round := inst.Round; round != nil && round.NodeID == inst.ActivityID {
		if !contains(round.Roster, actorID) {
			return fmt.Errorf("%w: %s is not on the roster of %s", ErrIllegalOperation, actorID, inst.ActivityID)
		}
		if contains(roundVoters(ops, round), actorID) {
			return fmt.Errorf("%w: %s already voted at %s", ErrIllegalOperation, actorID, inst.ActivityID)
		}
		return nil
	}
	if !inst.MakerList.Contains(actorID) {
		return fmt.Errorf("%w: %s is not expected at %s", ErrIllegalOperation, actorID, inst.ActivityID)
	}
	return nil
}

// roundOps returns the operation rows written since round opened.
func roundOps(ops []types.OperationHistory, round *types.ChatRound) []types.OperationHistory {
	if round.Mark > len(ops) {
		return nil
	}
	return ops[round.Mark:]
}

// roundVoters lists the actors that voted in round so far.
func roundVoters(ops []types.OperationHistory, round *types.ChatRound) []string {
	var voters []string
	for _, op := range roundOps(ops, round) {
		if op.NodeID != round.NodeID {
			continue
		}
		if op.TransitionType == types.MenuAgree || op.TransitionType == types.MenuDeprecate {
			voters = append(voters, op.ActorID)
		}
	}
	return voters
}

func contains(ids []string, id string) bool {
	return indexOf(ids, id) >= 0
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
