package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/droverops/drover/pkg/facts"
	"github.com/droverops/drover/pkg/inventory"
	"github.com/droverops/drover/pkg/modules"
	"github.com/droverops/drover/pkg/playbook"
	"github.com/droverops/drover/pkg/transport"
)

// DefaultForks bounds how many hosts run concurrently within a play
// when Options.Forks is unset.
const DefaultForks = 5

// TransportFactory builds a transport for one host. The runner calls it
// once per host per play, and once per distinct delegate target.
type TransportFactory func(host *inventory.Host) (transport.Transport, error)

// Store persists runs, step results and gathered facts. A nil Store
// disables persistence without changing run behavior; persistence
// errors are logged, never fatal.
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	SaveStep(ctx context.Context, step *StepResult) error
	SaveFacts(ctx context.Context, host string, collected *facts.Facts) error
}

// Options configures a run.
type Options struct {
	// RunID names the run. Empty means a generated UUID. Callers set it
	// when they need the identifier before the run starts, to correlate
	// traces and events with the stored record.
	RunID string

	// Forks bounds per-play host concurrency. Zero means DefaultForks.
	Forks int

	// Limit narrows every play's hosts to the pattern's resolution.
	Limit string

	// CheckMode reports what would change without touching any host.
	CheckMode bool

	// ExtraVars override every configured variable source.
	ExtraVars map[string]any

	// BaseDir anchors relative src paths in copy and template tasks.
	// Empty means the playbook file's directory.
	BaseDir string

	// OnStep, when set, observes every step result as it is recorded.
	// Calls are serialized across hosts.
	OnStep func(step *StepResult)
}

// Runner executes compiled plans. Hosts within a play run concurrently
// up to Forks; tasks on one host run strictly in order, and a host that
// fails is excluded from every later play of the run.
type Runner struct {
	inv      *inventory.Inventory
	reg      *modules.Registry
	factory  TransportFactory
	opts     Options
	store    Store
	renderer *playbook.Renderer

	mu         sync.Mutex
	results    []*StepResult
	recaps     map[string]*HostRecap
	failed     map[string]bool
	factsCache map[string]*facts.Facts
	registered map[string]map[string]any
}

// NewRunner creates a runner over an inventory and module registry.
func NewRunner(inv *inventory.Inventory, reg *modules.Registry, factory TransportFactory, opts Options) *Runner {
	if opts.Forks <= 0 {
		opts.Forks = DefaultForks
	}
	return &Runner{
		inv:        inv,
		reg:        reg,
		factory:    factory,
		opts:       opts,
		renderer:   playbook.NewRenderer(),
		recaps:     make(map[string]*HostRecap),
		failed:     make(map[string]bool),
		factsCache: make(map[string]*facts.Facts),
		registered: make(map[string]map[string]any),
	}
}

// WithStore attaches a persistence backend to the runner.
func (r *Runner) WithStore(store Store) *Runner {
	r.store = store
	return r
}

// Run compiles the playbook against the inventory and executes it.
func (r *Runner) Run(ctx context.Context, pb *playbook.Playbook) (*Report, error) {
	plan, err := BuildPlan(r.inv, pb, r.reg, r.opts.Limit)
	if err != nil {
		return nil, NewValidationError("playbook did not compile", err).WithCode(ErrCodeValidation)
	}
	return r.RunPlan(ctx, plan)
}

// RunPlan executes an already compiled plan. The returned report is
// complete even when hosts failed; the error is reserved for problems
// with the run itself, not with the hosts.
func (r *Runner) RunPlan(ctx context.Context, plan *Plan) (*Report, error) {
	baseDir := r.opts.BaseDir
	if baseDir == "" && plan.Playbook.Path != "" {
		baseDir = filepath.Dir(plan.Playbook.Path)
	}

	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	run := &Run{
		ID:        runID,
		Playbook:  plan.Playbook.Path,
		Status:    RunStatusRunning,
		CheckMode: r.opts.CheckMode,
		Limit:     r.opts.Limit,
		StartedAt: time.Now().UTC(),
	}
	r.saveRun(ctx, run)

	logger := log.With().Str("run_id", run.ID).Logger()
	logger.Info().
		Str("playbook", run.Playbook).
		Bool("check_mode", run.CheckMode).
		Int("plays", len(plan.Plays)).
		Msg("run started")

	for _, pp := range plan.Plays {
		if ctx.Err() != nil {
			break
		}
		hosts := r.liveHosts(pp.Hosts)
		logger.Info().Str("play", pp.Label).Int("hosts", len(hosts)).Msg("play started")
		if len(hosts) == 0 {
			continue
		}

		var group errgroup.Group
		group.SetLimit(r.opts.Forks)
		for _, host := range hosts {
			hr := &hostRun{
				r:       r,
				run:     run,
				play:    pp,
				host:    host,
				baseDir: baseDir,
				logger:  logger.With().Str("play", pp.Label).Str("host", host.Name).Logger(),
			}
			group.Go(func() error {
				hr.execute(ctx)
				return nil
			})
		}
		// Host failures are recorded per host, never returned.
		_ = group.Wait()
	}

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(run.StartedAt)
	run.Status = r.finalStatus(ctx)
	run.Summary = r.recapSnapshot()
	r.saveRun(ctx, run)

	logger.Info().Str("status", string(run.Status)).Dur("duration", run.Duration).Msg("run finished")

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Report{Run: run, Results: r.results, Recaps: r.recaps}, nil
}

// recapSnapshot copies the recaps for the persisted run summary.
func (r *Runner) recapSnapshot() map[string]*HostRecap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*HostRecap, len(r.recaps))
	for name, recap := range r.recaps {
		c := *recap
		out[name] = &c
	}
	return out
}

// liveHosts filters out hosts that failed in an earlier play.
func (r *Runner) liveHosts(hosts []*inventory.Host) []*inventory.Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make([]*inventory.Host, 0, len(hosts))
	for _, h := range hosts {
		if !r.failed[h.Name] {
			live = append(live, h)
		}
	}
	return live
}

func (r *Runner) finalStatus(ctx context.Context) RunStatus {
	if ctx.Err() != nil {
		return RunStatusCanceled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	status := RunStatusOK
	for _, recap := range r.recaps {
		if !recap.Clean() {
			return RunStatusFailed
		}
		if recap.Changed > 0 || recap.Detached > 0 {
			status = RunStatusChanged
		}
	}
	return status
}

func (r *Runner) markFailed(host string) {
	r.mu.Lock()
	r.failed[host] = true
	r.mu.Unlock()
}

// reclassifyRescued moves a host's just-recovered failure from the
// failed column to the rescued one, so a rescued host does not fail
// the run.
func (r *Runner) reclassifyRescued(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recap := r.recaps[host]; recap != nil {
		recap.Rescue()
	}
}

func (r *Runner) cachedFacts(host string) *facts.Facts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factsCache[host]
}

func (r *Runner) cacheFacts(ctx context.Context, host string, collected *facts.Facts) {
	r.mu.Lock()
	r.factsCache[host] = collected
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SaveFacts(ctx, host, collected); err != nil {
			log.Warn().Err(err).Str("host", host).Msg("facts not saved")
		}
	}
}

// registeredVars returns a copy of the host's registered results from
// earlier plays of this run.
func (r *Runner) registeredVars(host string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := make(map[string]any, len(r.registered[host]))
	for k, v := range r.registered[host] {
		vars[k] = v
	}
	return vars
}

func (r *Runner) setRegistered(host, name string, value map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[host] == nil {
		r.registered[host] = make(map[string]any)
	}
	r.registered[host][name] = value
}

func (r *Runner) saveRun(ctx context.Context, run *Run) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("run record not saved")
	}
}

func (r *Runner) saveStep(ctx context.Context, step *StepResult) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveStep(ctx, step); err != nil {
		log.Warn().Err(err).Str("host", step.Host).Str("task", step.Task).Msg("step result not saved")
	}
}

// hostRun tracks one host's pass through one play: its transport, live
// variable scope, and pending handler notifications. All of it is
// confined to the host's goroutine.
type hostRun struct {
	r       *Runner
	run     *Run
	play    *PlayPlan
	host    *inventory.Host
	baseDir string
	logger  zerolog.Logger

	tr        transport.Transport
	delegates map[string]transport.Transport
	scope     map[string]any
	notified  map[string]bool
	failed    bool
}

// taskContext carries block-scoped settings into a task.
type taskContext struct {
	when    string
	become  *bool
	handler bool
}

func (h *hostRun) execute(ctx context.Context) {
	tr, err := h.r.factory(h.host)
	if err != nil {
		h.recordUnreachable(ctx, err)
		return
	}
	h.tr = tr
	if err := tr.Connect(ctx); err != nil {
		h.recordUnreachable(ctx, err)
		return
	}
	defer func() {
		if err := tr.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("transport close failed")
		}
		for name, d := range h.delegates {
			if err := d.Close(); err != nil {
				h.logger.Debug().Err(err).Str("delegate", name).Msg("delegate close failed")
			}
		}
	}()

	if !h.gatherFacts(ctx) {
		return
	}
	h.buildScope()
	h.notified = make(map[string]bool)

	for i, entry := range h.play.Play.Tasks {
		if ctx.Err() != nil {
			return
		}
		if entry.Block != nil {
			h.runBlock(ctx, entry.Block)
		} else {
			h.runTask(ctx, entry.Task, taskContext{})
		}
		if h.failed {
			h.r.markFailed(h.host.Name)
			h.skipRemaining(ctx, h.play.Play.Tasks[i+1:])
			return
		}
	}

	h.flushHandlers(ctx)
	if h.failed {
		h.r.markFailed(h.host.Name)
	}
}

// gatherFacts collects facts once per host per run. Plays that opt out
// reuse whatever an earlier play collected.
func (h *hostRun) gatherFacts(ctx context.Context) bool {
	if !h.play.Play.GatherFactsEnabled() {
		return true
	}
	if h.r.cachedFacts(h.host.Name) != nil {
		return true
	}

	started := time.Now()
	res := &StepResult{
		RunID:     h.run.ID,
		Host:      h.host.Name,
		Play:      h.play.Label,
		Task:      "gather facts",
		StartedAt: started,
	}
	collected, err := facts.Collect(ctx, h.tr)
	res.Duration = time.Since(started)
	if err != nil {
		res.Status = StepUnreachable
		res.Err = err.Error()
		h.record(ctx, res)
		h.failed = true
		h.r.markFailed(h.host.Name)
		return false
	}
	h.r.cacheFacts(ctx, h.host.Name, collected)
	res.Status = StepOK
	h.record(ctx, res)
	return true
}

// buildScope assembles the host's variable scope for this play. Group
// vars layer under play vars, then host vars, then extra vars.
// Registered results go on top: a runtime binding shadows configuration
// for the rest of the run.
func (h *hostRun) buildScope() {
	scope := make(map[string]any)
	for _, name := range h.host.Groups() {
		if g := h.r.inv.Group(name); g != nil {
			mergeVars(scope, g.Vars)
		}
	}
	mergeVars(scope, h.play.Play.Vars)
	mergeVars(scope, h.host.Vars)
	mergeVars(scope, h.r.opts.ExtraVars)
	mergeVars(scope, h.r.registeredVars(h.host.Name))
	if f := h.r.cachedFacts(h.host.Name); f != nil {
		scope["facts"] = f.Map()
	}
	scope["inventory_hostname"] = h.host.Name
	h.scope = scope
}

func mergeVars(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// runBlock walks a block's sections. A failure in tasks diverts to
// rescue, and a clean rescue recovers the host. always runs whether the
// block failed or not, and its own failures stick. Unreachable is not
// rescuable: the remaining sections could not run anyway.
func (h *hostRun) runBlock(ctx context.Context, block *playbook.Block) {
	tc := taskContext{when: block.When, become: block.Become}

	failed, unreachable := false, false
	for _, task := range block.Tasks {
		if ctx.Err() != nil {
			return
		}
		switch h.runTask(ctx, task, tc) {
		case StepFailed:
			failed = true
		case StepUnreachable:
			failed, unreachable = true, true
		}
		if failed {
			break
		}
	}

	if failed && !unreachable && len(block.Rescue) > 0 {
		h.failed = false
		rescued := true
		for _, task := range block.Rescue {
			if ctx.Err() != nil {
				return
			}
			switch h.runTask(ctx, task, tc) {
			case StepFailed, StepUnreachable:
				rescued = false
			}
			if !rescued {
				break
			}
		}
		if rescued {
			failed = false
			h.r.reclassifyRescued(h.host.Name)
		}
	}

	if !unreachable {
		for _, task := range block.Always {
			if ctx.Err() != nil {
				return
			}
			switch h.runTask(ctx, task, tc) {
			case StepFailed, StepUnreachable:
				failed = true
			}
			if failed {
				break
			}
		}
	}

	if failed {
		h.failed = true
	}
}

// flushHandlers runs notified handlers in declaration order.
// Notifications raised by one handler can still reach handlers later in
// the list. A handler failure fails the host.
func (h *hostRun) flushHandlers(ctx context.Context) {
	for _, handler := range h.play.Play.Handlers {
		if ctx.Err() != nil || h.failed {
			return
		}
		if !h.notified[handler.Name] {
			continue
		}
		h.runTask(ctx, handler, taskContext{handler: true})
	}
}

// runTask executes one task and returns its status. It mutates hostRun
// state: failed on failure, notified on change, scope on register.
func (h *hostRun) runTask(ctx context.Context, task *playbook.Task, tc taskContext) StepStatus {
	started := time.Now()
	res := &StepResult{
		RunID:     h.run.ID,
		Host:      h.host.Name,
		Play:      h.play.Label,
		Task:      h.taskLabel(task),
		Module:    task.Module,
		Handler:   tc.handler,
		Delegated: task.DelegateTo,
		StartedAt: started,
	}

	finish := func(status StepStatus, msg string, err error, data map[string]any) StepStatus {
		res.Status = status
		res.Msg = msg
		if err != nil {
			res.Err = err.Error()
		}
		res.Data = data
		res.Duration = time.Since(started)
		if status == StepFailed || status == StepUnreachable {
			h.failed = true
		}
		if task.Register != "" {
			h.bindRegister(task.Register, status, msg, err, data)
		}
		h.record(ctx, res)
		return status
	}

	for _, guard := range []string{tc.when, task.When} {
		if guard == "" {
			continue
		}
		ok, err := playbook.EvalCondition(guard, h.scope)
		if err != nil {
			return finish(StepFailed, "", fmt.Errorf("when: %w", err), nil)
		}
		if !ok {
			return finish(StepSkipped, "condition not met", nil, nil)
		}
	}

	node := task.ParamsNode()
	if node != nil && playbook.HasTemplates(node) {
		rendered, err := h.r.renderer.RenderNode(node, h.scope)
		if err != nil {
			return finish(StepFailed, "", err, nil)
		}
		node = rendered
	}
	mod, err := h.r.reg.Build(task.Module, node)
	if err != nil {
		return finish(StepFailed, "", err, nil)
	}

	sudo := h.host.Become || h.play.Play.Become
	if tc.become != nil {
		sudo = *tc.become
	}
	if task.Become != nil {
		sudo = *task.Become
	}

	tr := h.tr
	if task.DelegateTo != "" {
		tr, err = h.delegateTransport(ctx, task.DelegateTo)
		if err != nil {
			return finish(StepFailed, "", fmt.Errorf("delegate_to %s: %w", task.DelegateTo, err), nil)
		}
	}

	req := &modules.Request{
		Transport:   tr,
		Sudo:        sudo,
		Env:         task.Environment,
		CheckMode:   h.r.opts.CheckMode,
		Scope:       h.scope,
		BaseDir:     h.baseDir,
		HostAddress: h.host.Address,
	}

	if task.Detach {
		det, ok := mod.(modules.Detacher)
		if !ok {
			return finish(StepFailed, "", fmt.Errorf("module %s does not support detach", task.Module), nil)
		}
		out, err := det.Dispatch(ctx, req)
		if err != nil {
			// A dispatch that fails failed on this side of the wire,
			// before anything was fired.
			return finish(StepFailed, "", err, nil)
		}
		if !out.Changed {
			return finish(StepOK, out.Msg, nil, out.Data)
		}
		return finish(StepDetached, out.Msg, nil, out.Data)
	}

	out, err := mod.Apply(ctx, req)
	var msg string
	var data map[string]any
	if out != nil {
		msg = out.Msg
		data = out.Data
	}
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) {
			return finish(StepUnreachable, msg, err, data)
		}
		if task.IgnoreErrors {
			return finish(StepIgnored, msg, err, data)
		}
		return finish(StepFailed, msg, err, data)
	}

	status := StepOK
	if out.Changed {
		status = StepChanged
		for _, name := range task.Notify {
			h.notified[name] = true
		}
	}
	return finish(status, msg, nil, data)
}

// taskLabel interpolates the task name against the host scope. A name
// that does not render falls back to the raw text rather than failing
// the task over a label.
func (h *hostRun) taskLabel(task *playbook.Task) string {
	label := task.Label()
	rendered, err := h.r.renderer.Render(label, h.scope)
	if err != nil {
		return label
	}
	return rendered
}

// bindRegister publishes a task result into the host scope. The binding
// always happens, failures and skips included, so later conditions can
// test what actually happened.
func (h *hostRun) bindRegister(name string, status StepStatus, msg string, err error, data map[string]any) {
	if err != nil {
		msg = err.Error()
	}
	bound := map[string]any{
		"changed": status == StepChanged,
		"failed":  status == StepFailed || status == StepIgnored,
		"skipped": status == StepSkipped,
		"msg":     msg,
	}
	for k, v := range data {
		bound[k] = v
	}
	h.scope[name] = bound
	h.r.setRegistered(h.host.Name, name, bound)
}

// delegateTransport resolves and connects a transport for a delegate
// target, caching it for the rest of the host's play. The task still
// runs in the original host's scope.
func (h *hostRun) delegateTransport(ctx context.Context, target string) (transport.Transport, error) {
	hosts, err := h.r.inv.Resolve(target)
	if err != nil {
		return nil, err
	}
	delegate := hosts[0]
	if tr, ok := h.delegates[delegate.Name]; ok {
		return tr, nil
	}
	tr, err := h.r.factory(delegate)
	if err != nil {
		return nil, err
	}
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	if h.delegates == nil {
		h.delegates = make(map[string]transport.Transport)
	}
	h.delegates[delegate.Name] = tr
	return tr, nil
}

// skipRemaining records a skipped result for every step that was still
// ahead of the failure, so the recap shows what the failure cost.
// Rescue sections are left out: they only ever run on a failure inside
// their own block.
func (h *hostRun) skipRemaining(ctx context.Context, entries []playbook.Entry) {
	for _, entry := range entries {
		if entry.Block != nil {
			for _, task := range entry.Block.Tasks {
				h.recordSkip(ctx, task)
			}
			for _, task := range entry.Block.Always {
				h.recordSkip(ctx, task)
			}
			continue
		}
		h.recordSkip(ctx, entry.Task)
	}
}

func (h *hostRun) recordSkip(ctx context.Context, task *playbook.Task) {
	h.record(ctx, &StepResult{
		RunID:     h.run.ID,
		Host:      h.host.Name,
		Play:      h.play.Label,
		Task:      task.Label(),
		Module:    task.Module,
		Status:    StepSkipped,
		Msg:       "host failed",
		StartedAt: time.Now(),
	})
}

func (h *hostRun) recordUnreachable(ctx context.Context, err error) {
	h.record(ctx, &StepResult{
		RunID:     h.run.ID,
		Host:      h.host.Name,
		Play:      h.play.Label,
		Task:      "connect",
		Status:    StepUnreachable,
		Err:       err.Error(),
		StartedAt: time.Now(),
	})
	h.r.markFailed(h.host.Name)
}

// record appends a step result, folds it into the host recap, and fans
// it out to the observer and the store.
func (h *hostRun) record(ctx context.Context, res *StepResult) {
	evt := h.logger.Info()
	switch res.Status {
	case StepFailed, StepUnreachable:
		evt = h.logger.Error()
	case StepIgnored:
		evt = h.logger.Warn()
	case StepSkipped:
		evt = h.logger.Debug()
	}
	evt.Str("task", res.Task).
		Str("module", res.Module).
		Str("status", string(res.Status)).
		Str("msg", res.Msg).
		Str("err", res.Err).
		Dur("duration", res.Duration).
		Msg("step")

	r := h.r
	r.mu.Lock()
	r.results = append(r.results, res)
	recap, ok := r.recaps[res.Host]
	if !ok {
		recap = &HostRecap{Host: res.Host}
		r.recaps[res.Host] = recap
	}
	recap.Add(res.Status)
	if r.opts.OnStep != nil {
		r.opts.OnStep(res)
	}
	r.mu.Unlock()

	r.saveStep(ctx, res)
}
