package explore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"uiscout/internal/config"
	"uiscout/internal/coverage"
	"uiscout/internal/logging"
	"uiscout/internal/navgraph"
	"uiscout/internal/outbox"
	"uiscout/internal/resolver"
	"uiscout/internal/snapshot"
	"uiscout/internal/types"
	"uiscout/internal/valuestore"
)

// TelemetryDestination is the default sink name for queued reports.
const TelemetryDestination = "telemetry"

// Rewards fed to the value store once an action's outcome is observed.
const (
	rewardNewScreen   = 1.0
	rewardNewElements = 0.3
	rewardNoChange    = 0.0
)

// Session runs one exploration pass against a target. Stores are injected
// by the caller and outlive the session; the session owns only its machine
// and in-flight coverage state.
type Session struct {
	ID     string
	Target string

	cfg      *config.Config
	machine  *Machine
	graph    *navgraph.Store
	values   *valuestore.Store
	queue    *outbox.Queue
	provider snapshot.Provider
	executor snapshot.Executor
	gate     snapshot.ConsentGate

	// learning is fixed at start from the consent gate; when false, no
	// graph or value writes happen, only observation.
	learning bool

	screens map[string]*coverage.ScreenState
	visited map[string]bool
	metrics coverage.Metrics

	// outcome of the previous iteration's action, rewarded once the next
	// observation reveals what it led to.
	prevScreen string
	prevAction *types.UIAction
	prevKey    string

	recoveryIdx int
	vetoWindow  time.Duration
	rng         *rand.Rand
	issues      []types.Issue
	actions     []types.UIAction
	pass        int
	startedAt   time.Time
}

// NewSession wires a session against the given stores and device.
func NewSession(
	cfg *config.Config,
	target string,
	graph *navgraph.Store,
	values *valuestore.Store,
	queue *outbox.Queue,
	provider snapshot.Provider,
	executor snapshot.Executor,
	gate snapshot.ConsentGate,
) *Session {
	veto, err := time.ParseDuration(cfg.Exploration.VetoWindow)
	if err != nil {
		veto = 0
	}
	return &Session{
		ID:         uuid.NewString(),
		Target:     target,
		cfg:        cfg,
		machine:    NewMachine(cfg.Exploration.NoProgressLimit, cfg.Exploration.RecoveryLimit),
		graph:      graph,
		values:     values,
		queue:      queue,
		provider:   provider,
		executor:   executor,
		gate:       gate,
		screens:    make(map[string]*coverage.ScreenState),
		visited:    make(map[string]bool),
		vetoWindow: veto,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Machine exposes the lifecycle for listeners and external stop requests.
func (s *Session) Machine() *Machine { return s.machine }

// Stop requests finalization from any active state.
func (s *Session) Stop() {
	s.machine.Apply(EventStop)
}

// Run drives the exploration loop until completion and always returns a
// result once started, even when aborted early.
func (s *Session) Run(ctx context.Context) (*types.SessionResult, error) {
	if !s.machine.CanStart() {
		return nil, fmt.Errorf("session already active for %s", s.Target)
	}

	timer := logging.StartTimer(logging.CategorySession, "Run")
	defer timer.Stop()

	// Per-pass state resets; learned coverage (screens, visited) carries
	// over so later passes pick up where the previous one left off.
	s.pass++
	s.startedAt = time.Now()
	s.issues = nil
	s.actions = nil
	s.prevScreen = ""
	s.prevAction = nil
	s.prevKey = ""
	s.recoveryIdx = 0
	if _, err := s.machine.Apply(EventStart); err != nil {
		return nil, err
	}

	s.learning = s.gate.IsLearningAllowed(s.Target)
	if !s.learning {
		logging.Session("Learning disabled for %s: consent gate denied", s.Target)
		s.recordIssue(types.IssueBlocker, "", "learning disabled: target not allowlisted")
	}

	if _, err := s.machine.Apply(EventReady); err != nil {
		return nil, err
	}
	logging.Session("Session %s started for %s (learning=%t)", s.ID, s.Target, s.learning)

	for i := 0; i < s.cfg.Exploration.MaxIterations && s.machine.IsActive(); i++ {
		if ctx.Err() != nil {
			s.machine.Apply(EventStop)
			break
		}

		s.iterate(ctx)

		if i > 0 && i%10 == 0 {
			s.enqueueCoverageReport()
		}
	}

	if s.machine.IsActive() {
		s.machine.Apply(EventMaxIterations)
	}

	result := s.finalize(ctx)
	return result, nil
}

// iterate runs one observe-decide-act step.
func (s *Session) iterate(ctx context.Context) {
	obs, err := s.provider.Snapshot(ctx)
	if err != nil {
		logging.SessionDebug("Snapshot failed: %v", err)
		s.recordIssue(types.IssueResolutionMiss, "", fmt.Sprintf("snapshot failed: %v", err))
		s.machine.Apply(EventNoProgress)
		return
	}

	elements := resolver.Flatten(obs.Elements)
	screenID := navgraph.ScreenID(obs.Activity, elements)

	newScreen, newElements := s.observe(screenID, obs, elements)
	hadAction := s.prevAction != nil
	s.settlePreviousAction(screenID, newScreen, newElements)

	switch {
	case newScreen:
		s.machine.Apply(EventNewScreen)
	case newElements:
		s.machine.Apply(EventNewElements)
	case hadAction:
		s.machine.Apply(EventNoProgress)
	}

	if s.machine.State() == StateStuck {
		s.runRecovery(ctx, screenID, elements)
		return
	}
	if !s.machine.IsActive() {
		return
	}

	s.metrics = coverage.Compute(s.coverageSnapshot())
	if coverage.ShouldStop(s.metrics, s.goalMode(), s.cfg.Exploration.CoverageTarget) {
		logging.Session("Coverage target reached: %.3f >= %.3f", s.metrics.Overall, s.cfg.Exploration.CoverageTarget)
		s.machine.Apply(EventCoverageReached)
		return
	}

	action, key, ok := s.pickAction(screenID, elements)
	if !ok {
		s.jumpToFrontier(ctx, screenID, elements)
		return
	}

	if !s.awaitVeto(ctx) {
		s.machine.Apply(EventStop)
		return
	}

	s.perform(ctx, screenID, action, key)
}

// observe folds the capture into session coverage state and, when learning,
// the navigation graph. Returns whether the screen or any of its elements
// are new.
func (s *Session) observe(screenID string, obs snapshot.Observation, elements []types.Element) (newScreen, newElements bool) {
	state, known := s.screens[screenID]
	if !known {
		state = &coverage.ScreenState{ID: screenID, ScrolledContainers: make(map[string]bool)}
		s.screens[screenID] = state
		newScreen = true
	} else {
		for _, el := range elements {
			key := coverage.ElementKey(screenID, el)
			if !s.seenElement(state, el) && !s.visited[key] {
				newElements = true
				break
			}
		}
	}
	// Latest capture replaces the element set; stale visited keys simply
	// stop counting.
	state.Elements = elements

	if s.learning {
		screen, err := s.graph.ObserveScreen(s.Target, obs.Activity, obs.Title, elements)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("ObserveScreen failed: %v", err)
		} else if screen.VisitCount == 1 && len(s.screens) == 1 {
			// The session's first screen is where future sessions land.
			if err := s.graph.AddEntryPoint(s.Target, screenID, 0); err != nil {
				logging.SessionDebug("AddEntryPoint failed: %v", err)
			}
		}
		if newScreen {
			if pattern, ok := menuPattern(elements); ok {
				if err := s.graph.AddMenuPattern(s.Target, pattern, screenID); err != nil {
					logging.SessionDebug("AddMenuPattern failed: %v", err)
				}
			}
		}
	}
	return newScreen, newElements
}

// menuPatternMinItems is how many same-class interactive elements a screen
// needs before the class counts as a recurring menu structure.
const menuPatternMinItems = 3

// menuPattern returns the dominant interactive element class when it repeats
// often enough to look like a menu or tab bar.
func menuPattern(elements []types.Element) (string, bool) {
	counts := make(map[string]int)
	for _, el := range elements {
		if el.Interactive && el.Class != "" {
			counts[el.Class]++
		}
	}
	best := ""
	for class, n := range counts {
		if n < menuPatternMinItems {
			continue
		}
		if best == "" || n > counts[best] || (n == counts[best] && class < best) {
			best = class
		}
	}
	return best, best != ""
}

// seenElement reports whether an equivalent element is already catalogued on
// the screen.
func (s *Session) seenElement(state *coverage.ScreenState, el types.Element) bool {
	for _, known := range state.Elements {
		if coverage.ElementKey(state.ID, known) == coverage.ElementKey(state.ID, el) {
			return true
		}
	}
	return false
}

// settlePreviousAction rewards the last action now that its outcome is
// visible, and records the screen transition it caused.
func (s *Session) settlePreviousAction(screenID string, newScreen, newElements bool) {
	if s.prevAction == nil {
		return
	}
	defer func() {
		s.prevAction = nil
		s.prevKey = ""
	}()

	if !s.learning {
		return
	}

	reward := rewardNoChange
	if newScreen {
		reward = rewardNewScreen
	} else if newElements {
		reward = rewardNewElements
	}
	s.values.Set(s.Target, s.prevScreen, s.prevKey, reward)

	if s.prevScreen != "" && s.prevScreen != screenID {
		if _, err := s.graph.RecordTransition(s.Target, s.prevScreen, screenID, *s.prevAction, true); err != nil {
			logging.Get(logging.CategorySession).Warn("RecordTransition failed: %v", err)
		}
		if err := s.graph.LinkChild(s.Target, s.prevScreen, screenID); err != nil {
			logging.SessionDebug("LinkChild failed: %v", err)
		}
	}
}

// actionKey is the state-action hash for the value store.
func actionKey(el types.Element) string {
	if el.Identifier != "" {
		return string(types.ActionTap) + ":" + el.Identifier
	}
	return string(types.ActionTap) + ":" + el.Signature()
}

// pickAction chooses the next element to act on: feedback override first,
// then danger veto, then learned value with unvisited preference and
// epsilon-greedy randomness on the remainder.
func (s *Session) pickAction(screenID string, elements []types.Element) (types.UIAction, string, bool) {
	type candidate struct {
		el    types.Element
		key   string
		value float64
		fresh bool
	}

	var candidates []candidate
	for _, el := range elements {
		if !el.Interactive || el.Bounds.IsEmpty() {
			continue
		}
		if s.values.IsDangerous(el.Signature()) {
			logging.SessionDebug("Skipping dangerous element: %s", el.Signature())
			continue
		}
		key := actionKey(el)
		if signal, ok := s.values.Feedback(screenID, key); ok {
			if signal < 0 {
				continue
			}
			// Positive human feedback overrides everything else.
			return buildAction(el), key, true
		}
		value, _, _ := s.values.Get(screenID, key)
		candidates = append(candidates, candidate{
			el:    el,
			key:   key,
			value: value,
			fresh: !s.visited[coverage.ElementKey(screenID, el)],
		})
	}
	if len(candidates) == 0 {
		return types.UIAction{}, "", false
	}

	if s.rng.Float64() < s.cfg.Exploration.Epsilon {
		c := candidates[s.rng.Intn(len(candidates))]
		return buildAction(c.el), c.key, true
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.fresh != best.fresh {
			if c.fresh {
				best = c
			}
			continue
		}
		if c.value > best.value {
			best = c
		}
	}
	return buildAction(best.el), best.key, true
}

// buildAction records the symbolic element description alongside the tap
// coordinates so a later session can re-resolve the step.
func buildAction(el types.Element) types.UIAction {
	action := types.TapAt(el.Bounds)
	action.Element = types.ElementDesc{
		Identifier: el.Identifier,
		Text:       el.Text,
		Class:      el.Class,
		Bounds:     el.Bounds,
	}
	return action
}

// awaitVeto holds the action for the configured veto window. Returns false
// only when the context is cancelled while waiting.
func (s *Session) awaitVeto(ctx context.Context) bool {
	if s.vetoWindow <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.vetoWindow):
		return true
	}
}

// recordAction appends to the per-pass action log carried in the result.
func (s *Session) recordAction(action types.UIAction) {
	s.actions = append(s.actions, action)
}

// perform executes the chosen action and updates visited state.
func (s *Session) perform(ctx context.Context, screenID string, action types.UIAction, key string) {
	if !s.executor.Perform(ctx, action) {
		s.recordIssue(types.IssueResolutionMiss, screenID, fmt.Sprintf("action %s failed", action.Kind))
		s.machine.Apply(EventNoProgress)
		return
	}
	s.recordAction(action)

	if action.Kind == types.ActionTap {
		s.machine.Apply(EventElementTapped)
	}

	if state, ok := s.screens[screenID]; ok {
		for _, el := range state.Elements {
			if actionKey(el) == key {
				s.visited[coverage.ElementKey(screenID, el)] = true
				break
			}
		}
		s.maybeMarkFullyExplored(state)
	}

	s.prevScreen = screenID
	s.prevAction = &action
	s.prevKey = key
}

// maybeMarkFullyExplored flips the screen flag once every interactive
// element has been visited.
func (s *Session) maybeMarkFullyExplored(state *coverage.ScreenState) {
	if state.FullyExplored {
		return
	}
	for _, el := range state.Elements {
		if el.Interactive && !s.visited[coverage.ElementKey(state.ID, el)] {
			return
		}
		if el.Scrollable && !state.ScrolledContainers[coverage.ElementKey(state.ID, el)] {
			return
		}
	}
	state.FullyExplored = true
	if s.learning {
		if err := s.graph.MarkFullyExplored(s.Target, state.ID); err != nil {
			logging.SessionDebug("MarkFullyExplored failed: %v", err)
		}
	}
	logging.Session("Screen %s fully explored", state.ID)
}

// jumpToFrontier moves toward unexplored territory when the current screen
// offers nothing: follow a learned path to a frontier screen, fall back to
// back navigation, and give up when the frontier itself is empty.
func (s *Session) jumpToFrontier(ctx context.Context, screenID string, elements []types.Element) {
	if len(s.metrics.Frontier) == 0 {
		logging.Session("Frontier exhausted, completing")
		s.machine.Apply(EventQueueExhausted)
		return
	}

	for _, frontier := range s.metrics.Frontier {
		if frontier.ScreenID == screenID {
			continue
		}
		path, err := s.graph.FindPath(s.Target, screenID, frontier.ScreenID)
		if err != nil {
			continue
		}
		if len(path.Edges) > 0 && s.followEdge(ctx, screenID, path.Edges[0], elements) {
			return
		}
	}

	// No usable path; back navigation often reopens the frontier.
	if s.executor.Perform(ctx, types.UIAction{Kind: types.ActionBack}) {
		s.prevScreen = screenID
		action := types.UIAction{Kind: types.ActionBack}
		s.recordAction(action)
		s.prevAction = &action
		s.prevKey = string(types.ActionBack)
		return
	}
	s.machine.Apply(EventNoProgress)
}

// followEdge re-resolves the edge's recorded element against the live screen
// and performs the step. A miss marks the path broken.
func (s *Session) followEdge(ctx context.Context, screenID string, edge navgraph.Edge, elements []types.Element) bool {
	step := edge.Step
	if step.Element != (types.ElementDesc{}) {
		match, err := resolver.Resolve(step.Element, elements)
		if err != nil {
			s.recordIssue(types.IssuePathBroken, screenID,
				fmt.Sprintf("edge %s->%s: %v", edge.From, edge.To, err))
			if s.learning {
				s.graph.RecordTransition(s.Target, edge.From, edge.To, step, false)
			}
			return false
		}
		step = types.TapAt(match.Element.Bounds)
		step.Element = edge.Step.Element
		logging.SessionDebug("Edge step resolved via %s (confidence %.1f)", match.Strategy, match.Confidence)
	}

	if !s.executor.Perform(ctx, step) {
		if s.learning {
			s.graph.RecordTransition(s.Target, edge.From, edge.To, step, false)
		}
		return false
	}
	s.recordAction(step)
	s.prevScreen = screenID
	s.prevAction = &step
	s.prevKey = string(step.Kind) + ":" + step.Element.Identifier
	return true
}

// runRecovery rotates recovery strategies while STUCK: back navigation,
// scrolling, entry-point jump.
func (s *Session) runRecovery(ctx context.Context, screenID string, elements []types.Element) {
	s.recordIssue(types.IssueStuck, screenID,
		fmt.Sprintf("no progress, recovery attempt %d", s.machine.RecoveryAttempts()+1))

	strategy := s.recoveryIdx % 3
	s.recoveryIdx++

	var performed bool
	switch strategy {
	case 0:
		logging.Session("Recovery: back navigation")
		back := types.UIAction{Kind: types.ActionBack}
		if performed = s.executor.Perform(ctx, back); performed {
			s.recordAction(back)
		}
	case 1:
		logging.Session("Recovery: scrolling")
		performed = s.scrollAnyContainer(ctx, screenID, elements)
	case 2:
		logging.Session("Recovery: entry point jump")
		performed = s.jumpToEntryPoint(ctx)
	}

	if !performed {
		s.machine.Apply(EventRecoveryFailed)
		return
	}

	// Success means the screen actually changed.
	obs, err := s.provider.Snapshot(ctx)
	if err != nil {
		s.machine.Apply(EventRecoveryFailed)
		return
	}
	afterID := navgraph.ScreenID(obs.Activity, resolver.Flatten(obs.Elements))
	if afterID != screenID {
		s.machine.Apply(EventRecoverySucceeded)
		return
	}
	s.machine.Apply(EventRecoveryFailed)
}

// scrollAnyContainer scrolls the first scrollable container, or performs a
// generic swipe when the screen reports none.
func (s *Session) scrollAnyContainer(ctx context.Context, screenID string, elements []types.Element) bool {
	for _, el := range elements {
		if !el.Scrollable {
			continue
		}
		action := types.UIAction{
			Kind: types.ActionScroll,
			X:    el.Bounds.CenterX(), Y: el.Bounds.CenterY(),
			ToX: el.Bounds.CenterX(), ToY: el.Bounds.Y,
		}
		if s.executor.Perform(ctx, action) {
			s.recordAction(action)
			if state, ok := s.screens[screenID]; ok {
				state.ScrolledContainers[coverage.ElementKey(screenID, el)] = true
			}
			return true
		}
		return false
	}
	swipe := types.UIAction{Kind: types.ActionSwipe, X: 200, Y: 600, ToX: 200, ToY: 200}
	if !s.executor.Perform(ctx, swipe) {
		return false
	}
	s.recordAction(swipe)
	return true
}

// jumpToEntryPoint restarts from the top. Entry points are recorded as
// observed; the home action lands on the first of them by construction.
func (s *Session) jumpToEntryPoint(ctx context.Context) bool {
	if entries, err := s.graph.EntryPoints(s.Target); err == nil && len(entries) > 0 {
		logging.SessionDebug("Jumping toward entry point %s", entries[0])
	}
	home := types.UIAction{Kind: types.ActionHome}
	if !s.executor.Perform(ctx, home) {
		return false
	}
	s.recordAction(home)
	return true
}

func (s *Session) goalMode() coverage.GoalMode {
	if s.cfg.Exploration.FullCoverageGoal {
		return coverage.GoalFullCoverage
	}
	return coverage.GoalAdvisory
}

// coverageSnapshot materializes the tracker input from session state.
func (s *Session) coverageSnapshot() coverage.Snapshot {
	screens := make([]coverage.ScreenState, 0, len(s.screens))
	for _, st := range s.screens {
		screens = append(screens, *st)
	}
	return coverage.Snapshot{Screens: screens, Visited: s.visited}
}

func (s *Session) recordIssue(kind types.IssueKind, screenID, detail string) {
	s.issues = append(s.issues, types.Issue{
		Kind:       kind,
		ScreenID:   screenID,
		Detail:     detail,
		ObservedAt: time.Now().UTC(),
	})
}

// enqueueCoverageReport queues a progress report; delivery is best-effort
// and must never block the loop.
func (s *Session) enqueueCoverageReport() {
	body, err := json.Marshal(map[string]interface{}{
		"session_id": s.ID,
		"overall":    s.metrics.Overall,
		"elements":   s.metrics.ElementCoverage,
		"screens":    s.metrics.ScreenCoverage,
		"scroll":     s.metrics.ScrollCoverage,
		"frontier":   s.metrics.Frontier,
	})
	if err != nil {
		return
	}
	err = s.queue.Enqueue("coverage_report", outbox.Payload{
		Kind:   "coverage",
		Target: s.Target,
		Body:   body,
	}, TelemetryDestination, types.PriorityNormal)
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Failed to enqueue coverage report: %v", err)
	}
}

// finalize is the single COMPLETING -> COMPLETED step: build the result,
// queue it, flip the machine.
func (s *Session) finalize(ctx context.Context) *types.SessionResult {
	s.metrics = coverage.Compute(s.coverageSnapshot())

	elementsSeen := 0
	summaries := make([]types.ScreenSummary, 0, len(s.screens))
	for _, st := range s.screens {
		elementsSeen += len(st.Elements)
		summaries = append(summaries, types.ScreenSummary{
			ID:            st.ID,
			ElementCount:  len(st.Elements),
			FullyExplored: st.FullyExplored,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	result := &types.SessionResult{
		SessionID:    s.ID,
		Target:       s.Target,
		Pass:         s.pass,
		ScreensSeen:  len(s.screens),
		ElementsSeen: elementsSeen,
		Taps:         s.machine.TapCount(),
		Coverage:     s.metrics.Overall,
		Screens:      summaries,
		Actions:      s.actions,
		Issues:       s.issues,
		StartedAt:    s.startedAt,
		Duration:     time.Since(s.startedAt),
		Aborted:      ctx.Err() != nil,
	}

	if body, err := json.Marshal(result); err == nil {
		err = s.queue.Enqueue("session_result", outbox.Payload{
			Kind:   "session_result",
			Target: s.Target,
			Body:   body,
		}, TelemetryDestination, types.PriorityHigh)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("Failed to enqueue session result: %v", err)
		}
	}

	s.machine.Finalize()
	logging.Session("Session %s completed: screens=%d taps=%d coverage=%.3f issues=%d aborted=%t",
		s.ID, result.ScreensSeen, result.Taps, result.Coverage, len(result.Issues), result.Aborted)
	return result
}
