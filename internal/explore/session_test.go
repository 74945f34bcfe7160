package explore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uiscout/internal/config"
	"uiscout/internal/navgraph"
	"uiscout/internal/outbox"
	"uiscout/internal/resolver"
	"uiscout/internal/snapshot"
	"uiscout/internal/types"
	"uiscout/internal/valuestore"
)

// fakeDevice simulates a tiny app as a screen graph. Taps move between
// screens by element identifier; back returns home.
type fakeDevice struct {
	mu          sync.Mutex
	screens     map[string]snapshot.Observation
	transitions map[string]map[string]string
	current     string
	performed   []types.UIAction
}

func (d *fakeDevice) Snapshot(_ context.Context) (snapshot.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screens[d.current], nil
}

func (d *fakeDevice) Perform(_ context.Context, action types.UIAction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.performed = append(d.performed, action)

	switch action.Kind {
	case types.ActionBack, types.ActionHome:
		d.current = "home"
	case types.ActionTap:
		if next, ok := d.transitions[d.current][action.Element.Identifier]; ok {
			d.current = next
		}
	}
	return true
}

func button(id, text string, y int) types.Element {
	return types.Element{
		Identifier:  id,
		Text:        text,
		Class:       "android.widget.Button",
		Bounds:      types.Bounds{X: 100, Y: y, Width: 200, Height: 80},
		Interactive: true,
	}
}

// twoScreenDevice: home has buttons a (opens detail) and b (no-op); detail
// has a back-style button returning home.
func twoScreenDevice() *fakeDevice {
	return &fakeDevice{
		current: "home",
		screens: map[string]snapshot.Observation{
			"home": {
				Activity: "app://home",
				Title:    "Home",
				Elements: []types.Element{
					button("com.app:id/a", "Open", 100),
					button("com.app:id/b", "Noop", 300),
				},
			},
			"detail": {
				Activity: "app://detail",
				Title:    "Detail",
				Elements: []types.Element{
					button("com.app:id/close", "Close", 100),
				},
			},
		},
		transitions: map[string]map[string]string{
			"home":   {"com.app:id/a": "detail"},
			"detail": {"com.app:id/close": "home"},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Exploration.MaxIterations = 40
	cfg.Exploration.Epsilon = 0
	cfg.Exploration.VetoWindow = "1ms"
	cfg.Exploration.FullCoverageGoal = false
	return cfg
}

type sessionFixture struct {
	session *Session
	device  *fakeDevice
	graph   *navgraph.Store
	values  *valuestore.Store
	queue   *outbox.Queue
}

func newFixture(t *testing.T, cfg *config.Config, device *fakeDevice, gate snapshot.ConsentGate) *sessionFixture {
	t.Helper()

	graph, err := navgraph.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	values, err := valuestore.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { values.Close() })

	queue, err := outbox.NewQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	if gate == nil {
		gate = snapshot.NewAllowlistGate("com.app")
	}
	return &sessionFixture{
		session: NewSession(cfg, "com.app", graph, values, queue, device, device, gate),
		device:  device,
		graph:   graph,
		values:  values,
		queue:   queue,
	}
}

func screenIDOf(obs snapshot.Observation) string {
	return navgraph.ScreenID(obs.Activity, resolver.Flatten(obs.Elements))
}

func TestSessionExploresAndCompletes(t *testing.T) {
	device := twoScreenDevice()
	f := newFixture(t, testConfig(), device, nil)

	result, err := f.session.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StateCompleted, f.session.Machine().State())
	assert.Equal(t, "com.app", result.Target)
	assert.False(t, result.Aborted)
	assert.GreaterOrEqual(t, result.ScreensSeen, 2, "both screens should be discovered")
	assert.Greater(t, result.Taps, 0)

	// The home->detail transition was learned; repeat successes can only
	// push reliability up from the seed.
	homeID := screenIDOf(device.screens["home"])
	detailID := screenIDOf(device.screens["detail"])
	edge, err := f.graph.GetEdge("com.app", homeID, detailID)
	require.NoError(t, err)
	require.NotNil(t, edge, "transition should be recorded")
	assert.GreaterOrEqual(t, edge.Reliability, navgraph.ReliabilitySeed)
	assert.LessOrEqual(t, edge.Reliability, 1.0)

	// Values were learned for the tapped elements.
	assert.Greater(t, f.values.Size(), 0)
}

func TestSessionEnqueuesResult(t *testing.T) {
	f := newFixture(t, testConfig(), twoScreenDevice(), nil)

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	entries, err := f.queue.Pending()
	require.NoError(t, err)

	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Type)
	}
	assert.Contains(t, kinds, "session_result")
}

func TestSessionConsentDenied(t *testing.T) {
	device := twoScreenDevice()
	gate := snapshot.NewAllowlistGate() // empty: nothing allowed
	f := newFixture(t, testConfig(), device, gate)

	result, err := f.session.Run(context.Background())
	require.NoError(t, err)

	// Exploration still happens, learning does not.
	screens, err := f.graph.Screens("com.app")
	require.NoError(t, err)
	assert.Empty(t, screens, "no graph writes without consent")
	assert.Equal(t, 0, f.values.Size(), "no value writes without consent")

	require.NotEmpty(t, result.Issues)
	assert.Equal(t, types.IssueBlocker, result.Issues[0].Kind)
}

func TestSessionAbortedByContext(t *testing.T) {
	f := newFixture(t, testConfig(), twoScreenDevice(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.session.Run(ctx)
	require.NoError(t, err, "an aborted session still yields a result")
	require.NotNil(t, result)
	assert.True(t, result.Aborted)
	assert.Equal(t, StateCompleted, f.session.Machine().State())
}

func TestSessionRejectsConcurrentStart(t *testing.T) {
	f := newFixture(t, testConfig(), twoScreenDevice(), nil)

	f.session.Machine().Apply(EventStart)

	_, err := f.session.Run(context.Background())
	require.Error(t, err)
}

func TestSessionStuckRecoveryExhaustion(t *testing.T) {
	// One screen, one button that goes nowhere: no-progress accumulates,
	// recovery cannot change the screen, the session gives up cleanly.
	device := &fakeDevice{
		current: "only",
		screens: map[string]snapshot.Observation{
			"only": {
				Activity: "app://only",
				Elements: []types.Element{button("com.app:id/dead", "Dead end", 100)},
			},
		},
		transitions: map[string]map[string]string{},
	}
	// Back/home land "home", which has no observation; point them at the
	// same screen so nothing ever changes.
	device.screens["home"] = device.screens["only"]

	f := newFixture(t, testConfig(), device, nil)

	result, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, f.session.Machine().State())

	var stuck int
	for _, issue := range result.Issues {
		if issue.Kind == types.IssueStuck {
			stuck++
		}
	}
	assert.GreaterOrEqual(t, stuck, 3, "each recovery attempt is surfaced")
}

func TestSessionSkipsDangerousElements(t *testing.T) {
	device := twoScreenDevice()
	f := newFixture(t, testConfig(), device, nil)

	danger := device.screens["home"].Elements[1] // com.app:id/b
	f.values.RegisterDanger(danger.Signature())

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	for _, action := range f.device.performed {
		assert.NotEqual(t, "com.app:id/b", action.Element.Identifier,
			"dangerous element must never be tapped")
	}
}

func TestSessionNegativeFeedbackVetoes(t *testing.T) {
	device := twoScreenDevice()
	f := newFixture(t, testConfig(), device, nil)

	homeID := screenIDOf(device.screens["home"])
	require.NoError(t, f.values.SetFeedback(homeID, "/tap:com.app:id/b", -1))

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	for _, action := range f.device.performed {
		assert.NotEqual(t, "com.app:id/b", action.Element.Identifier)
	}
}

func TestSessionPositiveFeedbackWins(t *testing.T) {
	device := twoScreenDevice()
	f := newFixture(t, testConfig(), device, nil)

	homeID := screenIDOf(device.screens["home"])
	require.NoError(t, f.values.SetFeedback(homeID, "/tap:com.app:id/b", 1))

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, f.device.performed)
	assert.Equal(t, "com.app:id/b", f.device.performed[0].Element.Identifier,
		"positively endorsed element is chosen first")
}

func TestSessionResultCarriesScreensAndActions(t *testing.T) {
	device := twoScreenDevice()
	f := newFixture(t, testConfig(), device, nil)

	result, err := f.session.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Screens, result.ScreensSeen)
	var ids []string
	for _, s := range result.Screens {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, screenIDOf(device.screens["home"]))
	assert.Contains(t, ids, screenIDOf(device.screens["detail"]))

	// Every action the device executed appears in the result, in order.
	require.NotEmpty(t, result.Actions)
	assert.Equal(t, len(device.performed), len(result.Actions))
	assert.Equal(t, types.ActionTap, result.Actions[0].Kind)
}

func TestSessionSecondPassIncrementsPass(t *testing.T) {
	f := newFixture(t, testConfig(), twoScreenDevice(), nil)

	first, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pass)

	second, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Pass)
	assert.Equal(t, StateCompleted, f.session.Machine().State())

	// The second pass logs its own actions, not the whole history.
	assert.Less(t, len(second.Actions), len(f.device.performed))
}

func TestSessionRecordsMenuPattern(t *testing.T) {
	// Three same-class interactive elements on one screen look like a tab bar.
	device := &fakeDevice{
		current: "home",
		screens: map[string]snapshot.Observation{
			"home": {
				Activity: "app://home",
				Elements: []types.Element{
					button("com.app:id/tab_a", "A", 100),
					button("com.app:id/tab_b", "B", 200),
					button("com.app:id/tab_c", "C", 300),
				},
			},
		},
		transitions: map[string]map[string]string{},
	}
	f := newFixture(t, testConfig(), device, nil)

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	patterns, err := f.graph.MenuPatterns("com.app")
	require.NoError(t, err)
	assert.Equal(t, screenIDOf(device.screens["home"]), patterns["android.widget.Button"])
}

func TestSessionCoverageTargetStops(t *testing.T) {
	cfg := testConfig()
	cfg.Exploration.FullCoverageGoal = true
	cfg.Exploration.CoverageTarget = 0.1

	f := newFixture(t, testConfig(), twoScreenDevice(), nil)
	f.session.cfg = cfg

	result, err := f.session.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, result.Taps, cfg.Exploration.MaxIterations,
		"session stops on coverage well before the iteration cap")
	assert.GreaterOrEqual(t, result.Coverage, cfg.Exploration.CoverageTarget)
}
