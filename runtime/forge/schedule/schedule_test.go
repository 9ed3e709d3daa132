package schedule

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/protofab/protofab/runtime/forge/plan"
)

func task(id string, mode plan.TaskMode, priority int, deps ...string) plan.ExecutionTask {
	return plan.ExecutionTask{ID: id, Mode: mode, Priority: priority, DependsOn: deps}
}

func TestBuildOrdersDiamond(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("a", plan.ModeSerial, 1),
		task("b", plan.ModeParallel, 2, "a"),
		task("c", plan.ModeParallel, 1, "a"),
		task("d", plan.ModeSerial, 1, "b", "c"),
	})

	require.False(t, s.HasCycle)
	require.Equal(t, []string{"a", "b", "c", "d"}, s.OrderedTaskIDs)
	require.Equal(t, 3, s.WaveCount())

	// b and c share mode and wave, so they land in one group.
	require.Len(t, s.Groups, 3)
	require.Equal(t, plan.ModeParallel, s.Groups[1].Mode)
	require.Len(t, s.Groups[1].Tasks, 2)
}

func TestBuildPriorityAndInsertionOrder(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("low", plan.ModeParallel, 1),
		task("high", plan.ModeParallel, 9),
		task("mid-a", plan.ModeParallel, 5),
		task("mid-b", plan.ModeParallel, 5),
	})

	require.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, s.OrderedTaskIDs)
	require.Equal(t, 1, s.WaveCount())
}

func TestBuildGroupsContiguousModes(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("p1", plan.ModeParallel, 5),
		task("s1", plan.ModeSerial, 4),
		task("s2", plan.ModeSerial, 3),
		task("p2", plan.ModeParallel, 2),
	})

	require.Len(t, s.Groups, 3)
	require.Equal(t, plan.ModeParallel, s.Groups[0].Mode)
	require.Equal(t, plan.ModeSerial, s.Groups[1].Mode)
	require.Len(t, s.Groups[1].Tasks, 2)
	require.Equal(t, plan.ModeParallel, s.Groups[2].Mode)
}

func TestBuildRenamesDuplicateIDs(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("x", plan.ModeSerial, 1),
		task("x", plan.ModeSerial, 1),
		task("x", plan.ModeSerial, 1),
		task("y", plan.ModeSerial, 1, "x"),
	})

	require.False(t, s.HasCycle)
	require.ElementsMatch(t, []string{"x", "x#2", "x#3", "y"}, s.OrderedTaskIDs)
}

func TestBuildNormalizesDependencies(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("a", plan.ModeSerial, 1),
		// Self edge, unknown reference, and duplicate all drop.
		task("b", plan.ModeSerial, 1, "b", "ghost", "a", "a"),
	})

	require.False(t, s.HasCycle)
	require.Equal(t, []string{"a", "b"}, s.OrderedTaskIDs)
	require.Equal(t, 2, s.WaveCount())
}

func TestBuildDetectsCycle(t *testing.T) {
	s := Build([]plan.ExecutionTask{
		task("root", plan.ModeSerial, 1),
		task("a", plan.ModeSerial, 1, "root", "c"),
		task("b", plan.ModeSerial, 1, "a"),
		task("c", plan.ModeSerial, 1, "b"),
	})

	require.True(t, s.HasCycle)
	require.Equal(t, []string{"root"}, s.OrderedTaskIDs)
	require.Equal(t, []string{"a", "b", "c"}, s.ResidualTaskIDs)
}

func TestBuildEmptyInput(t *testing.T) {
	s := Build(nil)
	require.False(t, s.HasCycle)
	require.Empty(t, s.Groups)
	require.Zero(t, s.WaveCount())
}

// TestScheduleAcyclicityProperty checks that for any forward-edge task graph
// every dependency lands in a strictly earlier wave and every task is
// scheduled exactly once.
func TestScheduleAcyclicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies precede dependents by wave", prop.ForAll(
		func(n int, seed int64) bool {
			tasks := randomDAG(n, seed)
			s := Build(tasks)
			if s.HasCycle {
				return false
			}
			if len(s.OrderedTaskIDs) != len(tasks) {
				return false
			}

			wave := make(map[string]int, len(tasks))
			count := make(map[string]int, len(tasks))
			for _, g := range s.Groups {
				for _, tk := range g.Tasks {
					wave[tk.ID] = g.WaveIndex
					count[tk.ID]++
				}
			}
			for _, tk := range tasks {
				if count[tk.ID] != 1 {
					return false
				}
				for _, dep := range tk.DependsOn {
					if wave[dep] >= wave[tk.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 24),
		gen.Int64(),
	))

	properties.Property("back edges always surface as cycles with residual", prop.ForAll(
		func(n int, seed int64) bool {
			tasks := randomDAG(n, seed)
			// Close a loop: the first task now depends on the last.
			tasks[0].DependsOn = append(tasks[0].DependsOn, tasks[n-1].ID)
			tasks[n-1].DependsOn = append(tasks[n-1].DependsOn, tasks[0].ID)
			s := Build(tasks)
			return s.HasCycle && len(s.ResidualTaskIDs) > 0 &&
				len(s.OrderedTaskIDs)+len(s.ResidualTaskIDs) == len(tasks)
		},
		gen.IntRange(2, 24),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// randomDAG builds n tasks where task i may depend only on tasks j < i, so
// the graph is acyclic by construction.
func randomDAG(n int, seed int64) []plan.ExecutionTask {
	r := rand.New(rand.NewSource(seed))
	modes := []plan.TaskMode{plan.ModeSerial, plan.ModeParallel}
	tasks := make([]plan.ExecutionTask, n)
	for i := range tasks {
		var deps []string
		for j := 0; j < i; j++ {
			if r.Intn(3) == 0 {
				deps = append(deps, fmt.Sprintf("t%d", j))
			}
		}
		tasks[i] = plan.ExecutionTask{
			ID:        fmt.Sprintf("t%d", i),
			Mode:      modes[r.Intn(len(modes))],
			Priority:  r.Intn(10),
			DependsOn: deps,
		}
	}
	return tasks
}

func TestGeneratedPlansSchedule(t *testing.T) {
	g := plan.NewGenerator()
	for _, msg := range []string{
		"生成web端的外卖后台管理系统",
		"请修复登录页问题",
		"Build a CRM with contact list, deal pipeline, and activity timeline views",
	} {
		p, err := g.Generate(plan.Input{
			UserMessage: msg,
			Route:       plan.RouteDecision{Mode: "creator", Platform: "web"},
			AgentID:     "frontend",
			ProjectType: "next-js",
		})
		require.NoError(t, err)

		s := Build(p.Tasks)
		require.False(t, s.HasCycle, "plan for %q must schedule", msg)
		require.Len(t, s.OrderedTaskIDs, len(p.Tasks))
	}
}

func TestScheduleMissedPropertyRegression(t *testing.T) {
	// Dropped dependencies must not leave stale in-degrees behind.
	s := Build([]plan.ExecutionTask{
		task("a", plan.ModeSerial, 1, "missing-1", "missing-2"),
		task("b", plan.ModeSerial, 1, "a"),
	})
	require.False(t, s.HasCycle)
	require.Equal(t, []string{"a", "b"}, s.OrderedTaskIDs)
}
