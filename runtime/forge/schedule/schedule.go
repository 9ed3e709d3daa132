// Package schedule orders execution tasks into waves. The scheduler is a pure
// function over the task list: it never mutates its input and produces the
// same schedule for the same tasks.
package schedule

import (
	"fmt"
	"sort"

	"github.com/protofab/protofab/runtime/forge/plan"
)

type (
	// TaskGroup is a contiguous run of same-mode tasks inside one wave.
	TaskGroup struct {
		// WaveIndex is the zero-based wave the group belongs to.
		WaveIndex int `json:"waveIndex"`
		// Mode is the uniform execution mode of the group's tasks.
		Mode plan.TaskMode `json:"mode"`
		// Tasks are the group members in scheduling order.
		Tasks []plan.ExecutionTask `json:"tasks"`
	}

	// ExecutionSchedule is the scheduler output.
	//
	// When HasCycle is false, every task appears in exactly one group and the
	// wave index of each task strictly exceeds that of all its dependencies.
	// When HasCycle is true, ResidualTaskIDs lists the unscheduled tasks in
	// input order and the caller must abort the run.
	ExecutionSchedule struct {
		Groups          []TaskGroup `json:"groups"`
		OrderedTaskIDs  []string    `json:"orderedTaskIds"`
		HasCycle        bool        `json:"hasCycle"`
		ResidualTaskIDs []string    `json:"residualTaskIds,omitempty"`
	}
)

// Build schedules tasks into waves using Kahn's algorithm. Duplicate task ids
// are renamed deterministically by suffixing "#n" to the second and later
// occurrences; unknown, self, and duplicate dependency references are dropped.
func Build(tasks []plan.ExecutionTask) ExecutionSchedule {
	normalized := normalize(tasks)

	index := make(map[string]int, len(normalized))
	for i, t := range normalized {
		index[t.ID] = i
	}

	indegree := make([]int, len(normalized))
	dependents := make([][]int, len(normalized))
	for i, t := range normalized {
		indegree[i] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
		}
	}

	var schedule ExecutionSchedule
	scheduled := make([]bool, len(normalized))
	remaining := len(normalized)

	for wave := 0; remaining > 0; wave++ {
		var ready []int
		for i := range normalized {
			if !scheduled[i] && indegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			break
		}

		// Priority desc, insertion order asc on ties.
		sort.SliceStable(ready, func(a, b int) bool {
			if normalized[ready[a]].Priority != normalized[ready[b]].Priority {
				return normalized[ready[a]].Priority > normalized[ready[b]].Priority
			}
			return ready[a] < ready[b]
		})

		group := -1
		for _, i := range ready {
			t := normalized[i]
			if group < 0 || schedule.Groups[group].Mode != t.Mode {
				schedule.Groups = append(schedule.Groups, TaskGroup{WaveIndex: wave, Mode: t.Mode})
				group = len(schedule.Groups) - 1
			}
			schedule.Groups[group].Tasks = append(schedule.Groups[group].Tasks, t)
			schedule.OrderedTaskIDs = append(schedule.OrderedTaskIDs, t.ID)
			scheduled[i] = true
			remaining--
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
		}
	}

	if remaining > 0 {
		schedule.HasCycle = true
		for i, t := range normalized {
			if !scheduled[i] {
				schedule.ResidualTaskIDs = append(schedule.ResidualTaskIDs, t.ID)
			}
		}
	}
	return schedule
}

// WaveCount returns the number of distinct waves in the schedule.
func (s ExecutionSchedule) WaveCount() int {
	if len(s.Groups) == 0 {
		return 0
	}
	return s.Groups[len(s.Groups)-1].WaveIndex + 1
}

// Wave returns the tasks of the given wave in scheduling order.
func (s ExecutionSchedule) Wave(index int) []plan.ExecutionTask {
	var out []plan.ExecutionTask
	for _, g := range s.Groups {
		if g.WaveIndex == index {
			out = append(out, g.Tasks...)
		}
	}
	return out
}

// normalize copies the tasks, renames id collisions, and scrubs dependency
// lists. Dependencies naming a renamed duplicate resolve to the first
// occurrence, which keeps the original id.
func normalize(tasks []plan.ExecutionTask) []plan.ExecutionTask {
	out := make([]plan.ExecutionTask, len(tasks))
	copy(out, tasks)

	idCount := make(map[string]int, len(out))
	known := make(map[string]bool, len(out))
	for i := range out {
		idCount[out[i].ID]++
		if n := idCount[out[i].ID]; n > 1 {
			out[i].ID = fmt.Sprintf("%s#%d", out[i].ID, n)
		}
		known[out[i].ID] = true
	}

	for i := range out {
		var deps []string
		seen := make(map[string]bool, len(out[i].DependsOn))
		for _, dep := range out[i].DependsOn {
			if dep == out[i].ID || !known[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		out[i].DependsOn = deps
	}
	return out
}
