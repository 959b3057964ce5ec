// Package plan decomposes a feature into a task DAG and drives its
// execution: a planning agent produces the tasks, approval files tracker
// issues and spawns the dependency-free ones, and merges unlock the rest.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusReady     Status = "ready"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Task is one unit of plan work, sized for a single session and PR.
type Task struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Scope              string   `json:"scope,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	AffectedFiles      []string `json:"affectedFiles,omitempty"`
	Constraints        []string `json:"constraints,omitempty"`

	// Set during approval.
	IssueNumber int    `json:"issueNumber,omitempty"`
	IssueURL    string `json:"issueUrl,omitempty"`
	IssueError  string `json:"issueError,omitempty"`

	// Set when the task's session is spawned.
	SessionID  string `json:"sessionId,omitempty"`
	Branch     string `json:"branch,omitempty"`
	SpawnError string `json:"spawnError,omitempty"`

	// Result records the terminal status of the task's session, written
	// when the lifecycle observes the terminal transition. Dependency
	// gating reads it so archived sessions stay resolvable.
	Result string `json:"result,omitempty"`
	PRURL  string `json:"prUrl,omitempty"`
}

// Plan is a feature decomposition bound to one project.
type Plan struct {
	ID                string    `json:"id"`
	Project           string    `json:"project"`
	Status            Status    `json:"status"`
	Objective         string    `json:"objective"`
	Tasks             []*Task   `json:"tasks"`
	SharedContext     string    `json:"sharedContext,omitempty"`
	PlanningSessionID string    `json:"planningSessionId,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// TaskBySession returns the task bound to a session id, or nil.
func (p *Plan) TaskBySession(sessionID string) *Task {
	for _, t := range p.Tasks {
		if t.SessionID != "" && t.SessionID == sessionID {
			return t
		}
	}
	return nil
}

// resultMerged is the task result that unlocks dependents.
const resultMerged = "merged"

// MergedTaskBranches returns the branches of tasks whose sessions merged.
func (p *Plan) MergedTaskBranches() []string {
	var branches []string
	for _, t := range p.Tasks {
		if t.Result == resultMerged && t.Branch != "" {
			branches = append(branches, t.Branch)
		}
	}
	return branches
}

// planOutput is the drop-box JSON the planning agent writes. Dependencies
// are indexes into the tasks array; they become task ids on parse.
type planOutput struct {
	Tasks         []planOutputTask `json:"tasks"`
	SharedContext string           `json:"sharedContext"`
}

type planOutputTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Scope              string   `json:"scope"`
	Dependencies       []int    `json:"dependencies"`
	AffectedFiles      []string `json:"affectedFiles"`
	Constraints        []string `json:"constraints"`
}

// parseOutput validates the drop-box JSON and converts it into tasks.
func parseOutput(raw []byte) ([]*Task, string, error) {
	var out planOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPlanOutput, err)
	}
	if len(out.Tasks) == 0 {
		return nil, "", fmt.Errorf("%w: no tasks", ErrInvalidPlanOutput)
	}

	tasks := make([]*Task, len(out.Tasks))
	for i, ot := range out.Tasks {
		if ot.Title == "" {
			return nil, "", fmt.Errorf("%w: task %d has no title", ErrInvalidPlanOutput, i)
		}
		scope := ot.Scope
		if scope == "" {
			scope = "small"
		}
		if scope != "small" && scope != "medium" {
			return nil, "", fmt.Errorf("%w: task %d has invalid scope %q", ErrInvalidPlanOutput, i, ot.Scope)
		}

		deps := make([]string, 0, len(ot.Dependencies))
		for _, d := range ot.Dependencies {
			if d < 0 || d >= len(out.Tasks) {
				return nil, "", fmt.Errorf("%w: task %d depends on out-of-range index %d", ErrInvalidPlanOutput, i, d)
			}
			if d == i {
				return nil, "", fmt.Errorf("%w: task %d depends on itself", ErrInvalidPlanOutput, i)
			}
			deps = append(deps, taskID(d))
		}

		tasks[i] = &Task{
			ID:                 taskID(i),
			Title:              ot.Title,
			Description:        ot.Description,
			AcceptanceCriteria: ot.AcceptanceCriteria,
			Scope:              scope,
			Dependencies:       deps,
			AffectedFiles:      ot.AffectedFiles,
			Constraints:        ot.Constraints,
		}
	}

	if err := checkAcyclic(tasks); err != nil {
		return nil, "", err
	}
	return tasks, out.SharedContext, nil
}

func taskID(index int) string {
	return fmt.Sprintf("t%d", index+1)
}

// checkAcyclic rejects dependency cycles via iterative depth-first search.
func checkAcyclic(tasks []*Task) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	index := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	state := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through %s", ErrInvalidPlanOutput, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range index[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}
