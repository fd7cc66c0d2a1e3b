package loading

// Registry is an insertion-ordered set of tasks keyed by id. It is not safe for
// concurrent use; callers serialise access.
type Registry struct {
	order []string
	tasks map[string]*Task
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds a task at progress 0. Re-registering an id resets it in place.
func (r *Registry) Register(id string, weight float64) {
	if r.tasks == nil {
		r.tasks = make(map[string]*Task)
	}
	if task, ok := r.tasks[id]; ok {
		task.Progress = 0
		task.Completed = false
		task.Weight = NormalizeWeight(weight)
		return
	}
	r.tasks[id] = &Task{ID: id, Weight: NormalizeWeight(weight)}
	r.order = append(r.order, id)
}

// Update sets the clamped progress of a task. Reaching 100 marks it completed.
// It reports false for unknown ids.
func (r *Registry) Update(id string, progress float64) bool {
	task, ok := r.tasks[id]
	if !ok {
		return false
	}
	task.Progress = ClampProgress(progress)
	task.Completed = task.Progress >= 100
	return true
}

// Complete forces a task to 100 and marks it completed.
func (r *Registry) Complete(id string) bool {
	task, ok := r.tasks[id]
	if !ok {
		return false
	}
	task.Progress = 100
	task.Completed = true
	return true
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Tasks returns copies of the tasks in registration order.
func (r *Registry) Tasks() []Task {
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}
	return out
}

// Len reports the number of registered tasks.
func (r *Registry) Len() int { return len(r.order) }

// AllCompleted reports whether every registered task is completed.
func (r *Registry) AllCompleted() bool {
	for _, task := range r.tasks {
		if !task.Completed {
			return false
		}
	}
	return true
}

// Progress returns the weighted mean progress of the registry.
func (r *Registry) Progress() float64 {
	return Aggregate(r.Tasks())
}
