package registry

// locks maps a resource key to the task currently holding it. It has no
// synchronization of its own: it is only touched under Registry.mx, in the
// same critical section that creates or finishes the holding task.
type locks map[string]string

// acquire assigns key to taskID. It returns the current holder and false
// when the key is taken.
func (l locks) acquire(key, taskID string) (string, bool) {
	if holder, ok := l[key]; ok {
		return holder, false
	}
	l[key] = taskID
	return taskID, true
}

// release frees key if it is held by taskID.
func (l locks) release(key, taskID string) {
	if l[key] == taskID {
		delete(l, key)
	}
}
