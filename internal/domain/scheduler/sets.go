package scheduler

// Процесс-локальные структуры планировщика: re-entry guard и списки ожидающих
// задач. Каждая структура закрыта собственным мьютексом; итерации снаружи
// всегда идут по снимку.

import "sync"

// activeSet — множество task_id, чьи воркеры сейчас выполняются.
// Гарантия: на один id guard удерживается не более чем одним воркером.
type activeSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newActiveSet() *activeSet {
	return &activeSet{ids: make(map[int64]struct{})}
}

// TryAcquire атомарно вставляет id; false — id уже занят.
func (s *activeSet) TryAcquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Release снимает guard; обязан вызываться на каждом пути выхода воркера.
func (s *activeSet) Release(id int64) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

// Held сообщает, занят ли id.
func (s *activeSet) Held(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.ids[id]
	return held
}

// Len возвращает число занятых guard-ов.
func (s *activeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// taskList — список ожидающих задач. Snapshot копирует срез, чтобы
// конкурентное изъятие задачи воркером не ломало идущую итерацию.
type taskList struct {
	mu    sync.Mutex
	items []*liveTask
}

func newTaskList() *taskList {
	return &taskList{}
}

func (l *taskList) Add(lt *liveTask) {
	l.mu.Lock()
	l.items = append(l.items, lt)
	l.mu.Unlock()
}

func (l *taskList) Remove(taskID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, lt := range l.items {
		if lt.row.ID == taskID {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// Snapshot возвращает копию списка на момент вызова.
func (l *taskList) Snapshot() []*liveTask {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*liveTask, len(l.items))
	copy(out, l.items)
	return out
}

func (l *taskList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
