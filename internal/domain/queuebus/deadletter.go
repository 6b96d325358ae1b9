package queuebus

// Dead-letter буфер: ограниченное кольцо сообщений, которые не удалось
// опубликовать (или которые вытеснены переполнением буфера батчирования).
// Хранится только в памяти процесса и предназначен для инспекции и ручного
// повтора через HTTP-слой.

import (
	"sync"
	"time"

	"media-ingest/internal/infra/clock"
)

// Причины попадания в dead-letter.
const (
	ReasonBufferOverflow = "buffer_overflow"
	ReasonPublishFailed  = "publish_failed"
)

// DeadEntry — одна запись dead-letter буфера.
type DeadEntry struct {
	ID     int64     `json:"id"`
	Topic  string    `json:"topic"`
	Body   []byte    `json:"body"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// DeadLetter — потокобезопасное кольцо фиксированной ёмкости. При переполнении
// самая старая запись вытесняется без следа.
type DeadLetter struct {
	mu       sync.Mutex
	entries  []DeadEntry
	capacity int
	nextID   int64
	now      clock.Now
}

// NewDeadLetter создаёт буфер ёмкостью capacity (минимум 1).
func NewDeadLetter(capacity int, now clock.Now) *DeadLetter {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = clock.System()
	}
	return &DeadLetter{capacity: capacity, nextID: 1, now: now}
}

// Add регистрирует проваленное сообщение и возвращает его id.
func (d *DeadLetter) Add(topic string, body []byte, reason string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.entries = append(d.entries, DeadEntry{
		ID:     id,
		Topic:  topic,
		Body:   append([]byte(nil), body...),
		Reason: reason,
		At:     d.now(),
	})
	if len(d.entries) > d.capacity {
		d.entries = d.entries[len(d.entries)-d.capacity:]
	}
	return id
}

// List возвращает снимок записей в порядке поступления.
func (d *DeadLetter) List() []DeadEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeadEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Take извлекает запись по id, удаляя её из буфера. Используется при ручном
// повторе: повторная публикация идёт обычным путём Publish.
func (d *DeadLetter) Take(id int64) (DeadEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, e := range d.entries {
		if e.ID == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return e, true
		}
	}
	return DeadEntry{}, false
}

// Clear опустошает буфер и возвращает число удалённых записей.
func (d *DeadLetter) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries)
	d.entries = nil
	return n
}

// Len возвращает текущее число записей.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
