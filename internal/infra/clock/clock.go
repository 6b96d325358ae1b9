// Package clock — источник времени, внедряемый в компоненты оркестратора.
// Все подсистемы, зависящие от времени (hearbeat, лизы, троттлинг UI), принимают
// Now-функцию, что позволяет подменять время в тестах без глобальных моков.
package clock

import "time"

// Now — внедряемый источник текущего времени.
type Now func() time.Time

// System возвращает стандартный источник времени процесса.
func System() Now {
	return time.Now
}

// Fixed возвращает источник, всегда отдающий t. Удобно для детерминированных тестов.
func Fixed(t time.Time) Now {
	return func() time.Time { return t }
}
