// Package auth — минимальная проверка прав: список администраторов, которым
// разрешены действия над чужими задачами. Владельцу своя задача доступна
// всегда, это проверяет сам планировщик.
package auth

import "strings"

// AdminGuard разрешает любые действия перечисленным администраторам.
type AdminGuard struct {
	admins map[string]struct{}
}

// NewAdminGuard создаёт guard из списка идентификаторов. Пустые и
// дублирующиеся записи игнорируются.
func NewAdminGuard(adminIDs []string) *AdminGuard {
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		admins[id] = struct{}{}
	}
	return &AdminGuard{admins: admins}
}

// Can отвечает, разрешено ли пользователю действие. Действие сейчас не
// различается: администратор может всё, остальные — ничего сверх своего.
func (g *AdminGuard) Can(userID, _ string) bool {
	_, ok := g.admins[userID]
	return ok
}
