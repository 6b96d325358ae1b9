package telegram

// peerCache — процесс-локальный кэш access hash каналов и пользователей.
// MTProto требует access hash для обращения к пирам; бот узнаёт их из
// входящих апдейтов и ответов API, кэш просто их запоминает.

import (
	"sync"

	"github.com/gotd/td/tg"
)

type peerCache struct {
	mu       sync.RWMutex
	channels map[int64]int64
	users    map[int64]int64
}

func newPeerCache() *peerCache {
	return &peerCache{
		channels: make(map[int64]int64),
		users:    make(map[int64]int64),
	}
}

// RememberChannel сохраняет access hash канала.
func (p *peerCache) RememberChannel(id, accessHash int64) {
	p.mu.Lock()
	p.channels[id] = accessHash
	p.mu.Unlock()
}

// RememberUser сохраняет access hash пользователя.
func (p *peerCache) RememberUser(id, accessHash int64) {
	p.mu.Lock()
	p.users[id] = accessHash
	p.mu.Unlock()
}

// Absorb извлекает access hash из сущностей ответа API.
func (p *peerCache) Absorb(chats []tg.ChatClass, users []tg.UserClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			p.channels[ch.ID] = ch.AccessHash
		}
	}
	for _, user := range users {
		if u, ok := user.(*tg.User); ok {
			p.users[u.ID] = u.AccessHash
		}
	}
}

// InputPeer собирает InputPeer для chatID в соглашении Bot API:
// положительный id — пользователь, отрицательный с префиксом -100 — канал,
// прочие отрицательные — обычная группа.
func (p *peerCache) InputPeer(chatID int64) tg.InputPeerClass {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case chatID > 0:
		return &tg.InputPeerUser{UserID: chatID, AccessHash: p.users[chatID]}
	case isChannelID(chatID):
		id := channelID(chatID)
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: p.channels[id]}
	default:
		return &tg.InputPeerChat{ChatID: -chatID}
	}
}

// InputChannel возвращает InputChannel для канального chatID.
func (p *peerCache) InputChannel(chatID int64) (*tg.InputChannel, bool) {
	if !isChannelID(chatID) {
		return nil, false
	}
	id := channelID(chatID)

	p.mu.RLock()
	hash, ok := p.channels[id]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: id, AccessHash: hash}, true
}

// botAPIChannelOffset — смещение канальных id в соглашении Bot API (-100xxxxxxxxxx).
const botAPIChannelOffset = int64(1_000_000_000_000)

func isChannelID(chatID int64) bool {
	return chatID < -botAPIChannelOffset
}

func channelID(chatID int64) int64 {
	return -chatID - botAPIChannelOffset
}
