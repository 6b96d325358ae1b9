package queuebus

// Подпись вебхуков: HMAC-SHA256 по телу запроса. Брокер подписывает исходящие
// доставки текущим ключом; входящая проверка принимает подпись и текущим, и
// следующим ключом, что позволяет ротацию без окна простоя.

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/go-faster/errors"
)

// SignatureHeader — HTTP-заголовок с подписью тела вебхука.
const SignatureHeader = "upstash-signature"

// Signer подписывает и проверяет тела вебхуков парой ключей current+next.
// Поля неизменяемы после создания; значение потокобезопасно.
type Signer struct {
	current []byte
	next    []byte
}

// NewSigner создаёт подписанта. Текущий ключ обязателен; следующий может быть
// пустым, тогда проверка идёт только по текущему.
func NewSigner(currentKey, nextKey string) (*Signer, error) {
	if currentKey == "" {
		return nil, errors.New("queuebus: current signing key is empty")
	}
	s := &Signer{current: []byte(currentKey)}
	if nextKey != "" {
		s.next = []byte(nextKey)
	}
	return s, nil
}

// Sign возвращает base64-подпись тела текущим ключом.
func (s *Signer) Sign(body []byte) string {
	return signWith(s.current, body)
}

// Verify проверяет подпись тела против текущего и следующего ключей.
// Пустая подпись всегда невалидна.
func (s *Signer) Verify(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	if hmac.Equal([]byte(signature), []byte(signWith(s.current, body))) {
		return true
	}
	if len(s.next) > 0 {
		return hmac.Equal([]byte(signature), []byte(signWith(s.next, body)))
	}
	return false
}

func signWith(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
