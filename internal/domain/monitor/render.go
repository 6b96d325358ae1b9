// Package monitor — рендеринг прогресс-сообщений и троттлинг их обновлений.
// Текст одиночного монитора и батч-вида собирается text/template-ами; вид батча
// каждый раз пересчитывается из живых строк группы, а не из накопленного
// состояния в памяти.

package monitor

import (
	"fmt"
	"strings"
	"text/template"

	"media-ingest/internal/domain/task"
)

// statusIcons — короткие значки статусов для строк батч-вида.
var statusIcons = map[task.Status]string{
	task.StatusQueued:      "⏳",
	task.StatusDownloading: "⬇️",
	task.StatusDownloaded:  "📦",
	task.StatusUploading:   "⬆️",
	task.StatusCompleted:   "✅",
	task.StatusFailed:      "❌",
	task.StatusCancelled:   "🚫",
}

// progressBarWidth — ширина прогресс-бара в ячейках.
const progressBarWidth = 10

// SingleView — данные одиночного прогресс-сообщения.
type SingleView struct {
	FileName string
	Action   string
	Percent  int
	Bar      string
	Done     string
	Total    string
	Status   task.Status
	ErrorMsg string
}

// BatchRow — одна строка батч-вида.
type BatchRow struct {
	Icon     string
	FileName string
	Bar      string // непустой только у задачи в фокусе
	Percent  int
}

// BatchView — данные батч-монитора.
type BatchView struct {
	Done  int
	Total int
	Rows  []BatchRow
}

// singleTemplate — шаблон одиночного монитора.
const singleTemplate = `{{define "single"}}{{if eq .Status "completed"}}✅ {{.FileName}} — перенесено ({{.Total}}){{else if eq .Status "failed"}}❌ {{.FileName}} — ошибка: {{.ErrorMsg}}{{else if eq .Status "cancelled"}}🚫 {{.FileName}} — отменено{{else}}{{.FileName}}
{{actionLabel .Action}} {{.Bar}} {{.Percent}}% ({{.Done}} / {{.Total}}){{end}}{{end}}`

// batchTemplate — шаблон батч-монитора.
const batchTemplate = `{{define "batch"}}Перенос: {{.Done}}/{{.Total}}
{{range .Rows}}{{.Icon}} {{.FileName}}{{if .Bar}} {{.Bar}} {{.Percent}}%{{end}}
{{end}}{{end}}`

var templates = template.Must(template.New("monitor").
	Funcs(template.FuncMap{"actionLabel": actionLabel}).
	Parse(singleTemplate + batchTemplate))

// actionLabel переводит фазу переноса в человекочитаемую метку.
func actionLabel(action string) string {
	switch action {
	case "uploading":
		return "Выгрузка"
	default:
		return "Загрузка"
	}
}

// Icon возвращает значок статуса (для неизвестного статуса — пустую строку).
func Icon(s task.Status) string { return statusIcons[s] }

// ProgressBar строит текстовый бар вида ▰▰▰▱▱▱▱▱▱▱ для процента [0,100].
func ProgressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * progressBarWidth / 100
	return strings.Repeat("▰", filled) + strings.Repeat("▱", progressBarWidth-filled)
}

// FormatBytes — человекочитаемый объём: 1024 → "1.0 KB".
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RenderSingle собирает текст одиночного прогресс-сообщения.
func RenderSingle(t *task.Task, p task.Progress) (string, error) {
	view := SingleView{
		FileName: t.FileName,
		Action:   p.Action,
		Percent:  p.Percent(),
		Bar:      ProgressBar(p.Percent()),
		Done:     FormatBytes(p.Done),
		Total:    FormatBytes(p.Total),
		Status:   t.Status,
		ErrorMsg: t.ErrorMsg,
	}
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, "single", view); err != nil {
		return "", fmt.Errorf("render single monitor: %w", err)
	}
	return sb.String(), nil
}

// RenderBatch собирает батч-вид из живых строк группы. Задача focusID рендерится
// с прогресс-баром; остальные — значком статуса.
func RenderBatch(rows []*task.Task, focusID int64, focus task.Progress) (string, error) {
	view := BatchView{Total: len(rows)}
	for _, row := range rows {
		if row.Status.IsTerminal() {
			view.Done++
		}
		br := BatchRow{Icon: Icon(row.Status), FileName: row.FileName}
		if row.ID == focusID && !row.Status.IsTerminal() {
			br.Bar = ProgressBar(focus.Percent())
			br.Percent = focus.Percent()
		}
		view.Rows = append(view.Rows, br)
	}
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, "batch", view); err != nil {
		return "", fmt.Errorf("render batch monitor: %w", err)
	}
	return sb.String(), nil
}
