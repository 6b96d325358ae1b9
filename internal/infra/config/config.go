// Пакет config отвечает за сбор и предоставление конфигурации оркестратора.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к снимку через atomic-указатель,
//  4. поддерживает горячую перезагрузку (POST /api/v2/config/refresh) с
//     сохранением защищённых ключей.
//
// Бизнес-контекст: реплики оркестратора стартуют за балансировщиком и
// координируются через общий KV и SQL-store. Конфиг среды управляет
// подключением к Telegram API, путями локальных хранилищ, размерами пулов
// воркеров, параметрами шины сообщений и подписью входящих вебхуков.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это
// «операционные» настройки запуска: учётные данные MTProto, пути хранилищ,
// размеры пулов, интервалы координации и ключи подписи вебхуков.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	BotToken    string
	SessionFile string
	TestDC      bool
	ThrottleRPS int
	AdminUID    int64

	// Локальные хранилища
	KVFile      string
	TaskDBFile  string
	DownloadDir string

	// Реплика и координация
	InstanceURL        string
	HeartbeatSec       int
	InstanceTimeoutSec int
	StalledThresholdMin int

	// Пулы воркеров
	DownloadWorkersMin int
	DownloadWorkersMax int
	UploadWorkersMin   int
	UploadWorkersMax   int

	// UI-обновления
	MinRefreshIntervalMS int
	DebounceEditMS       int
	DedupWindowSec       int

	// Шина сообщений
	QueueEndpoint      string
	QueueBatchSize     int
	QueueBatchTimeoutMS int
	QueueMaxBuffer     int
	CurrentSigningKey  string
	NextSigningKey     string
	DebugCallerContext bool

	// Перенос на удалённый диск
	RcloneBin    string
	RcloneRemote string

	// Среда исполнения
	Environment         string
	ExpectedEnvironment string

	// Логирование
	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	// Web Server
	WebAddress string
}

// Значения по умолчанию для параметров окружения и связанных файлов.
const (
	defaultThrottleRPS          = 1
	defaultDedupWindowSec       = 120
	defaultDebounceEditMS       = 2000
	defaultSessionFile          = "data/session.bin"
	defaultKVFile               = "data/kv.bbolt"
	defaultTaskDBFile           = "data/tasks.db"
	defaultDownloadDir          = "data/downloads"
	defaultHeartbeatSec         = 30
	defaultInstanceTimeoutSec   = 90
	defaultStalledThresholdMin  = 5
	defaultDownloadWorkersMin   = 1
	defaultDownloadWorkersMax   = 4
	defaultUploadWorkersMin     = 1
	defaultUploadWorkersMax     = 4
	defaultMinRefreshIntervalMS = 3000
	defaultQueueBatchSize       = 10
	defaultQueueBatchTimeoutMS  = 500
	defaultQueueMaxBuffer       = 1000
	defaultRcloneBin            = "rclone"
	defaultLogLevel             = "info"
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	defaultWebAddress        = "0.0.0.0:8080"
)

// protectedKeys перечисляет переменные, значения которых переживают горячую
// перезагрузку: их смена на лету сломала бы открытые хранилища и сессию MTProto.
var protectedKeys = []string{
	"API_ID", "API_HASH", "BOT_TOKEN", "SESSION_FILE",
	"KV_FILE", "TASK_DB_FILE", "INSTANCE_URL", "WEB_ADDRESS",
}

var (
	current  atomic.Pointer[snapshot]
	loadMu   sync.Mutex
	lastPath string
)

// snapshot — неизменяемый результат одной загрузки конфигурации.
type snapshot struct {
	env      EnvConfig
	warnings []string
}

// Load — точка входа для инициализации конфигурации. Читает .env по envPath,
// собирает EnvConfig и публикует снимок. Повторный вызов запрещён; для
// обновления в рантайме используйте Reload().
func Load(envPath string) error {
	loadMu.Lock()
	defer loadMu.Unlock()

	if current.Load() != nil {
		return errors.New("config already loaded")
	}
	snap, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	lastPath = envPath
	current.Store(snap)
	return nil
}

// Reload перечитывает .env и атомарно подменяет снимок. Защищённые ключи
// сохраняют прежние значения вне зависимости от содержимого файла.
func Reload() error {
	loadMu.Lock()
	defer loadMu.Unlock()

	prev := current.Load()
	if prev == nil {
		return errors.New("config is not loaded yet")
	}

	preserved := make(map[string]string, len(protectedKeys))
	for _, key := range protectedKeys {
		preserved[key] = os.Getenv(key)
	}

	snap, err := loadConfig(lastPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	// Возвращаем защищённые значения в окружение и в снимок.
	for key, val := range preserved {
		_ = os.Setenv(key, val)
	}
	snap.env.APIID = prev.env.APIID
	snap.env.APIHash = prev.env.APIHash
	snap.env.BotToken = prev.env.BotToken
	snap.env.SessionFile = prev.env.SessionFile
	snap.env.KVFile = prev.env.KVFile
	snap.env.TaskDBFile = prev.env.TaskDBFile
	snap.env.InstanceURL = prev.env.InstanceURL
	snap.env.WebAddress = prev.env.WebAddress

	current.Store(snap)
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный снимок и проверить его.
func loadConfig(envPath string) (*snapshot, error) {
	if envPath != "" {
		if err := godotenv.Overload(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	var warnings []string

	environment := strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT")))
	expectedEnv := strings.ToLower(strings.TrimSpace(os.Getenv("EXPECTED_ENVIRONMENT")))
	if expectedEnv != "" && environment != expectedEnv {
		// В production несоответствие среды фатально; в остальных средах — предупреждение.
		if environment == "production" || expectedEnv == "production" {
			return nil, fmt.Errorf("environment mismatch: ENVIRONMENT=%q EXPECTED_ENVIRONMENT=%q",
				environment, expectedEnv)
		}
		appendWarningf(&warnings, "environment mismatch: ENVIRONMENT=%q EXPECTED_ENVIRONMENT=%q",
			environment, expectedEnv)
	}

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		BotToken:    botToken,
		SessionFile: sanitizeFile("SESSION_FILE", os.Getenv("SESSION_FILE"), defaultSessionFile, &warnings),
		TestDC:      strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),
		ThrottleRPS: parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		AdminUID:    int64(parseIntDefault("ADMIN_UID", 0, nonNegative, &warnings)),

		KVFile:      sanitizeFile("KV_FILE", os.Getenv("KV_FILE"), defaultKVFile, &warnings),
		TaskDBFile:  sanitizeFile("TASK_DB_FILE", os.Getenv("TASK_DB_FILE"), defaultTaskDBFile, &warnings),
		DownloadDir: sanitizeFile("DOWNLOAD_DIR", os.Getenv("DOWNLOAD_DIR"), defaultDownloadDir, &warnings),

		InstanceURL:         strings.TrimSpace(os.Getenv("INSTANCE_URL")),
		HeartbeatSec:        parseIntDefault("HEARTBEAT_SEC", defaultHeartbeatSec, greaterThanZero, &warnings),
		InstanceTimeoutSec:  parseIntDefault("INSTANCE_TIMEOUT_SEC", defaultInstanceTimeoutSec, greaterThanZero, &warnings),
		StalledThresholdMin: parseIntDefault("STALLED_THRESHOLD_MIN", defaultStalledThresholdMin, greaterThanZero, &warnings),

		DownloadWorkersMin: parseIntDefault("DOWNLOAD_WORKERS_MIN", defaultDownloadWorkersMin, greaterThanZero, &warnings),
		DownloadWorkersMax: parseIntDefault("DOWNLOAD_WORKERS_MAX", defaultDownloadWorkersMax, greaterThanZero, &warnings),
		UploadWorkersMin:   parseIntDefault("UPLOAD_WORKERS_MIN", defaultUploadWorkersMin, greaterThanZero, &warnings),
		UploadWorkersMax:   parseIntDefault("UPLOAD_WORKERS_MAX", defaultUploadWorkersMax, greaterThanZero, &warnings),

		MinRefreshIntervalMS: parseIntDefault("MIN_REFRESH_INTERVAL_MS", defaultMinRefreshIntervalMS, greaterThanZero, &warnings),
		DebounceEditMS:       parseIntDefault("DEBOUNCE_EDIT_MS", defaultDebounceEditMS, nonNegative, &warnings),
		DedupWindowSec:       parseIntDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative, &warnings),

		QueueEndpoint:       strings.TrimSpace(os.Getenv("QUEUE_ENDPOINT")),
		QueueBatchSize:      parseIntDefault("QUEUE_BATCH_SIZE", defaultQueueBatchSize, greaterThanZero, &warnings),
		QueueBatchTimeoutMS: parseIntDefault("QUEUE_BATCH_TIMEOUT_MS", defaultQueueBatchTimeoutMS, greaterThanZero, &warnings),
		QueueMaxBuffer:      parseIntDefault("QUEUE_MAX_BUFFER", defaultQueueMaxBuffer, greaterThanZero, &warnings),
		CurrentSigningKey:   strings.TrimSpace(os.Getenv("QSTASH_CURRENT_SIGNING_KEY")),
		NextSigningKey:      strings.TrimSpace(os.Getenv("QSTASH_NEXT_SIGNING_KEY")),
		DebugCallerContext:  parseBoolDefault("DEBUG_CALLER_CONTEXT", false, &warnings),

		RcloneBin:    sanitizeFile("RCLONE_BIN", os.Getenv("RCLONE_BIN"), defaultRcloneBin, &warnings),
		RcloneRemote: strings.TrimSpace(os.Getenv("RCLONE_REMOTE")),

		Environment:         environment,
		ExpectedEnvironment: expectedEnv,

		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),

		WebAddress: sanitizeFile("WEB_ADDRESS", os.Getenv("WEB_ADDRESS"), defaultWebAddress, &warnings),
	}

	if env.DownloadWorkersMax < env.DownloadWorkersMin {
		appendWarningf(&warnings, "DOWNLOAD_WORKERS_MAX < DOWNLOAD_WORKERS_MIN; clamping to %d", env.DownloadWorkersMin)
		env.DownloadWorkersMax = env.DownloadWorkersMin
	}
	if env.UploadWorkersMax < env.UploadWorkersMin {
		appendWarningf(&warnings, "UPLOAD_WORKERS_MAX < UPLOAD_WORKERS_MIN; clamping to %d", env.UploadWorkersMin)
		env.UploadWorkersMax = env.UploadWorkersMin
	}

	return &snapshot{env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения последней загрузки .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	snap := current.Load()
	if snap == nil {
		return nil
	}
	result := make([]string, len(snap.warnings))
	copy(result, snap.warnings)
	return result
}

// Env возвращает EnvConfig из текущего снимка. Это неизменяемая копия на момент
// последней загрузки; Reload подменяет снимок целиком.
func Env() EnvConfig {
	snap := current.Load()
	if snap == nil {
		return EnvConfig{}
	}
	return snap.env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "log level value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла/пути конфигурации. Если переменная
// не задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
