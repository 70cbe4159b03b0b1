package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	GRPCListening      string
	ShuttingDown       string
	ShutdownComplete   string
	SystemMetricsInit  string
	PaperMode          string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	LedgerLoadFailed   string
	APIServerError     string
	InstrumentsLoaded  string
	InstrumentsMissing string

	// Orders
	JournalEnabled     string
	StoreInitFailed    string
	EngineReady        string
	InflightCancelled  string
	SquareOffOnStop    string
	SquareOffOnStopErr string

	// Coordinators
	BackendStarted     string
	AutoTrailerReady   string
	TimerScheduled     string
	TimerScheduleSkip  string
	TimerInitFailed    string
	ReconStarted       string
	MockFeedStarted    string
	FeedUnavailable    string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting TeZ trading backend...",
	ConfigLoaded:       "Config loaded (Port: %s, UL: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "HTTP server listening on :%s",
	GRPCListening:      "gRPC health listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",
	SystemMetricsInit:  "System metrics initialized",
	PaperMode:          "Running in PAPER mode (orders will NOT reach a broker)",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	LedgerLoadFailed:   "Failed to restore position ledger: %v",
	APIServerError:     "API server error: %v",
	InstrumentsLoaded:  "Instruments loaded: %v",
	InstrumentsMissing: "Instruments file unusable: %v",

	JournalEnabled:     "Order journal enabled: %s",
	StoreInitFailed:    "Failed to open order store: %v",
	EngineReady:        "Order engine ready (workers=%d, confirm=%dx%v)",
	InflightCancelled:  "Cancelled %d in-flight orders",
	SquareOffOnStop:    "Emergency stop: squaring off all positions",
	SquareOffOnStopErr: "Emergency square-off incomplete: %v",

	BackendStarted:    "Backend coordinator started",
	AutoTrailerReady:  "AutoTrailer ready",
	TimerScheduled:    "Square-off timer armed for %s",
	TimerScheduleSkip: "Square-off timer not armed: %v",
	TimerInitFailed:   "Square-off timer config invalid: %v",
	ReconStarted:      "Reconciliation service started",
	MockFeedStarted:   "Mock feed started",
	FeedUnavailable:   "No market feed configured",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "啟動 TeZ 交易後端...",
	ConfigLoaded:       "設定已載入（埠號：%s，標的：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "HTTP 服務監聽於 :%s",
	GRPCListening:      "gRPC 健康檢查監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成。",
	SystemMetricsInit:  "系統指標初始化完成",
	PaperMode:          "模擬交易模式（不會送出真實委託）",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	LedgerLoadFailed:   "還原持倉帳本失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	InstrumentsLoaded:  "商品設定已載入：%v",
	InstrumentsMissing: "商品設定檔無法使用：%v",

	JournalEnabled:     "訂單日誌已啟用：%s",
	StoreInitFailed:    "開啟訂單儲存失敗：%v",
	EngineReady:        "下單引擎就緒（工作者=%d，確認=%dx%v）",
	InflightCancelled:  "已取消 %d 筆進行中訂單",
	SquareOffOnStop:    "緊急停止：全部平倉",
	SquareOffOnStopErr: "緊急平倉未完成：%v",

	BackendStarted:    "後端協調器已啟動",
	AutoTrailerReady:  "自動追蹤停損就緒",
	TimerScheduled:    "定時平倉已設定於 %s",
	TimerScheduleSkip: "定時平倉未設定：%v",
	TimerInitFailed:   "定時平倉設定無效：%v",
	ReconStarted:      "對帳服務已啟動",
	MockFeedStarted:   "模擬行情訂閱已啟動",
	FeedUnavailable:   "未設定行情來源",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
