package diagnostics

import "time"

const (
	// ConsoleCapacity is the per-page console ring size.
	ConsoleCapacity = 500
	// NetworkCapacity is the per-page network ring size.
	NetworkCapacity = 200
	// maxConsoleText bounds the stored text of a console message.
	maxConsoleText = 2000
)

// ConsoleLogEntry is one console message or uncaught exception of a page.
type ConsoleLogEntry struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Location  string    `json:"location,omitempty"`
	PageURL   string    `json:"pageUrl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkTiming records when a request started and finished. Duration is in milliseconds.
type NetworkTiming struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Duration float64    `json:"duration,omitempty"`
}

// NetworkLogEntry is one request/response pair observed on a page.
type NetworkLogEntry struct {
	requestID string

	URL             string            `json:"url"`
	Method          string            `json:"method"`
	ResourceType    string            `json:"resourceType,omitempty"`
	Status          int64             `json:"status"`
	StatusText      string            `json:"statusText,omitempty"`
	Timing          NetworkTiming     `json:"timing"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	Failed          bool              `json:"failed"`
	ErrorText       string            `json:"errorText,omitempty"`
}

// PageInfo is the state of one tab at snapshot time. Fields that could not
// be read are left empty and noted in Errors.
type PageInfo struct {
	TargetID       string            `json:"targetId"`
	URL            string            `json:"url"`
	Title          string            `json:"title"`
	DOMSize        int               `json:"domSize"`
	UserAgent      string            `json:"userAgent,omitempty"`
	LocalStorage   map[string]string `json:"localStorage,omitempty"`
	SessionStorage map[string]string `json:"sessionStorage,omitempty"`
	CookieCount    int               `json:"cookieCount"`
	HTML           string            `json:"html,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
}

// ErrorInfo describes the error that triggered a snapshot.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Snapshot is the persisted post-mortem record of a failed action.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	Crawler       string            `json:"crawler"`
	MethodName    string            `json:"methodName"`
	ExecutionTime int64             `json:"executionTime"`
	Error         ErrorInfo         `json:"error"`
	MainPage      PageInfo          `json:"mainPage"`
	OtherPages    []PageInfo        `json:"otherPages"`
	Screenshots   []string          `json:"screenshots,omitempty"`
	Console       []ConsoleLogEntry `json:"console"`
	Network       []NetworkLogEntry `json:"network"`
}
