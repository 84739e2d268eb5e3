package config

import (
	"encoding/json"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DocumentHTML = "html"
	DocumentPDF  = "pdf"

	ShowHighlightsAlways = "always"
)

type Config struct {
	// DocumentType selects the integration: "html" or "pdf".
	DocumentType string
	// SubFrameIdentifier is empty for the top-level frame.
	SubFrameIdentifier string
	ShowHighlights     string

	Addr            string
	DocumentURL     string
	PDFPath         string
	AnnotationsPath string
	OutputPath      string
	PageWaitTimeout time.Duration
	RenderTimeout   time.Duration
	// Redis Configuration
	RedisURL string
	// Object storage for s3:// documents
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

func Load() Config {
	return Config{
		DocumentType:       getenv("ANNOTATOR_DOCUMENT_TYPE", DocumentHTML),
		SubFrameIdentifier: getenv("ANNOTATOR_SUBFRAME_ID", ""),
		ShowHighlights:     getenv("ANNOTATOR_SHOW_HIGHLIGHTS", ShowHighlightsAlways),
		Addr:               getenv("ANNOTATOR_ADDR", ""),
		DocumentURL:        getenv("ANNOTATOR_DOCUMENT_URL", ""),
		PDFPath:            getenv("ANNOTATOR_PDF_PATH", ""),
		AnnotationsPath:    getenv("ANNOTATOR_ANNOTATIONS", ""),
		OutputPath:         getenv("ANNOTATOR_OUTPUT", ""),
		PageWaitTimeout:    time.Duration(getenvInt("ANNOTATOR_PAGE_WAIT_SECONDS", 30)) * time.Second,
		RenderTimeout:      time.Duration(getenvInt("ANNOTATOR_RENDER_TIMEOUT_SECONDS", 30)) * time.Second,
		// Redis - tags stay in-process if not configured
		RedisURL:    getenv("REDIS_URL", ""),
		S3Endpoint:  getenv("S3_ENDPOINT", ""),
		S3AccessKey: getenv("S3_ACCESS_KEY", ""),
		S3SecretKey: getenv("S3_SECRET_KEY", ""),
		S3UseSSL:    getenvBool("S3_USE_SSL", true),
	}
}

// hostConfigKeys are the settings a host page may pass in. The host page is
// untrusted, so anything else is dropped.
var hostConfigKeys = map[string]struct{}{
	"annotations":    {},
	"openLoginForm":  {},
	"openSidebar":    {},
	"showHighlights": {},
}

// FromHostConfig extracts the whitelisted settings from the JSON `config`
// query parameter of a frame URL's query string.
func FromHostConfig(rawQuery string) (map[string]any, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return nil, err
	}
	raw := values.Get("config")
	if raw == "" {
		raw = "{}"
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}
	result := make(map[string]any)
	for key, value := range parsed {
		if _, ok := hostConfigKeys[key]; ok {
			result[key] = value
		}
	}
	return result, nil
}

// ApplyHostConfig overrides settings the host page is allowed to change.
func (c *Config) ApplyHostConfig(host map[string]any) {
	if show, ok := host["showHighlights"].(string); ok {
		c.ShowHighlights = show
	}
	if show, ok := host["showHighlights"].(bool); ok {
		if show {
			c.ShowHighlights = ShowHighlightsAlways
		} else {
			c.ShowHighlights = "never"
		}
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
