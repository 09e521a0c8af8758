// Package settings persists local user settings and reports best-effort
// anonymous usage events. Every failure here is logged and swallowed;
// analytics must never affect a running session.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	loggerv2 "mcprun/logger/v2"
)

// DefaultAnalyticsURL receives usage events.
const DefaultAnalyticsURL = "https://analytics.mcprun.dev/events"

const settingsFileName = "settings.json"

// fileSettings is the on-disk settings document.
type fileSettings struct {
	AnonymousID      string `json:"anonymousId"`
	AnalyticsEnabled *bool  `json:"analyticsEnabled,omitempty"`
}

// Service owns the settings file and the analytics sender. One instance per
// process; there is no package-level singleton.
type Service struct {
	path   string
	logger loggerv2.Logger

	analyticsURL string
	http         *http.Client

	mu       sync.Mutex
	settings fileSettings

	wg       sync.WaitGroup
	closed   chan struct{}
	closeOne sync.Once
}

// ServiceOption customizes a settings Service.
type ServiceOption func(*Service)

// WithAnalyticsURL points usage events at a non-default collector.
func WithAnalyticsURL(u string) ServiceOption {
	return func(s *Service) { s.analyticsURL = u }
}

// WithConfigDir overrides the settings directory, mainly for tests.
func WithConfigDir(dir string) ServiceOption {
	return func(s *Service) { s.path = filepath.Join(dir, settingsFileName) }
}

// New loads or initializes the settings file under the user config dir and
// returns a ready service. A missing or corrupt file is recreated with a
// fresh anonymous id.
func New(logger loggerv2.Logger, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		logger:       logger,
		analyticsURL: DefaultAnalyticsURL,
		http:         &http.Client{Timeout: 5 * time.Second},
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate user config dir: %w", err)
		}
		s.path = filepath.Join(dir, "mcprun", settingsFileName)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &s.settings); jsonErr != nil {
			s.logger.Warn("Settings file is corrupt, recreating",
				loggerv2.String("path", s.path), loggerv2.Error(jsonErr))
			s.settings = fileSettings{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if s.settings.AnonymousID == "" {
		s.settings.AnonymousID = uuid.New().String()
		if err := s.save(); err != nil {
			// The id stays in memory for this run; persistence is retried
			// next launch.
			s.logger.Warn("Failed to persist settings", loggerv2.Error(err))
		}
	}
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// AnonymousID returns the persisted anonymous install id.
func (s *Service) AnonymousID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.AnonymousID
}

// AnalyticsEnabled reports whether usage events should be sent. Unset means
// enabled.
func (s *Service) AnalyticsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.AnalyticsEnabled == nil || *s.settings.AnalyticsEnabled
}

// SetAnalyticsEnabled persists the analytics opt-in flag.
func (s *Service) SetAnalyticsEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.AnalyticsEnabled = &enabled
	return s.save()
}

// usageEvent is the analytics wire payload.
type usageEvent struct {
	AnonymousID string    `json:"anonymousId"`
	Event       string    `json:"event"`
	Server      string    `json:"server"`
	Tool        string    `json:"tool,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TrackToolCall records a forwarded tool call. The send happens on a
// background goroutine with a short deadline and never returns an error to
// the caller.
func (s *Service) TrackToolCall(server, tool string) {
	if !s.AnalyticsEnabled() {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}

	event := usageEvent{
		AnonymousID: s.AnonymousID(),
		Event:       "tool_call",
		Server:      server,
		Tool:        tool,
		Timestamp:   time.Now().UTC(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.post(ctx, event); err != nil {
			s.logger.Debug("Usage event not delivered", loggerv2.Error(err))
		}
	}()
}

func (s *Service) post(ctx context.Context, event usageEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.analyticsURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("usage request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("analytics endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops accepting events and waits for in-flight sends to finish.
func (s *Service) Close() {
	s.closeOne.Do(func() { close(s.closed) })
	s.wg.Wait()
}
