// Package configsync keeps the durable connection settings, the bridge
// server's per-user config, and interested observers in agreement.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"kfp-notebook-bridge/internal/client"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/store"
	"kfp-notebook-bridge/pkg/utils"
)

type Event string

const (
	EventConfigChanged Event = "config-changed"
	EventConnectionOK  Event = "connection-ok"
)

// Backend is the slice of the bridge server API the synchronizer uses.
type Backend interface {
	GetSettings(ctx context.Context) (*client.Settings, error)
	UpdateSettings(ctx context.Context, update client.SettingsUpdate) (*client.Settings, error)
	Debug(ctx context.Context) (*models.DebugResult, error)
}

// PersistedConfig is the part of the config that is written to disk.
type PersistedConfig struct {
	Endpoint  string
	Namespace string
}

// Config is the effective connection config. Token is only ever sent to the
// server, never persisted.
type Config struct {
	Endpoint  string
	Namespace string
	Token     string
	HasToken  bool
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

type saveOptions struct {
	silent bool
}

type SaveOption func(*saveOptions)

// WithoutConfigChanged suppresses the config-changed broadcast of SaveConfig.
func WithoutConfigChanged() SaveOption {
	return func(o *saveOptions) { o.silent = true }
}

type Service struct {
	backend Backend
	logger  *zap.Logger
	group   singleflight.Group

	mu           sync.Mutex
	store        store.Store
	baseline     *PersistedConfig
	connectionOK bool
	subscribers  map[Event]map[int]func()
	nextID       int
}

func New(backend Backend, opts ...Option) *Service {
	s := &Service{
		backend:     backend,
		logger:      zap.L(),
		subscribers: make(map[Event]map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize attaches the durable store. Until then persisted reads yield
// defaults and writes are dropped.
func (s *Service) Initialize(st store.Store) {
	s.mu.Lock()
	s.store = st
	s.mu.Unlock()
}

func (s *Service) currentStore() store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// readPersisted returns the stored pair. A missing key yields its default;
// any other store failure is returned.
func (s *Service) readPersisted(ctx context.Context) (PersistedConfig, error) {
	cfg := PersistedConfig{Namespace: utils.DefaultNamespace}
	st := s.currentStore()
	if st == nil {
		return cfg, nil
	}
	endpoint, err := persistedString(ctx, st, store.KeyEndpoint)
	if err != nil {
		return cfg, err
	}
	namespace, err := persistedString(ctx, st, store.KeyNamespace)
	if err != nil {
		return cfg, err
	}
	cfg.Endpoint = endpoint
	if namespace != "" {
		cfg.Namespace = namespace
	}
	return cfg, nil
}

func persistedString(ctx context.Context, st store.Store, key string) (string, error) {
	value, err := st.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	str, _ := value.(string)
	return str, nil
}

// GetPersisted returns the stored pair, or defaults when the store cannot
// be read.
func (s *Service) GetPersisted(ctx context.Context) PersistedConfig {
	cfg, err := s.readPersisted(ctx)
	if err != nil {
		s.logger.Warn("Failed to read persisted settings", zap.Error(err))
	}
	return cfg
}

func (s *Service) SetPersisted(ctx context.Context, cfg PersistedConfig) error {
	st := s.currentStore()
	if st == nil {
		return nil
	}
	cfg = normalize(cfg)
	if err := st.Set(ctx, store.KeyEndpoint, cfg.Endpoint); err != nil {
		return err
	}
	return st.Set(ctx, store.KeyNamespace, cfg.Namespace)
}

func normalize(cfg PersistedConfig) PersistedConfig {
	if cfg.Namespace == "" {
		cfg.Namespace = utils.DefaultNamespace
	}
	return cfg
}

// SyncFromSettingsToBackend pushes the persisted endpoint and namespace to
// the server unless they equal the last synced pair. Failures are logged and
// leave the baseline alone so a later call retries. Nothing is pushed when
// the store cannot be read.
func (s *Service) SyncFromSettingsToBackend(ctx context.Context) error {
	persisted, err := s.readPersisted(ctx)
	if err != nil {
		s.logger.Warn("Skipping settings sync, store unreadable", zap.Error(err))
		return nil
	}
	desired := normalize(persisted)

	s.mu.Lock()
	same := s.baseline != nil && *s.baseline == desired
	s.mu.Unlock()
	if same {
		return nil
	}

	key := desired.Endpoint + "\x00" + desired.Namespace
	_, _, _ = s.group.Do(key, func() (interface{}, error) {
		endpoint, namespace := desired.Endpoint, desired.Namespace
		_, err := s.backend.UpdateSettings(ctx, client.SettingsUpdate{
			Endpoint:  &endpoint,
			Namespace: &namespace,
		})
		if err != nil {
			s.logger.Warn("Failed to sync KFP settings to backend", zap.Error(err))
			return nil, err
		}

		s.mu.Lock()
		synced := desired
		s.baseline = &synced
		s.mu.Unlock()

		s.emit(EventConfigChanged)
		return nil, nil
	})
	return nil
}

// GetConfig prefers persisted values and falls back to what the server
// holds. A server failure degrades to persisted values only.
func (s *Service) GetConfig(ctx context.Context) Config {
	persisted := s.GetPersisted(ctx)

	backend, err := s.backend.GetSettings(ctx)
	if err != nil {
		s.logger.Debug("Backend settings unavailable", zap.Error(err))
		backend = &client.Settings{}
	}

	cfg := Config{
		Endpoint:  persisted.Endpoint,
		Namespace: persisted.Namespace,
		HasToken:  backend.HasToken,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = backend.Endpoint
	}
	if cfg.Namespace == "" {
		cfg.Namespace = backend.Namespace
	}
	if cfg.Namespace == "" {
		cfg.Namespace = utils.DefaultNamespace
	}
	return cfg
}

func (s *Service) TestConnection(ctx context.Context) (*models.DebugResult, error) {
	result, err := s.backend.Debug(ctx)
	if err != nil {
		return nil, err
	}
	if result.Connectivity == models.ConnectivitySuccess {
		s.mu.Lock()
		newly := !s.connectionOK
		s.connectionOK = true
		s.mu.Unlock()
		if newly {
			s.emit(EventConnectionOK)
		}
	}
	return result, nil
}

// SaveConfig persists endpoint and namespace and sends them, with the token
// when one is given, to the server. The baseline moves to the new pair
// before the store write so the resulting file change does not trigger a
// second push; it is restored if the save fails.
func (s *Service) SaveConfig(ctx context.Context, cfg Config, opts ...SaveOption) error {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	desired := normalize(PersistedConfig{Endpoint: cfg.Endpoint, Namespace: cfg.Namespace})

	s.mu.Lock()
	previous := s.baseline
	next := desired
	s.baseline = &next
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		s.baseline = previous
		s.mu.Unlock()
	}

	if err := s.SetPersisted(ctx, desired); err != nil {
		restore()
		return err
	}

	update := client.SettingsUpdate{
		Endpoint:  &desired.Endpoint,
		Namespace: &desired.Namespace,
	}
	if strings.TrimSpace(cfg.Token) != "" {
		token := cfg.Token
		update.Token = &token
	}
	if _, err := s.backend.UpdateSettings(ctx, update); err != nil {
		restore()
		return err
	}

	s.setConnectionOK(false)
	if !o.silent {
		s.emit(EventConfigChanged)
	}
	return nil
}

// Logout clears the server-held token. Persisted values are untouched.
func (s *Service) Logout(ctx context.Context) error {
	empty := ""
	if _, err := s.backend.UpdateSettings(ctx, client.SettingsUpdate{Token: &empty}); err != nil {
		return err
	}
	s.setConnectionOK(false)
	s.emit(EventConfigChanged)
	return nil
}

func (s *Service) ConnectionOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionOK
}

func (s *Service) setConnectionOK(ok bool) {
	s.mu.Lock()
	s.connectionOK = ok
	s.mu.Unlock()
}

// Subscribe registers fn for event and returns a function removing it.
func (s *Service) Subscribe(event Event, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.subscribers[event] == nil {
		s.subscribers[event] = make(map[int]func())
	}
	s.subscribers[event][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[event], id)
	}
}

func (s *Service) emit(event Event) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subscribers[event]))
	for _, fn := range s.subscribers[event] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
