package services

import (
	"strings"
	"sync"

	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/pkg/utils"
)

// KFPConfig is the live connection config of one user. Endpoint is empty
// until configured; Token is held only in memory.
type KFPConfig struct {
	Endpoint  string
	Namespace string
	Token     string
}

func (c KFPConfig) Public() models.PublicConfig {
	pub := models.PublicConfig{
		Namespace: c.Namespace,
		HasToken:  c.Token != "",
	}
	if c.Endpoint != "" {
		endpoint := c.Endpoint
		pub.Endpoint = &endpoint
	}
	return pub
}

// SettingsService keeps the per-user KFP config for this server process.
type SettingsService struct {
	mu               sync.Mutex
	configs          map[string]KFPConfig
	defaultNamespace string
}

func NewSettingsService(defaultNamespace string) *SettingsService {
	if defaultNamespace == "" {
		defaultNamespace = utils.DefaultNamespace
	}
	return &SettingsService{
		configs:          make(map[string]KFPConfig),
		defaultNamespace: defaultNamespace,
	}
}

func (s *SettingsService) Get(user string) KFPConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(user)
}

func (s *SettingsService) getLocked(user string) KFPConfig {
	cfg, ok := s.configs[user]
	if !ok {
		cfg = KFPConfig{Namespace: s.defaultNamespace}
		s.configs[user] = cfg
	}
	return cfg
}

// Update applies req on top of the stored config. Absent keys are kept; a
// present token replaces the stored one and an empty token clears it.
func (s *SettingsService) Update(user string, req models.SettingsRequest) (KFPConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.getLocked(user)

	if req.Endpoint != nil {
		endpoint, err := utils.NormalizeEndpoint(*req.Endpoint)
		if err != nil {
			return cfg, err
		}
		cfg.Endpoint = endpoint
	}
	if req.Namespace != nil {
		ns, err := utils.NormalizeNamespace(*req.Namespace)
		if err != nil {
			return cfg, err
		}
		if strings.TrimSpace(*req.Namespace) == "" {
			ns = s.defaultNamespace
		}
		cfg.Namespace = ns
	}
	if req.Token.Set {
		cfg.Token = req.Token.Value
	}

	s.configs[user] = cfg
	return cfg, nil
}
