// Package config loads challenge definitions and container security
// profiles from JSON files and serves them to the rest of the control
// plane. Definitions come from a master file plus an optional imported
// file; both are merged into one cache that can be reloaded at runtime.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/markmysler/dvc/domain"
)

var challengeIDPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var difficultyOrder = map[string]int{
	"beginner":     0,
	"intermediate": 1,
	"advanced":     2,
	"expert":       3,
}

type challengeFile struct {
	SchemaVersion string             `json:"schema_version"`
	Challenges    []domain.Challenge `json:"challenges"`
}

// Store is the single source of truth for challenge definitions and
// security profiles. It is safe for concurrent use.
type Store struct {
	challengesPath string
	importedPath   string
	profilesPath   string
	logger         *slog.Logger

	mu         sync.RWMutex
	challenges map[string]domain.Challenge
	profiles   map[string]domain.SecurityProfile
}

func NewStore(challengesPath, importedPath, profilesPath string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		challengesPath: challengesPath,
		importedPath:   importedPath,
		profilesPath:   profilesPath,
		logger:         logger,
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every configuration source and swaps the cache in one
// step. A failed reload leaves the previous cache in place.
func (s *Store) Reload() error {
	challenges, err := s.loadChallenges()
	if err != nil {
		return err
	}

	profiles, err := s.loadProfiles()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.challenges = challenges
	s.profiles = profiles
	s.mu.Unlock()

	s.logger.Info("configuration loaded",
		"challenges", len(challenges),
		"profiles", len(profiles))
	return nil
}

func (s *Store) loadChallenges() (map[string]domain.Challenge, error) {
	master, err := readChallengeFile(s.challengesPath)
	if err != nil {
		return nil, fmt.Errorf("loading challenge definitions: %w", err)
	}

	challenges := make(map[string]domain.Challenge, len(master))

	// Imported challenges first so that master definitions win on an ID
	// collision.
	if s.importedPath != "" {
		imported, err := readChallengeFile(s.importedPath)
		if errors.Is(err, os.ErrNotExist) {
			imported = nil
		} else if err != nil {
			return nil, fmt.Errorf("loading imported challenges: %w", err)
		}
		for _, c := range imported {
			if !challengeIDPattern.MatchString(c.ID) {
				s.logger.Warn("skipping imported challenge with invalid id", "id", c.ID)
				continue
			}
			c.Imported = true
			challenges[c.ID] = c
		}
	}

	for _, c := range master {
		if !challengeIDPattern.MatchString(c.ID) {
			return nil, fmt.Errorf("%w: challenge id %q must be lowercase-hyphen", domain.ErrInvalidConfig, c.ID)
		}
		challenges[c.ID] = c
	}

	return challenges, nil
}

func readChallengeFile(path string) ([]domain.Challenge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file challengeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidConfig, path, err)
	}
	if file.Challenges == nil {
		return nil, fmt.Errorf("%w: %s: missing challenges key", domain.ErrInvalidConfig, path)
	}

	return file.Challenges, nil
}

func (s *Store) loadProfiles() (map[string]domain.SecurityProfile, error) {
	profiles := map[string]domain.SecurityProfile{
		"default": domain.DefaultSecurityProfile(),
	}

	data, err := os.ReadFile(s.profilesPath)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("security profiles not found, using built-in default only",
			"path", s.profilesPath)
		return profiles, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading security profiles: %w", err)
	}

	var loaded map[string]domain.SecurityProfile
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidConfig, s.profilesPath, err)
	}

	for name, p := range loaded {
		profiles[name] = p
	}

	return profiles, nil
}

// Challenge returns the definition for id.
func (s *Store) Challenge(id string) (domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[id]
	if !ok {
		return domain.Challenge{}, fmt.Errorf("%w: %s", domain.ErrChallengeNotFound, id)
	}
	return c, nil
}

// Challenges returns every loaded definition sorted by category, then
// difficulty, then name.
func (s *Store) Challenges() []domain.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]domain.Challenge, 0, len(s.challenges))
	for _, c := range s.challenges {
		list = append(list, c)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Category != list[j].Category {
			return list[i].Category < list[j].Category
		}
		di, dj := difficultyRank(list[i].Difficulty), difficultyRank(list[j].Difficulty)
		if di != dj {
			return di < dj
		}
		return list[i].Name < list[j].Name
	})
	return list
}

func difficultyRank(d string) int {
	if rank, ok := difficultyOrder[d]; ok {
		return rank
	}
	return len(difficultyOrder)
}

// Profile resolves a security profile by name, falling back to the
// conservative default when the name is unknown or empty.
func (s *Store) Profile(name string) domain.SecurityProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.profiles[name]; ok {
		return p
	}
	if name != "" && name != "default" {
		s.logger.Warn("security profile not found, using default", "profile", name)
	}
	return s.profiles["default"]
}
