package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"nebulaai/pkg/domain"
)

// MemoryStore is an in-memory Store used in tests and local development.
// A single mutex makes every operation, including the conditional credit
// and refresh-token updates, atomic.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]domain.User
	emails      map[string]string // lowercased email -> user id
	generations map[string]domain.Generation
	byUser      map[string][]string // user id -> generation ids, insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]domain.User),
		emails:      make(map[string]string),
		generations: make(map[string]domain.Generation),
		byUser:      make(map[string][]string),
	}
}

func (s *MemoryStore) SaveUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok && !strings.EqualFold(prev.Email, u.Email) {
		delete(s.emails, strings.ToLower(prev.Email))
	}
	s.users[u.ID] = u
	s.emails[strings.ToLower(u.Email)] = u.ID
	return nil
}

func (s *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) HasUserEmail(email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.emails[strings.ToLower(email)]
	return ok, nil
}

func (s *MemoryStore) UpdateUserProfile(userID, name, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if name != "" {
		u.Name = name
	}
	if email != "" && !strings.EqualFold(email, u.Email) {
		delete(s.emails, strings.ToLower(u.Email))
		u.Email = email
		s.emails[strings.ToLower(email)] = userID
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) UpdatePassword(userID, passwordHash string, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = passwordHash
	u.PasswordChangedAt = &changedAt
	u.RefreshTokenHash = ""
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) SetRefreshToken(userID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.RefreshTokenHash = tokenHash
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) RotateRefreshToken(userID, oldHash, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.RefreshTokenHash != oldHash {
		return ErrRefreshTokenMismatch
	}
	u.RefreshTokenHash = newHash
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) ClearRefreshToken(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.RefreshTokenHash = ""
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) DeductCredits(userID string, amount int) (domain.Credits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.Credits{}, ErrUserNotFound
	}
	if u.Credits.Remaining < amount {
		return domain.Credits{}, ErrInsufficientCredits
	}
	now := time.Now().UTC()
	u.Credits.Used += amount
	u.Credits.Recalc()
	u.Usage.TotalRequests++
	u.Usage.LastRequestAt = &now
	u.UpdatedAt = now
	s.users[userID] = u
	return u.Credits, nil
}

func (s *MemoryStore) AddCredits(userID string, amount int) (domain.Credits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.Credits{}, ErrUserNotFound
	}
	u.Credits.Total += amount
	u.Credits.Recalc()
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return u.Credits, nil
}

func (s *MemoryStore) SetSubscription(userID string, sub domain.Subscription, credits domain.Credits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Subscription = sub
	u.Credits = credits
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) SaveGeneration(g domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.generations[g.ID]; !exists {
		s.byUser[g.UserID] = append(s.byUser[g.UserID], g.ID)
	}
	s.generations[g.ID] = g
	return nil
}

func (s *MemoryStore) GetGeneration(id string) (domain.Generation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	return g, ok, nil
}

func (s *MemoryStore) ListGenerationsByUser(userID string, limit, offset int) ([]domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.userGenerationsLocked(userID)
	// newest first
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []domain.Generation{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) ListGenerationsSince(userID string, since time.Time) ([]domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.userGenerationsLocked(userID)
	out := make([]domain.Generation, 0, len(all))
	for _, g := range all {
		if !g.CreatedAt.Before(since) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteGeneration(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.generations[id]
	if !ok {
		return nil
	}
	delete(s.generations, id)
	ids := s.byUser[g.UserID]
	for i, gid := range ids {
		if gid == id {
			s.byUser[g.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CountGenerationsByUser(userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byUser[userID])), nil
}

func (s *MemoryStore) GenerationTypeStats(userID string) ([]TypeStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[domain.GenerationType]*TypeStat)
	for _, g := range s.userGenerationsLocked(userID) {
		stat, ok := byType[g.Type]
		if !ok {
			stat = &TypeStat{Type: g.Type}
			byType[g.Type] = stat
		}
		stat.Count++
		stat.Credits += int64(g.Credits)
	}
	out := make([]TypeStat, 0, len(byType))
	for _, stat := range byType {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (s *MemoryStore) userGenerationsLocked(userID string) []domain.Generation {
	ids := s.byUser[userID]
	out := make([]domain.Generation, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.generations[id]; ok {
			out = append(out, g)
		}
	}
	return out
}
