// Package accounts manages the token accounts stored in provider settings.
package accounts

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotaguard/quotabar/internal/errors"
	"github.com/quotaguard/quotabar/internal/models"
)

// ErrAccountNotFound is returned when an account id is unknown.
var ErrAccountNotFound = errors.New("token account not found")

// Store reads token accounts from settings and serializes writes per
// provider. Settings are re-read inside every mutation.
type Store struct {
	settings models.Settings
	now      func() time.Time
	newID    func() string

	mu    sync.Mutex
	locks map[models.ProviderID]*sync.Mutex
}

// New creates a store backed by settings.
func New(settings models.Settings) *Store {
	return &Store{
		settings: settings,
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    make(map[models.ProviderID]*sync.Mutex),
	}
}

func (s *Store) lock(p models.ProviderID) func() {
	s.mu.Lock()
	l, ok := s.locks[p]
	if !ok {
		l = &sync.Mutex{}
		s.locks[p] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Data returns a copy of the stored account data of p, or nil.
func (s *Store) Data(p models.ProviderID) *models.TokenAccountData {
	return s.settings.ProviderConfig(p).TokenAccounts.Clone()
}

// Accounts returns the accounts of p in stored order.
func (s *Store) Accounts(p models.ProviderID) []models.TokenAccount {
	d := s.Data(p)
	if d == nil {
		return nil
	}
	return d.Accounts
}

// SelectedAccount returns the override's account when it belongs to p,
// else the active account, else nil.
func (s *Store) SelectedAccount(p models.ProviderID, override *models.TokenAccountOverride) *models.TokenAccount {
	if override != nil && override.Provider == p {
		acc := override.Account.Clone()
		return &acc
	}
	d := s.Data(p)
	if a := d.Active(); a != nil {
		acc := a.Clone()
		return &acc
	}
	return nil
}

// update applies fn to the account data of p under the provider lock.
func (s *Store) update(p models.ProviderID, fn func(d *models.TokenAccountData) error) error {
	unlock := s.lock(p)
	defer unlock()

	var fnErr error
	err := s.settings.UpdateProviderConfig(p, func(cfg *models.ProviderConfig) {
		d := cfg.TokenAccounts.Clone()
		if d == nil {
			d = &models.TokenAccountData{}
		}
		if fnErr = fn(d); fnErr != nil {
			return
		}
		d.Version = models.TokenAccountDataVersion
		if d.ActiveIndex < 0 || d.ActiveIndex >= len(d.Accounts) {
			d.ActiveIndex = 0
		}
		cfg.TokenAccounts = d
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// Add appends a new account and returns it. A token already stored updates
// that account's label instead.
func (s *Store) Add(p models.ProviderID, label, token string) (models.TokenAccount, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.TokenAccount{}, errors.New("token must not be empty")
	}
	var added models.TokenAccount
	err := s.update(p, func(d *models.TokenAccountData) error {
		for i := range d.Accounts {
			if d.Accounts[i].Token == token {
				d.Accounts[i].Label = label
				added = d.Accounts[i].Clone()
				return nil
			}
		}
		added = models.TokenAccount{ID: s.newID(), Label: label, Token: token, AddedAt: s.now().UTC()}
		d.Accounts = append(d.Accounts, added)
		return nil
	})
	return added, err
}

// Remove deletes the account with id. The active index keeps pointing at
// the same account when possible.
func (s *Store) Remove(p models.ProviderID, id string) error {
	return s.update(p, func(d *models.TokenAccountData) error {
		idx := indexOf(d, id)
		if idx < 0 {
			return ErrAccountNotFound
		}
		d.Accounts = append(d.Accounts[:idx], d.Accounts[idx+1:]...)
		if d.ActiveIndex > idx {
			d.ActiveIndex--
		}
		return nil
	})
}

// Select makes the account with id active.
func (s *Store) Select(p models.ProviderID, id string) error {
	return s.update(p, func(d *models.TokenAccountData) error {
		idx := indexOf(d, id)
		if idx < 0 {
			return ErrAccountNotFound
		}
		d.ActiveIndex = idx
		return nil
	})
}

// MarkUsed records a successful use of the account.
func (s *Store) MarkUsed(p models.ProviderID, id string, at time.Time) error {
	return s.update(p, func(d *models.TokenAccountData) error {
		idx := indexOf(d, id)
		if idx < 0 {
			return ErrAccountNotFound
		}
		d.Accounts[idx].LastUsed = models.Ptr(at.UTC())
		return nil
	})
}

// SetCooldown parks the account until until. family, when not empty, also
// records the rate-limit reset of that model family.
func (s *Store) SetCooldown(p models.ProviderID, id, family string, until time.Time, reason string) error {
	return s.update(p, func(d *models.TokenAccountData) error {
		idx := indexOf(d, id)
		if idx < 0 {
			return ErrAccountNotFound
		}
		acc := &d.Accounts[idx]
		acc.CoolingDownUntil = models.Ptr(until.UTC())
		acc.CooldownReason = reason
		if family != "" {
			if acc.RateLimitResetTimes == nil {
				acc.RateLimitResetTimes = make(map[string]time.Time)
			}
			acc.RateLimitResetTimes[family] = until.UTC()
		}
		return nil
	})
}

// Sync merges discovered accounts into the stored list. See Merge.
func (s *Store) Sync(p models.ProviderID, discovered []Discovered) ([]models.TokenAccount, error) {
	var merged *models.TokenAccountData
	err := s.update(p, func(d *models.TokenAccountData) error {
		merged = Merge(d, discovered, s.now(), s.newID)
		*d = *merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged.Clone().Accounts, nil
}

func indexOf(d *models.TokenAccountData, id string) int {
	for i, a := range d.Accounts {
		if a.ID == id {
			return i
		}
	}
	return -1
}
