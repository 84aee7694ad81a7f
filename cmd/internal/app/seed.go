package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"courier/cmd/internal/chat"
	"courier/cmd/security/apikey"
)

// Seed describes the realms, users and streams created at startup.
//
//	realms:
//	  - domain: example.com
//	    name: Example
//	users:
//	  - email: alice@example.com
//	    full_name: Alice
//	    api_key: alice-secret
//	streams:
//	  - realm: example.com
//	    name: general
//	    subscribers: [alice@example.com]
type Seed struct {
	Realms  []SeedRealm  `yaml:"realms"`
	Users   []SeedUser   `yaml:"users"`
	Streams []SeedStream `yaml:"streams"`
}

type SeedRealm struct {
	Domain     string `yaml:"domain"`
	Name       string `yaml:"name"`
	Restricted bool   `yaml:"restricted"`
}

// SeedUser belongs to the realm named by Realm, or to the realm matching its email domain.
type SeedUser struct {
	Email      string `yaml:"email"`
	FullName   string `yaml:"full_name"`
	Realm      string `yaml:"realm"`
	APIKey     string `yaml:"api_key"`
	CanForward bool   `yaml:"can_forward"`
}

type SeedStream struct {
	Realm       string   `yaml:"realm"`
	Name        string   `yaml:"name"`
	InviteOnly  bool     `yaml:"invite_only"`
	Subscribers []string `yaml:"subscribers"`
}

// LoadSeedFile decodes a seed file. Unknown keys are rejected.
func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path.
	if err != nil {
		return Seed{}, err
	}
	defer f.Close()
	return DecodeSeed(f)
}

// DecodeSeed decodes YAML seed data.
func DecodeSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return Seed{}, nil
		}
		return Seed{}, fmt.Errorf("seed: %w", err)
	}
	return s, nil
}

// ApplySeed creates what the seed describes. Existing realms and users are reused, so applying
// the same seed twice is harmless. API keys are stored hashed.
func ApplySeed(ctx context.Context, store chat.Store, keys apikey.Hasher, s Seed, log Logger) error {
	realms := make(map[string]chat.Realm, len(s.Realms))
	for _, sr := range s.Realms {
		r, err := store.CreateRealm(ctx, chat.Realm{Domain: sr.Domain, Name: sr.Name, Restricted: sr.Restricted})
		if chat.IsConflict(err) {
			r, err = store.RealmByDomain(ctx, sr.Domain)
		}
		if err != nil {
			return fmt.Errorf("seed realm %q: %w", sr.Domain, err)
		}
		realms[r.Domain] = r
	}

	realmFor := func(domain string) (chat.Realm, error) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if r, ok := realms[domain]; ok {
			return r, nil
		}
		r, err := store.RealmByDomain(ctx, domain)
		if err != nil {
			return chat.Realm{}, err
		}
		realms[domain] = r
		return r, nil
	}

	users := 0
	for _, su := range s.Users {
		email := chat.NormalizeEmail(su.Email)
		domain := su.Realm
		if domain == "" {
			domain = emailDomain(email)
		}
		realm, err := realmFor(domain)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", email, err)
		}
		u := chat.User{
			RealmID:    realm.ID,
			Email:      email,
			FullName:   su.FullName,
			Active:     true,
			CanForward: su.CanForward,
		}
		if su.APIKey != "" {
			u.APIKeyHash = keys.Hash(su.APIKey)
		}
		if _, err := store.CreateUser(ctx, u); err != nil {
			if !chat.IsConflict(err) {
				return fmt.Errorf("seed user %q: %w", email, err)
			}
			continue
		}
		users++
	}

	for _, ss := range s.Streams {
		realm, err := realmFor(ss.Realm)
		if err != nil {
			return fmt.Errorf("seed stream %q: %w", ss.Name, err)
		}
		st, rcp, _, err := store.GetOrCreateStream(ctx, chat.StreamSpec{RealmID: realm.ID, Name: ss.Name, InviteOnly: ss.InviteOnly})
		if err != nil {
			return fmt.Errorf("seed stream %q: %w", ss.Name, err)
		}
		for _, email := range ss.Subscribers {
			u, err := store.UserByEmail(ctx, email)
			if err != nil {
				return fmt.Errorf("seed stream %q subscriber %q: %w", st.Name, email, err)
			}
			if _, err := store.SetSubscription(ctx, u.ID, rcp.ID, true); err != nil {
				return fmt.Errorf("seed stream %q subscriber %q: %w", st.Name, email, err)
			}
		}
	}

	if log != nil {
		log.Info("seed.applied", "realms", len(s.Realms), "users_created", users, "streams", len(s.Streams))
	}
	return nil
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return ""
}
