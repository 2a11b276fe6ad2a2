package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// legacyUser is one record of the flat user_settings.json file.
type legacyUser struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	IsDoctor bool   `json:"isDoctor"`
}

// ImportResult summarizes a legacy import.
type ImportResult struct {
	Imported int
	Existing int
	Skipped  int
}

// ImportLegacyUsers registers every user found in a legacy JSON user file.
// Records without an email or password are skipped with a warning and users
// that already exist are left untouched.
func (s *Service) ImportLegacyUsers(ctx context.Context, path string) (ImportResult, error) {
	var res ImportResult

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read legacy users: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return res, fmt.Errorf("decode legacy users: %w", err)
	}

	for i, raw := range records {
		var rec legacyUser
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Email == "" || rec.Password == "" {
			s.logger.Warn("Skipping malformed legacy user record", "index", i, "error", err)
			res.Skipped++
			continue
		}

		_, err := s.Signup(ctx, SignupInput{
			Name:     rec.Name,
			Email:    rec.Email,
			Password: rec.Password,
			IsDoctor: rec.IsDoctor,
		})
		switch {
		case errors.Is(err, ErrUserExists):
			res.Existing++
		case err != nil:
			return res, fmt.Errorf("import legacy user %d: %w", i, err)
		default:
			res.Imported++
		}
	}

	s.logger.Info("Legacy user import complete",
		"path", path,
		"imported", res.Imported,
		"existing", res.Existing,
		"skipped", res.Skipped,
	)
	return res, nil
}
