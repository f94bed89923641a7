package matching

import (
	"errors"
	"fmt"
	"strings"

	"langexchange-backend/internal/languages"
	"langexchange-backend/internal/queue"
)

var ErrInvalidPreferences = errors.New("invalid preferences")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPreferences
}

var genderPreferences = map[string]bool{
	"":              true,
	queue.GenderAny: true,
	"male":          true,
	"female":        true,
	"other":         true,
}

// Normalize validates prefs and returns a copy with canonical language codes
// and lower-cased enumerations.
func Normalize(prefs queue.Preferences) (queue.Preferences, error) {
	if prefs.UserID == "" {
		return prefs, &ValidationError{Field: "user_id", Message: "is required"}
	}

	native, ok := languages.Normalize(prefs.NativeLanguage)
	if !ok {
		return prefs, &ValidationError{Field: "native_language", Message: "unsupported language"}
	}
	target, ok := languages.Normalize(prefs.TargetLanguage)
	if !ok {
		return prefs, &ValidationError{Field: "target_language", Message: "unsupported language"}
	}
	if native == target {
		return prefs, &ValidationError{Field: "target_language", Message: "must differ from native language"}
	}
	prefs.NativeLanguage = native
	prefs.TargetLanguage = target

	if prefs.Age < queue.DefaultAgeMin || prefs.Age > queue.DefaultAgeMax {
		return prefs, &ValidationError{Field: "age", Message: fmt.Sprintf("must be between %d and %d", queue.DefaultAgeMin, queue.DefaultAgeMax)}
	}
	if prefs.AgeMin < 0 || prefs.AgeMax < 0 {
		return prefs, &ValidationError{Field: "age_range", Message: "must not be negative"}
	}
	if prefs.AgeMin > 0 && prefs.AgeMax > 0 && prefs.AgeMin > prefs.AgeMax {
		return prefs, &ValidationError{Field: "age_range", Message: "min must not exceed max"}
	}

	prefs.Gender = strings.ToLower(strings.TrimSpace(prefs.Gender))
	prefs.GenderPreference = strings.ToLower(strings.TrimSpace(prefs.GenderPreference))
	if !genderPreferences[prefs.GenderPreference] {
		return prefs, &ValidationError{Field: "gender_preference", Message: "unknown value"}
	}
	prefs.ProficiencyLevel = strings.ToLower(strings.TrimSpace(prefs.ProficiencyLevel))

	return prefs, nil
}
