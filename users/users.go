package users

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// RoleType represents a platform role as reported by the backend
type RoleType string

const (
	RoleAdmin   RoleType = "admin"   // Manages users and every course
	RoleTeacher RoleType = "teacher" // Creates courses, assignments, tests and live classes
	RoleStudent RoleType = "student" // Enrolls, submits work, takes tests
)

// ID is a user identifier. The backend sends numeric ids; string ids are accepted too.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// User is the typed view of the canonical current-user record. The record
// itself is cached verbatim; unknown fields are ignored here.
type User struct {
	ID        ID       `json:"id"`
	Email     string   `json:"email,omitempty"`
	Username  string   `json:"username,omitempty"`
	Name      string   `json:"name,omitempty"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	Role      RoleType `json:"role,omitempty"`
	IsStaff   bool     `json:"is_staff,omitempty"`
}

// Decode parses a user record. A nil or null record yields nil.
func Decode(raw json.RawMessage) (*User, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// DisplayName prefers the full name, then "name", then username, then email.
func (u *User) DisplayName() string {
	if full := strings.TrimSpace(u.FirstName + " " + u.LastName); full != "" {
		return full
	}
	for _, s := range []string{u.Name, u.Username, u.Email} {
		if s != "" {
			return s
		}
	}
	return string(u.ID)
}

func (u *User) HasRole(role RoleType) bool {
	if role == RoleAdmin && u.IsStaff {
		return true
	}
	return u.Role == role
}

// CanTeach reports whether the user may manage course content.
func (u *User) CanTeach() bool {
	return u.HasRole(RoleTeacher) || u.HasRole(RoleAdmin)
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		}
	}

	if !hasUpper || !hasLower {
		return fmt.Errorf("password must contain both uppercase and lowercase letters")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}
	return nil
}
