package contacthttp

import (
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameRunes    = 100
	maxEmailBytes   = 254
	maxMessageRunes = 5000
)

// Submission is what gets stored for one accepted contact request.
type Submission struct {
	ID string `json:"id"`
	// RequestID correlates with logs, it is client-influenced and never used as a key
	RequestID  string    `json:"request_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Message    string    `json:"message"`
	ClientIP   string    `json:"client_ip,omitempty"`
}

type request struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

// FieldErrors maps a field name to why it was rejected.
type FieldErrors map[string]string

// normalize trims the request fields and returns any validation problems.
func (req *request) normalize() FieldErrors {
	errs := FieldErrors{}

	req.Name = strings.TrimSpace(req.Name)
	switch n := utf8.RuneCountInString(req.Name); {
	case n == 0:
		errs["name"] = "is required"
	case n > maxNameRunes:
		errs["name"] = "is too long"
	case hasControl(req.Name, false):
		errs["name"] = "contains invalid characters"
	}

	req.Email = strings.TrimSpace(req.Email)
	switch {
	case req.Email == "":
		errs["email"] = "is required"
	case len(req.Email) > maxEmailBytes:
		errs["email"] = "is too long"
	case !validEmail(req.Email):
		errs["email"] = "must be a valid email address"
	}

	req.Message = strings.TrimSpace(req.Message)
	switch n := utf8.RuneCountInString(req.Message); {
	case n == 0:
		errs["message"] = "is required"
	case n > maxMessageRunes:
		errs["message"] = "is too long"
	case hasControl(req.Message, true):
		errs["message"] = "contains invalid characters"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// validEmail accepts a bare addr-spec only, no display name or angle brackets.
func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address != s || a.Name != "" {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}

func hasControl(s string, allowNewlines bool) bool {
	for _, r := range s {
		if allowNewlines && (r == '\n' || r == '\r' || r == '\t') {
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return true
		}
	}
	return false
}
