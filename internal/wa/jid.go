package wa

import (
	"errors"
	"regexp"
	"strings"
)

// Scope classifies a normalized JID by the kind of conversation it addresses.
type Scope string

const (
	ScopePrivate   Scope = "private"
	ScopeGroup     Scope = "group"
	ScopeBroadcast Scope = "broadcast"
	ScopeStatus    Scope = "status"
)

var (
	ErrInvalidRecipient = errors.New("recipient is empty or not a valid destination")
	ErrInvalidJID       = errors.New("recipient is not a recognized jid form")
)

var (
	userJIDRegex      = regexp.MustCompile(`^\d{5,20}(?::\d+)?@s\.whatsapp\.net$`)
	groupJIDRegex     = regexp.MustCompile(`^\d{5,30}-\d{5,30}@g\.us$`)
	broadcastJIDRegex = regexp.MustCompile(`^\d+@broadcast$`)
	lidJIDRegex       = regexp.MustCompile(`^[^@\s]+@lid$`)
	nonDigitRegex     = regexp.MustCompile(`\D`)
)

// NormalizeJID accepts a bare phone number or an already-qualified JID
// (user, group, broadcast, status or lid form) and returns the canonical
// lowercase JID.
func NormalizeJID(to string) (string, error) {
	raw := strings.TrimSpace(to)
	if raw == "" {
		return "", ErrInvalidRecipient
	}

	if strings.Contains(raw, "@") {
		jid := strings.ToLower(raw)
		if jid == "status@broadcast" ||
			userJIDRegex.MatchString(jid) ||
			groupJIDRegex.MatchString(jid) ||
			broadcastJIDRegex.MatchString(jid) ||
			lidJIDRegex.MatchString(jid) {
			return jid, nil
		}
		return "", ErrInvalidJID
	}

	number := nonDigitRegex.ReplaceAllString(raw, "")
	if number == "" {
		return "", ErrInvalidRecipient
	}
	return number + "@s.whatsapp.net", nil
}

// ExtractPhoneNumber pulls the bare digits out of a phone number or a user
// JID. Group and broadcast JIDs carry no phone number; those return "".
func ExtractPhoneNumber(input string) string {
	value := strings.ToLower(strings.TrimSpace(input))
	if value == "" {
		return ""
	}

	if !strings.Contains(value, "@") {
		local, _, _ := strings.Cut(value, ":")
		return nonDigitRegex.ReplaceAllString(local, "")
	}

	local, domain, _ := strings.Cut(value, "@")
	if domain != "s.whatsapp.net" {
		return ""
	}
	base, _, _ := strings.Cut(local, ":")
	return nonDigitRegex.ReplaceAllString(base, "")
}

// ScopeOf derives the conversation scope from a normalized JID.
func ScopeOf(jid string) Scope {
	value := strings.ToLower(jid)
	switch {
	case value == "status@broadcast":
		return ScopeStatus
	case strings.HasSuffix(value, "@g.us"):
		return ScopeGroup
	case strings.HasSuffix(value, "@broadcast"):
		return ScopeBroadcast
	default:
		return ScopePrivate
	}
}

// SameActor reports whether a task recipient and an inbound sender refer to
// the same party, either by exact JID or by underlying phone number (device
// suffixes and JID/number mixes compare equal).
func SameActor(taskTo, senderJID string) bool {
	to := strings.ToLower(strings.TrimSpace(taskTo))
	sender := strings.ToLower(strings.TrimSpace(senderJID))
	if to != "" && sender != "" && to == sender {
		return true
	}

	toNumber := ExtractPhoneNumber(to)
	senderNumber := ExtractPhoneNumber(sender)
	if toNumber != "" && senderNumber != "" {
		return toNumber == senderNumber
	}
	return false
}
