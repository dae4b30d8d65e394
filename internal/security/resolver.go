package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/tazhate/calendarmail/internal/domain"
)

var encryptedPattern = regexp.MustCompile(`^ENC\((.+)\)$`)

// PassphraseSource supplies the process-wide encryption passphrase.
type PassphraseSource interface {
	Passphrase() (string, error)
}

// StaticPassphrase is a passphrase given on the command line or environment.
type StaticPassphrase string

func (p StaticPassphrase) Passphrase() (string, error) {
	if p == "" {
		return "", domain.ErrNoPassphrase
	}
	return string(p), nil
}

// IsEncrypted reports whether raw uses the ENC(...) marker.
func IsEncrypted(raw string) bool {
	return encryptedPattern.MatchString(raw)
}

// Wrap formats an encrypted payload with the ENC(...) marker.
func Wrap(payload string) string {
	return "ENC(" + payload + ")"
}

// Resolver turns configuration secrets into plaintext credentials.
// The passphrase is requested from its source only when the first
// encrypted value shows up, and then reused.
type Resolver struct {
	source PassphraseSource
	logger *slog.Logger

	mu         sync.Mutex
	passphrase string
}

// NewResolver creates a resolver. source may be nil, in which case any
// encrypted value fails with a DecryptionError.
func NewResolver(source PassphraseSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns raw unchanged unless it is ENC(...), in which case the
// decrypted plaintext is returned.
func (r *Resolver) Resolve(raw string) (string, error) {
	match := encryptedPattern.FindStringSubmatch(raw)
	if match == nil {
		return raw, nil
	}

	passphrase, err := r.getPassphrase()
	if err != nil {
		return "", &domain.DecryptionError{Err: err}
	}

	r.logger.Debug("decrypting credential")
	plain, err := Decrypt(match[1], passphrase)
	if err != nil {
		return "", &domain.DecryptionError{Err: err}
	}
	return plain, nil
}

// Encrypt produces an ENC(...) value for plaintext.
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	passphrase, err := r.getPassphrase()
	if err != nil {
		return "", err
	}
	payload, err := Encrypt(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return Wrap(payload), nil
}

func (r *Resolver) getPassphrase() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passphrase != "" {
		return r.passphrase, nil
	}
	if r.source == nil {
		return "", domain.ErrNoPassphrase
	}

	p, err := r.source.Passphrase()
	if err != nil {
		return "", fmt.Errorf("get passphrase: %w", err)
	}
	if p == "" {
		return "", domain.ErrNoPassphrase
	}
	r.passphrase = p
	return p, nil
}
