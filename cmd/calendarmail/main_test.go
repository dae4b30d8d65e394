package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/scheduler"
	"github.com/tazhate/calendarmail/internal/security"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"runtime", errors.New("boom"), exitRuntime},
		{"usage", &usageError{err: errors.New("unknown flag")}, exitUsage},
		{"config", &domain.ConfigError{Problems: []string{"x"}}, exitConfig},
		{"wrapped config", fmt.Errorf("load: %w", &domain.ConfigError{}), exitConfig},
		{"decryption", fmt.Errorf("calendar password: %w", &domain.DecryptionError{Err: domain.ErrNoPassphrase}), exitEncryption},
		{"delivery", fmt.Errorf("run reminders: %w", &domain.DeliveryError{Reminder: "r", Channel: "mail", Err: errors.New("x")}), exitDelivery},
		{"unavailable", fmt.Errorf("run reminders: %w", scheduler.ErrUnavailable), exitUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calendarmail.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path, dir
}

func execute(args ...string) (string, error) {
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path, _ := writeConfig(t, `
reminders:
  - name: weekly
    days_in_advance: 7
    cron_trigger: "0 8 * * MON"
    receivers: [anna@example.com]
  - name: broken
    cron_trigger: "* * *"
emailserver:
  hostname: smtp.example.com
  from: calendar@example.com
`)

	out, err := execute("validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, `reminder "weekly": cron(0 8 * * MON), 7 days`)
	assert.Contains(t, out, `warning: reminder "broken" has no receivers`)
	assert.Contains(t, out, `schedule reminder "broken"`)
	assert.Contains(t, out, "0 calendars, 2 reminders: ok")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path, _ := writeConfig(t, `
reminders:
  - name: a
  - name: a
    days_in_advance: -1
`)
	_, err := execute("validate", "-f", path)
	assert.Equal(t, exitConfig, exitCode(err))

	_, err = execute("validate", "-f", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestEncryptCommand(t *testing.T) {
	out, err := execute("encrypt", "-p", "s3cret", "hunter2")
	require.NoError(t, err)

	value := regexp.MustCompile(`ENC\([^)]+\)`).FindString(out)
	require.NotEmpty(t, value)

	plain, err := security.NewResolver(security.StaticPassphrase("s3cret"), nil).Resolve(value)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestUsageErrors(t *testing.T) {
	_, err := execute("--no-such-flag")
	assert.Equal(t, exitUsage, exitCode(err))

	_, err = execute("encrypt", "a", "b")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestSingleRunThenHistory(t *testing.T) {
	path, dir := writeConfig(t, "")
	db := filepath.Join(dir, "data", "runs.db")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
database_path: %s
initial_wait: 5s
reminders:
  - name: daily
    days_in_advance: 1
`, db)), 0600))

	_, err := execute("run", "-f", path, "--log-level", "error")
	require.NoError(t, err)

	out, err := execute("history", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "daily")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "immediate")
}

func TestUnknownReminderIsConfigError(t *testing.T) {
	path, dir := writeConfig(t, "")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
database_path: %s
reminders:
  - name: daily
`, filepath.Join(dir, "runs.db"))), 0600))

	_, err := execute("-f", path, "-r", "weekly")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReminderNotFound)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestEncryptedCredentialWithWrongPassphrase(t *testing.T) {
	payload, err := security.Encrypt("pw", "right")
	require.NoError(t, err)

	path, dir := writeConfig(t, "")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
database_path: %s
calendars:
  - hostname: home
    address: https://dav.example.com/cal/
    username: anna
    password: %s
`, filepath.Join(dir, "runs.db"), security.Wrap(payload))), 0600))

	_, err = execute("-f", path, "-p", "wrong")
	assert.Equal(t, exitEncryption, exitCode(err))
}
